package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
	"server/internal/providers/gateway"
)

// Webhook receives a provider's push notification for one job. The receiver
// is idempotent: once the body parses, the response is 200 no matter what the
// merge did, so providers can retry deliveries freely. Deliveries without a
// record_id are rejected rather than correlated by guesswork.
func (a *App) Webhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	provider, err := domain.ParseProvider(providerName)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "unknown provider")
		return
	}
	gw, ok := a.Gateways[provider]
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "provider not configured")
		return
	}
	recordID := r.URL.Query().Get("record_id")
	if recordID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "record_id is required")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	jobID, outcome, err := gw.ParseWebhook(body)
	if err != nil {
		a.Logger.Warn().Err(err).Str("record_id", recordID).Str("provider", providerName).Msg("webhook: undecodable payload")
		a.error(w, http.StatusBadRequest, "bad_request", "undecodable payload")
		return
	}
	if outcome.State != gateway.StatePending {
		if err := a.Reconciler.MergeCompletion(r.Context(), recordID, jobID, outcome); err != nil {
			// Acknowledge anyway: the scanner will pick the job up on
			// its next cycle.
			a.Logger.Error().Err(err).Str("record_id", recordID).Str("job_id", jobID).Msg("webhook: merge failed")
		}
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
