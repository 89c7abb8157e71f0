package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
	"server/internal/engine"
)

type batchSubmitRequest struct {
	Prompt    string   `json:"prompt"`
	Provider  string   `json:"provider"`
	AssetURLs []string `json:"asset_urls,omitempty"`
	Width     int      `json:"width,omitempty"`
	Height    int      `json:"height,omitempty"`

	// Count distinguishes absent (default 1) from an explicit zero, which
	// is rejected downstream.
	Count *int `json:"count"`
}

type batchSubmitResponse struct {
	RecordID string `json:"record_id"`
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
	Failed   int    `json:"failed"`
}

func (a *App) BatchSubmit(w http.ResponseWriter, r *http.Request) {
	var req batchSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	count := 1
	if req.Count != nil {
		count = *req.Count
	}
	result, err := a.Coordinator.SubmitBatch(r.Context(), engine.SubmitBatchRequest{
		Prompt:    req.Prompt,
		Provider:  req.Provider,
		AssetURLs: req.AssetURLs,
		Width:     req.Width,
		Height:    req.Height,
		Count:     count,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidProvider):
			a.error(w, http.StatusBadRequest, "bad_request", "unsupported provider")
		case errors.Is(err, domain.ErrInvalidQuantity):
			a.error(w, http.StatusBadRequest, "bad_request", "count must be at least 1")
		default:
			a.Logger.Error().Err(err).Msg("batch submit failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to submit batch")
		}
		return
	}
	a.json(w, http.StatusAccepted, batchSubmitResponse{
		RecordID: result.RecordID,
		Status:   string(result.Status),
		Accepted: result.Accepted,
		Failed:   result.Failed,
	})
}

func (a *App) BatchGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := a.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "unknown batch")
			return
		}
		a.Logger.Error().Err(err).Str("record_id", id).Msg("batch read failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read batch")
		return
	}
	a.json(w, http.StatusOK, rec)
}
