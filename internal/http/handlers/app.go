package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/engine"
	"server/internal/providers/gateway"
	"server/internal/store"
)

// App bundles the collaborators the HTTP handlers need.
type App struct {
	Store       store.RecordStore
	Coordinator *engine.Coordinator
	Reconciler  *engine.Reconciler
	Gateways    map[domain.Provider]gateway.Gateway
	Logger      zerolog.Logger
}

func NewApp(st store.RecordStore, coordinator *engine.Coordinator, reconciler *engine.Reconciler, gateways map[domain.Provider]gateway.Gateway, logger zerolog.Logger) *App {
	return &App{
		Store:       st,
		Coordinator: coordinator,
		Reconciler:  reconciler,
		Gateways:    gateways,
		Logger:      logger,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error": errCode, "message": message})
}
