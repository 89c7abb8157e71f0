package handlers

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// Health reports process liveness and which record store backend is active.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, healthResponse{Status: "ok", Store: a.Store.Name()})
}
