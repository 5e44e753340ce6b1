package api

import (
	"github.com/SherClockHolmes/webpush-go"

	"mot-status-backend/internal/poller"
	"mot-status-backend/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	poller  *poller.Service
	webpush *webpush.Options
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, p *poller.Service, webpushOptions *webpush.Options) *Handler {
	return &Handler{
		store:   s,
		poller:  p,
		webpush: webpushOptions,
	}
}
