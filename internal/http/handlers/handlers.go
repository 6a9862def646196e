package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
)

// ConversationService is the admin-facing read and control surface.
// *services.HistoryService satisfies it.
type ConversationService interface {
	ListPage(ctx context.Context, page, pageSize int) ([]domain.ConversationSummary, int64, error)
	Get(ctx context.Context, userID string) (*domain.ConversationSummary, error)
	MessagesPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Turn, int64, error)
	MessageStats(ctx context.Context, userID string) (int64, *time.Time, error)
	Cancel(ctx context.Context, userID string) error
}

// EventDispatcher takes verified webhook events. *services.Dispatcher
// satisfies it.
type EventDispatcher interface {
	Dispatch(ctx context.Context, events []domain.InboundEvent) error
}

// WebhookParser verifies and decodes a webhook request.
type WebhookParser func(r *http.Request) ([]domain.InboundEvent, error)

// Handlers groups the HTTP endpoints. Any dependency may be nil when the
// matching routes are not mounted.
type Handlers struct {
	conv       ConversationService
	dispatcher EventDispatcher
	parse      WebhookParser
}

// New binds the handlers to their services.
func New(conv ConversationService, dispatcher EventDispatcher, parse WebhookParser) *Handlers {
	return &Handlers{conv: conv, dispatcher: dispatcher, parse: parse}
}
