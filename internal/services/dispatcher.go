// Package services – Dispatcher
//
// This file implements the Dispatcher, which routes decoded webhook events.
// Text goes to the ConversationService and member joins get a welcome reply;
// postbacks are only logged. Redelivered events are dropped through the Deduper,
// and async mode bounds in-flight work with a weighted semaphore.
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/observability"
)

// TextHandler is the orchestrator as seen by the dispatcher.
type TextHandler interface {
	HandleText(ctx context.Context, ev domain.InboundEvent) Outcome
}

// DispatcherOptions tunes event routing.
type DispatcherOptions struct {
	// Async acknowledges the webhook before the events are processed.
	Async bool
	// Workers bounds concurrently processed events in async mode.
	Workers int
	// EventTimeout is the processing deadline per event.
	EventTimeout time.Duration
	// WelcomeTemplate formats the greeting for a new group member; it takes
	// the display name.
	WelcomeTemplate string
}

// Dispatcher routes decoded webhook events: texts to the orchestrator, member
// joins to a welcome reply, postbacks to the log. Each event id is handled
// once when a Deduper is set.
type Dispatcher struct {
	Text     TextHandler
	Replier  Replier
	Profiles ProfileFetcher
	Dedupe   Deduper
	opts     DispatcherOptions

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewDispatcher builds a Dispatcher. A nil Deduper disables de-duplication.
func NewDispatcher(text TextHandler, r Replier, p ProfileFetcher, d Deduper, opts DispatcherOptions) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 16
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 90 * time.Second
	}
	if opts.WelcomeTemplate == "" {
		opts.WelcomeTemplate = "%s 歡迎加入！"
	}
	return &Dispatcher{
		Text:     text,
		Replier:  r,
		Profiles: p,
		Dedupe:   d,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
	}
}

// Dispatch handles events in order. In async mode each event is handed to
// the worker pool and Dispatch returns once all have been scheduled; the
// events outlive ctx's cancellation but keep its values.
func (d *Dispatcher) Dispatch(ctx context.Context, events []domain.InboundEvent) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	base := context.WithoutCancel(ctx)
	for _, ev := range events {
		if ev.Kind == domain.EventOther {
			observability.WebhookEvents.WithLabelValues(ev.Type, "ignored").Inc()
			continue
		}
		if ev.Kind == domain.EventText && ev.UserID == "" {
			// No user to key the conversation on (e.g. an unlinked group sender).
			zerolog.Ctx(ctx).Warn().Str("event_id", ev.EventID).Msg("text event without user id ignored")
			observability.WebhookEvents.WithLabelValues(ev.Type, "ignored").Inc()
			continue
		}
		if !d.firstSeen(base, ev) {
			continue
		}
		observability.WebhookEvents.WithLabelValues(ev.Type, "dispatched").Inc()

		if !d.opts.Async {
			d.handle(base, ev)
			continue
		}
		if err := d.sem.Acquire(ctx, 1); err != nil {
			// The caller gave up while the pool was full; run inline rather
			// than drop a deduplicated event.
			d.handle(base, ev)
			continue
		}
		d.wg.Add(1)
		go func(ev domain.InboundEvent) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			d.handle(base, ev)
		}(ev)
	}
	return nil
}

// Shutdown stops accepting events and waits for in-flight ones until ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.closed.Store(true)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) firstSeen(ctx context.Context, ev domain.InboundEvent) bool {
	if d.Dedupe == nil || ev.EventID == "" {
		return true
	}
	fresh, err := d.Dedupe.FirstSeen(ctx, ev.EventID, string(ev.Kind))
	if err != nil {
		// Fail open: a second delivery is better than a lost message.
		zerolog.Ctx(ctx).Warn().Err(err).Str("event_id", ev.EventID).Msg("dedupe lookup failed")
		return true
	}
	if !fresh {
		zerolog.Ctx(ctx).Info().Str("event_id", ev.EventID).Bool("redelivery", ev.Redelivery).Msg("duplicate webhook event skipped")
		observability.WebhookEvents.WithLabelValues(ev.Type, "duplicate").Inc()
		if ev.Kind == domain.EventText {
			observability.Orchestrations.WithLabelValues(string(OutcomeDuplicate)).Inc()
		}
	}
	return fresh
}

func (d *Dispatcher) handle(ctx context.Context, ev domain.InboundEvent) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.EventTimeout)
	defer cancel()
	log := zerolog.Ctx(ctx).With().Str("event_id", ev.EventID).Str("event_type", ev.Type).Logger()
	ctx = log.WithContext(ctx)

	switch ev.Kind {
	case domain.EventText:
		out := d.Text.HandleText(ctx, ev)
		log.Info().Str("outcome", string(out.Kind)).Int("assistant_calls", out.AssistantCalls).Msg("text handled")
	case domain.EventMemberJoined:
		d.welcome(ctx, ev)
	case domain.EventPostback:
		log.Info().Str("user_id", ev.UserID).Str("data", ev.PostbackData).Msg("postback received")
	}
}

// welcome greets every joined member in one reply. Members whose profile
// cannot be read are skipped.
func (d *Dispatcher) welcome(ctx context.Context, ev domain.InboundEvent) {
	log := zerolog.Ctx(ctx)
	if ev.GroupID == "" || len(ev.JoinedUsers) == 0 {
		log.Debug().Msg("member joined outside a group, ignoring")
		return
	}
	lines := make([]string, 0, len(ev.JoinedUsers))
	for _, uid := range ev.JoinedUsers {
		name, err := d.Profiles.GroupMemberName(ctx, ev.GroupID, uid)
		if err != nil {
			log.Warn().Err(err).Str("user_id", uid).Msg("group member profile lookup failed")
			continue
		}
		lines = append(lines, fmt.Sprintf(d.opts.WelcomeTemplate, name))
	}
	if len(lines) == 0 {
		return
	}
	if err := d.Replier.Reply(ctx, ev.ReplyToken, strings.Join(lines, "\n")); err != nil {
		log.Error().Err(err).Msg("welcome reply failed")
	}
}
