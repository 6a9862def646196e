// Package services – ConversationService
//
// This file implements the ConversationService, the per-user orchestrator for
// inbound text. It creates the conversation and its assistant thread on first
// contact, takes the busy flag (or queues the text behind the current holder),
// runs the assistant and folds any messages that arrived meanwhile into one
// follow-up run before replying.
//
// The busy flag is fenced by the lease returned from AcquireOrQueue: an
// invocation whose flag was taken over never clears the newer holder's flag.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/config"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/markup"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/observability"
)

// OutcomeKind names how one orchestrator invocation ended.
type OutcomeKind string

const (
	// OutcomeReplied: the assistant answered and the reply was delivered.
	OutcomeReplied OutcomeKind = "replied"
	// OutcomeQueued: the user was busy; the text waits in the pending queue.
	OutcomeQueued OutcomeKind = "queued"
	// OutcomeCancelled: the run was cancelled externally; nothing was sent.
	OutcomeCancelled OutcomeKind = "cancelled"
	// OutcomeFailed: something broke; the apology was sent where possible.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeDuplicate: the webhook event was already handled.
	OutcomeDuplicate OutcomeKind = "duplicate"
)

// Outcome is the terminal result of HandleText.
type Outcome struct {
	Kind OutcomeKind
	// Reply is the text delivered (or attempted) to the user.
	Reply string
	// AssistantCalls counts runs started by this invocation.
	AssistantCalls int
	Err            error
}

// ConversationService is the per-user message orchestrator. It keeps a user's
// conversation BUSY while a run is in flight, queues texts that arrive
// meanwhile and folds them into one follow-up turn once the run finishes.
type ConversationService struct {
	Store     ConversationStore
	Assistant Assistant
	Replier   Replier
	Profiles  ProfileFetcher

	// FailureMessage is sent and logged as an assistant turn on any failure.
	FailureMessage string
	// CommandPhrases are date-stamped when received verbatim.
	CommandPhrases []string
	// Location is the time zone for command date stamps.
	Location *time.Location
	// StaleAfter lets a new message take over a BUSY flag held this long.
	StaleAfter time.Duration
	// MaxDrainRounds caps follow-up runs per invocation.
	MaxDrainRounds int
	// RecoveryTimeout bounds the apology and reset writes on the error path.
	RecoveryTimeout time.Duration

	now   func() time.Time
	newID func() string
}

// NewConversationService wires the orchestrator with defaults taken from cfg.
// cfg may be nil.
func NewConversationService(st ConversationStore, a Assistant, r Replier, p ProfileFetcher, cfg *config.Config) *ConversationService {
	s := &ConversationService{
		Store:           st,
		Assistant:       a,
		Replier:         r,
		Profiles:        p,
		FailureMessage:  config.DefaultFailureMessage,
		Location:        time.UTC,
		StaleAfter:      5 * time.Minute,
		MaxDrainRounds:  5,
		RecoveryTimeout: 10 * time.Second,
		now:             time.Now,
		newID:           uuid.NewString,
	}
	if cfg == nil {
		return s
	}
	if cfg.FailureMessage != "" {
		s.FailureMessage = cfg.FailureMessage
	}
	s.CommandPhrases = cfg.CommandPhrases
	if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
		s.Location = loc
	}
	if cfg.StaleLockAfter > 0 {
		s.StaleAfter = cfg.StaleLockAfter
	}
	return s
}

// HandleText runs the full state machine for one inbound text message. It
// never returns an error; failures are reported in the Outcome after the
// user has been sent the apology.
func (s *ConversationService) HandleText(ctx context.Context, ev domain.InboundEvent) (out Outcome) {
	start := time.Now()
	ctx, span := otel.Tracer("services").Start(ctx, "ConversationService.HandleText",
		trace.WithAttributes(attribute.String("user_id", ev.UserID)))
	log := zerolog.Ctx(ctx).With().Str("user_id", ev.UserID).Logger()
	ctx = log.WithContext(ctx)

	defer func() {
		observability.Orchestrations.WithLabelValues(string(out.Kind)).Inc()
		observability.OrchestrationDuration.WithLabelValues(string(out.Kind)).Observe(time.Since(start).Seconds())
		span.SetAttributes(
			attribute.String("outcome", string(out.Kind)),
			attribute.Int("assistant_calls", out.AssistantCalls),
		)
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
	}()

	text := s.rewriteCommand(ev.Text)

	conv, err := s.loadOrCreate(ctx, ev.UserID)
	if err != nil {
		return s.fail(ctx, ev, "", 0, err)
	}

	userTurn := s.turn(domain.RoleUser, text)
	acq, err := s.Store.AcquireOrQueue(ctx, ev.UserID, userTurn, s.StaleAfter)
	if err != nil {
		return s.fail(ctx, ev, "", 0, storeErr(err))
	}
	if !acq.Acquired {
		log.Info().Msg("conversation busy, message queued")
		return Outcome{Kind: OutcomeQueued}
	}
	if acq.Stale {
		log.Warn().Msg("taking over stale busy flag")
		s.Assistant.Cancel(ctx, conv.ThreadID)
	}

	// Leftovers from an earlier failed invocation ride along with this text.
	first := userTurn
	if len(acq.Leftover) > 0 {
		first = s.turn(domain.RoleUser, joinContents(acq.Leftover, text))
		err = s.Store.CommitDrain(ctx, ev.UserID, acq.Leftover, first)
	} else {
		err = s.Store.AppendMessages(ctx, ev.UserID, first)
	}
	if err != nil {
		return s.fail(ctx, ev, acq.Lease, 0, storeErr(err))
	}

	calls := 1
	reply, cancelled, err := s.ask(ctx, conv.ThreadID, first.Content)
	if err != nil {
		return s.fail(ctx, ev, acq.Lease, calls, err)
	}
	if cancelled {
		log.Info().Msg("run cancelled, dropping reply")
		return Outcome{Kind: OutcomeCancelled, AssistantCalls: calls}
	}
	if err := s.Store.AppendMessages(ctx, ev.UserID, s.turn(domain.RoleAssistant, reply)); err != nil {
		return s.fail(ctx, ev, acq.Lease, calls, storeErr(err))
	}

	for round := 0; ; round++ {
		released, err := s.Store.Release(ctx, ev.UserID, acq.Lease)
		if errors.Is(err, domain.ErrLeaseLost) {
			log.Warn().Msg("busy flag taken over, leaving pending messages to the new holder")
			break
		}
		if err != nil {
			return s.fail(ctx, ev, acq.Lease, calls, storeErr(err))
		}
		if released {
			break
		}
		if round >= s.MaxDrainRounds {
			log.Warn().Int("rounds", round).Msg("drain limit reached, releasing with messages still pending")
			if err := s.Store.Abandon(ctx, ev.UserID, acq.Lease); err != nil && !errors.Is(err, domain.ErrLeaseLost) {
				return s.fail(ctx, ev, acq.Lease, calls, storeErr(err))
			}
			break
		}

		cur, err := s.Store.Get(ctx, ev.UserID)
		if err != nil {
			return s.fail(ctx, ev, acq.Lease, calls, storeErr(err))
		}
		pending := cur.PendingMessages
		if len(pending) == 0 {
			continue
		}

		combined := s.turn(domain.RoleUser, joinContents(pending, ""))
		calls++
		r, cancelled, err := s.ask(ctx, conv.ThreadID, combined.Content)
		if err != nil {
			return s.fail(ctx, ev, acq.Lease, calls, err)
		}
		if cancelled {
			log.Info().Int("pending", len(pending)).Msg("follow-up run cancelled")
			return Outcome{Kind: OutcomeCancelled, AssistantCalls: calls}
		}
		if err := s.Store.CommitDrain(ctx, ev.UserID, pending, combined, s.turn(domain.RoleAssistant, r)); err != nil {
			return s.fail(ctx, ev, acq.Lease, calls, storeErr(err))
		}
		log.Debug().Int("pending", len(pending)).Msg("drained pending messages")
		reply = r
	}

	if err := s.Replier.Reply(ctx, ev.ReplyToken, reply); err != nil {
		log.Error().Err(err).Msg("reply delivery failed")
		return Outcome{Kind: OutcomeFailed, Reply: reply, AssistantCalls: calls, Err: err}
	}
	return Outcome{Kind: OutcomeReplied, Reply: reply, AssistantCalls: calls}
}

// loadOrCreate returns the user's conversation, creating it (with a fresh
// thread and the profile) on first contact.
func (s *ConversationService) loadOrCreate(ctx context.Context, userID string) (*domain.UserConversation, error) {
	conv, err := s.Store.Get(ctx, userID)
	switch {
	case err == nil:
		if conv.ThreadID != "" {
			return conv, nil
		}
		return s.attachThread(ctx, conv)
	case !errors.Is(err, domain.ErrConversationNotFound):
		return nil, storeErr(err)
	}

	info := domain.UserInfo{Language: domain.DefaultLanguage}
	if s.Profiles != nil {
		p, perr := s.Profiles.Profile(ctx, userID)
		if perr != nil {
			zerolog.Ctx(ctx).Warn().Err(perr).Msg("profile lookup failed")
		} else {
			info = p
		}
	}

	threadID, err := s.Assistant.CreateThread(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	conv = &domain.UserConversation{
		UserID:          userID,
		ThreadID:        threadID,
		Messages:        []domain.Turn{},
		PendingMessages: []domain.Turn{},
		UserInfo:        info,
		LastActive:      now,
		CreatedAt:       now,
	}
	if err := s.Store.Create(ctx, conv); err != nil {
		if !errors.Is(err, domain.ErrConversationExists) {
			return nil, storeErr(err)
		}
		// Lost a first-contact race; use the winner's record.
		zerolog.Ctx(ctx).Info().Str("orphan_thread_id", threadID).Msg("conversation created concurrently")
		conv, err = s.Store.Get(ctx, userID)
		if err != nil {
			return nil, storeErr(err)
		}
		if conv.ThreadID == "" {
			return s.attachThread(ctx, conv)
		}
	}
	return conv, nil
}

func (s *ConversationService) attachThread(ctx context.Context, conv *domain.UserConversation) (*domain.UserConversation, error) {
	threadID, err := s.Assistant.CreateThread(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Store.Update(ctx, conv.UserID, domain.ConversationPatch{ThreadID: &threadID}); err != nil {
		return nil, storeErr(err)
	}
	conv.ThreadID = threadID
	return conv, nil
}

// ask sends text and runs the assistant once. The reply comes back stripped
// of markup.
func (s *ConversationService) ask(ctx context.Context, threadID, text string) (string, bool, error) {
	if err := s.Assistant.AddMessage(ctx, threadID, text); err != nil {
		return "", false, err
	}
	r, err := s.Assistant.Run(ctx, threadID)
	if err != nil {
		return "", false, err
	}
	if r.Cancelled {
		return "", true, nil
	}
	return markup.Strip(r.Text), false, nil
}

// fail sends the apology, records it as an assistant turn and, when lease is
// set, gives up the busy flag it holds. Secondary failures are logged only.
func (s *ConversationService) fail(ctx context.Context, ev domain.InboundEvent, lease string, calls int, cause error) Outcome {
	log := zerolog.Ctx(ctx)
	log.Error().Err(cause).Bool("owned_flag", lease != "").Msg("conversation handling failed")

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.RecoveryTimeout)
	defer cancel()

	if err := s.Store.AppendMessages(rctx, ev.UserID, s.turn(domain.RoleAssistant, s.FailureMessage)); err != nil {
		log.Error().Err(err).Msg("record apology turn")
	}
	if lease != "" {
		switch err := s.Store.Abandon(rctx, ev.UserID, lease); {
		case errors.Is(err, domain.ErrLeaseLost):
			log.Info().Msg("busy flag already taken over, leaving it")
		case err != nil:
			log.Error().Err(err).Msg("reset busy flag")
		}
	}
	if err := s.Replier.Reply(rctx, ev.ReplyToken, s.FailureMessage); err != nil {
		log.Error().Err(err).Msg("deliver apology")
	}
	return Outcome{Kind: OutcomeFailed, Reply: s.FailureMessage, AssistantCalls: calls, Err: cause}
}

// rewriteCommand stamps a recognized command phrase with today's date.
func (s *ConversationService) rewriteCommand(text string) string {
	t := strings.TrimSpace(text)
	for _, p := range s.CommandPhrases {
		if p != "" && t == p {
			loc := s.Location
			if loc == nil {
				loc = time.UTC
			}
			return fmt.Sprintf("%s（%s）", p, s.now().In(loc).Format(time.DateOnly))
		}
	}
	return text
}

func (s *ConversationService) turn(role, content string) domain.Turn {
	return domain.Turn{ID: s.newID(), Role: role, Content: content, CreatedAt: s.now().UTC()}
}

// joinContents newline-joins the turns' contents, then tail when non-empty.
func joinContents(turns []domain.Turn, tail string) string {
	parts := make([]string, 0, len(turns)+1)
	for _, t := range turns {
		parts = append(parts, t.Content)
	}
	if tail != "" {
		parts = append(parts, tail)
	}
	return strings.Join(parts, "\n")
}
