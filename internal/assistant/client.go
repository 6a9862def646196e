// Package assistant wraps the hosted assistant's thread API: one thread per
// user, messages appended to it, and runs polled to completion on a fixed
// schedule.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/config"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/observability"
)

var (
	// ErrRunFailed is returned when a run reaches a terminal state other than
	// completed or cancelled.
	ErrRunFailed = errors.New("assistant run failed")
	// ErrRunTimeout is returned when a run is still active after the poll ceiling.
	ErrRunTimeout = errors.New("assistant run timed out")
	// ErrEmptyReply is returned when a completed run produced no text.
	ErrEmptyReply = errors.New("assistant run produced no reply")
)

// ThreadsAPI is the subset of the OpenAI client the session client uses.
// *openai.Client satisfies it.
type ThreadsAPI interface {
	CreateThread(ctx context.Context, request openai.ThreadRequest) (openai.Thread, error)
	CreateMessage(ctx context.Context, threadID string, request openai.MessageRequest) (openai.Message, error)
	CreateRun(ctx context.Context, threadID string, request openai.RunRequest) (openai.Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (openai.Run, error)
	ListRuns(ctx context.Context, threadID string, pagination openai.Pagination) (openai.RunList, error)
	CancelRun(ctx context.Context, threadID, runID string) (openai.Run, error)
	ListMessage(ctx context.Context, threadID string, limit *int, order *string, after *string, before *string, runID *string) (openai.MessagesList, error)
}

// Reply is the result of a run. Cancelled runs are not errors.
type Reply struct {
	Text      string
	Cancelled bool
	RunID     string
	Polls     int
}

// Client is the assistant session client.
type Client struct {
	api          ThreadsAPI
	assistantID  string
	pollInterval time.Duration
	maxPolls     int

	// wait blocks for d or until ctx is done. Tests replace it.
	wait func(ctx context.Context, d time.Duration) error
}

// New builds a Client over an existing API implementation.
func New(api ThreadsAPI, assistantID string, pollInterval time.Duration, maxPolls int) *Client {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if maxPolls < 1 {
		maxPolls = 10
	}
	return &Client{
		api:          api,
		assistantID:  assistantID,
		pollInterval: pollInterval,
		maxPolls:     maxPolls,
		wait:         sleepCtx,
	}
}

// NewFromConfig builds a Client talking to the OpenAI API (or a compatible
// endpoint when BaseURL is set).
func NewFromConfig(cfg config.OpenAIConfig) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return New(openai.NewClientWithConfig(oc), cfg.AssistantID, cfg.PollInterval, cfg.MaxPolls)
}

// CreateThread allocates a new conversation context and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	ctx, span := otel.Tracer("assistant").Start(ctx, "CreateThread")
	defer span.End()

	th, err := c.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create thread")
		return "", fmt.Errorf("create thread: %w", err)
	}
	span.SetAttributes(attribute.String("assistant.thread_id", th.ID))
	return th.ID, nil
}

// AddMessage appends a user turn to the thread.
func (c *Client) AddMessage(ctx context.Context, threadID, text string) error {
	ctx, span := otel.Tracer("assistant").Start(ctx, "AddMessage")
	defer span.End()
	span.SetAttributes(attribute.String("assistant.thread_id", threadID))

	_, err := c.api.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "add message")
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// Run starts a run on the thread and polls it to a terminal state.
//
// Status is read immediately and then after each wait of pollInterval, for at
// most maxPolls waits. completed returns the newest assistant message of the
// run, cancelled returns Reply{Cancelled: true}, failed, expired, incomplete
// and requires_action return ErrRunFailed, and a run still active after the
// last wait returns ErrRunTimeout. The wait honors ctx.
func (c *Client) Run(ctx context.Context, threadID string) (Reply, error) {
	ctx, span := otel.Tracer("assistant").Start(ctx, "Run")
	defer span.End()
	span.SetAttributes(attribute.String("assistant.thread_id", threadID))
	l := zerolog.Ctx(ctx)

	run, err := c.api.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: c.assistantID})
	if err != nil {
		observability.AssistantRuns.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "create run")
		return Reply{}, fmt.Errorf("create run: %w", err)
	}
	span.SetAttributes(attribute.String("assistant.run_id", run.ID))

	for polls := 0; ; polls++ {
		if polls > 0 {
			if err := c.wait(ctx, c.pollInterval); err != nil {
				observability.AssistantRuns.WithLabelValues("error").Inc()
				return Reply{}, err
			}
		}
		run, err = c.api.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			observability.AssistantRuns.WithLabelValues("error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "retrieve run")
			return Reply{}, fmt.Errorf("retrieve run: %w", err)
		}

		switch run.Status {
		case openai.RunStatusCompleted:
			observability.AssistantRuns.WithLabelValues("completed").Inc()
			observability.AssistantPolls.Observe(float64(polls + 1))
			text, err := c.latestReply(ctx, threadID, run.ID)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "read reply")
				return Reply{}, err
			}
			return Reply{Text: text, RunID: run.ID, Polls: polls + 1}, nil

		case openai.RunStatusCancelled:
			observability.AssistantRuns.WithLabelValues("cancelled").Inc()
			observability.AssistantPolls.Observe(float64(polls + 1))
			l.Info().Str("thread_id", threadID).Str("run_id", run.ID).Msg("assistant run cancelled")
			return Reply{Cancelled: true, RunID: run.ID, Polls: polls + 1}, nil

		case openai.RunStatusFailed, openai.RunStatusExpired, openai.RunStatusIncomplete, openai.RunStatusRequiresAction:
			observability.AssistantRuns.WithLabelValues("failed").Inc()
			observability.AssistantPolls.Observe(float64(polls + 1))
			err := fmt.Errorf("%w: status=%s%s", ErrRunFailed, run.Status, lastError(run))
			if run.Status == openai.RunStatusRequiresAction {
				// A run waiting on tool output would block the thread forever.
				c.cancelRun(ctx, threadID, run.ID)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, string(run.Status))
			return Reply{}, err
		}

		if polls >= c.maxPolls {
			observability.AssistantRuns.WithLabelValues("timeout").Inc()
			observability.AssistantPolls.Observe(float64(polls + 1))
			// An active run rejects new messages on its thread; free it.
			c.cancelRun(context.WithoutCancel(ctx), threadID, run.ID)
			err := fmt.Errorf("%w: status=%s after %d polls", ErrRunTimeout, run.Status, polls+1)
			span.RecordError(err)
			span.SetStatus(codes.Error, "timeout")
			return Reply{}, err
		}
	}
}

// Cancel cancels every queued or in-progress run on the thread. Failures are
// logged and swallowed.
func (c *Client) Cancel(ctx context.Context, threadID string) {
	ctx, span := otel.Tracer("assistant").Start(ctx, "Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("assistant.thread_id", threadID))
	l := zerolog.Ctx(ctx)

	if threadID == "" {
		return
	}
	limit := 20
	runs, err := c.api.ListRuns(ctx, threadID, openai.Pagination{Limit: &limit})
	if err != nil {
		l.Warn().Err(err).Str("thread_id", threadID).Msg("list runs for cancel failed")
		return
	}
	for _, r := range runs.Runs {
		switch r.Status {
		case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusRequiresAction:
			c.cancelRun(ctx, threadID, r.ID)
		}
	}
}

func (c *Client) cancelRun(ctx context.Context, threadID, runID string) {
	if _, err := c.api.CancelRun(ctx, threadID, runID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("thread_id", threadID).
			Str("run_id", runID).
			Msg("cancel run failed")
		return
	}
	zerolog.Ctx(ctx).Info().Str("thread_id", threadID).Str("run_id", runID).Msg("run cancelled")
}

// latestReply returns the text of the newest assistant message created by runID.
func (c *Client) latestReply(ctx context.Context, threadID, runID string) (string, error) {
	limit := 10
	order := "desc"
	list, err := c.api.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	for _, m := range list.Messages {
		if m.Role != openai.ChatMessageRoleAssistant {
			continue
		}
		var b strings.Builder
		for _, part := range m.Content {
			if part.Text == nil {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(part.Text.Value)
		}
		if b.Len() > 0 {
			return b.String(), nil
		}
	}
	return "", ErrEmptyReply
}

func lastError(r openai.Run) string {
	if r.LastError == nil || r.LastError.Message == "" {
		return ""
	}
	return ": " + r.LastError.Message
}

// sleepCtx waits for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
