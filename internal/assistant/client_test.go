package assistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// fakeAPI scripts run statuses and records calls.
type fakeAPI struct {
	mu sync.Mutex

	statuses  []openai.RunStatus // returned by successive RetrieveRun calls; last repeats
	retrieves int
	replies   []openai.Message
	runs      []openai.Run

	createThreadErr error
	createRunErr    error
	retrieveErr     error
	listMsgErr      error
	listRunsErr     error
	cancelErr       error

	messages     []string
	cancelled    []string
	listMsgRunID string
}

func (f *fakeAPI) CreateThread(context.Context, openai.ThreadRequest) (openai.Thread, error) {
	if f.createThreadErr != nil {
		return openai.Thread{}, f.createThreadErr
	}
	return openai.Thread{ID: "thread_1"}, nil
}

func (f *fakeAPI) CreateMessage(_ context.Context, _ string, req openai.MessageRequest) (openai.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, req.Role+":"+req.Content)
	return openai.Message{ID: "msg"}, nil
}

func (f *fakeAPI) CreateRun(context.Context, string, openai.RunRequest) (openai.Run, error) {
	if f.createRunErr != nil {
		return openai.Run{}, f.createRunErr
	}
	return openai.Run{ID: "run_1", Status: openai.RunStatusQueued}, nil
}

func (f *fakeAPI) RetrieveRun(_ context.Context, _, runID string) (openai.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retrieveErr != nil {
		return openai.Run{}, f.retrieveErr
	}
	i := f.retrieves
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.retrieves++
	return openai.Run{ID: runID, Status: f.statuses[i]}, nil
}

func (f *fakeAPI) ListRuns(context.Context, string, openai.Pagination) (openai.RunList, error) {
	if f.listRunsErr != nil {
		return openai.RunList{}, f.listRunsErr
	}
	return openai.RunList{Runs: f.runs}, nil
}

func (f *fakeAPI) CancelRun(_ context.Context, _, runID string) (openai.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	if f.cancelErr != nil {
		return openai.Run{}, f.cancelErr
	}
	return openai.Run{ID: runID, Status: openai.RunStatusCancelling}, nil
}

func (f *fakeAPI) ListMessage(_ context.Context, _ string, _ *int, _ *string, _ *string, _ *string, runID *string) (openai.MessagesList, error) {
	if f.listMsgErr != nil {
		return openai.MessagesList{}, f.listMsgErr
	}
	if runID != nil {
		f.listMsgRunID = *runID
	}
	return openai.MessagesList{Messages: f.replies}, nil
}

func assistantMsg(text string) openai.Message {
	return openai.Message{
		Role:    openai.ChatMessageRoleAssistant,
		Content: []openai.MessageContent{{Type: "text", Text: &openai.MessageText{Value: text}}},
	}
}

// newTestClient returns a client whose waits are counted instead of slept.
func newTestClient(api ThreadsAPI, maxPolls int) (*Client, *int) {
	c := New(api, "asst_1", time.Second, maxPolls)
	waits := 0
	c.wait = func(ctx context.Context, d time.Duration) error {
		if d != time.Second {
			panic("unexpected poll interval")
		}
		waits++
		return ctx.Err()
	}
	return c, &waits
}

func TestRun_CompletedReturnsLatestAssistantText(t *testing.T) {
	api := &fakeAPI{
		statuses: []openai.RunStatus{openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCompleted},
		replies: []openai.Message{
			{Role: openai.ChatMessageRoleUser, Content: []openai.MessageContent{{Text: &openai.MessageText{Value: "question"}}}},
			assistantMsg("**answer**"),
			assistantMsg("older"),
		},
	}
	c, waits := newTestClient(api, 10)

	got, err := c.Run(context.Background(), "thread_1")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got.Cancelled || got.Text != "**answer**" || got.RunID != "run_1" {
		t.Fatalf("unexpected reply: %+v", got)
	}
	if got.Polls != 3 || *waits != 2 {
		t.Fatalf("polls=%d waits=%d; want 3 and 2", got.Polls, *waits)
	}
	if api.listMsgRunID != "run_1" {
		t.Fatalf("expected messages filtered by run id, got %q", api.listMsgRunID)
	}
}

func TestRun_CancelledIsNotAnError(t *testing.T) {
	api := &fakeAPI{statuses: []openai.RunStatus{openai.RunStatusCancelling, openai.RunStatusCancelled}}
	c, _ := newTestClient(api, 10)

	got, err := c.Run(context.Background(), "thread_1")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !got.Cancelled || got.Text != "" {
		t.Fatalf("expected cancelled reply, got %+v", got)
	}
}

func TestRun_FailedTerminalStates(t *testing.T) {
	for _, st := range []openai.RunStatus{
		openai.RunStatusFailed,
		openai.RunStatusExpired,
		openai.RunStatusIncomplete,
		openai.RunStatusRequiresAction,
	} {
		t.Run(string(st), func(t *testing.T) {
			api := &fakeAPI{statuses: []openai.RunStatus{st}}
			c, _ := newTestClient(api, 10)
			_, err := c.Run(context.Background(), "thread_1")
			if !errors.Is(err, ErrRunFailed) {
				t.Fatalf("expected ErrRunFailed, got %v", err)
			}
			if st == openai.RunStatusRequiresAction && len(api.cancelled) != 1 {
				t.Fatalf("expected requires_action run to be cancelled")
			}
		})
	}
}

func TestRun_TimeoutAfterFixedCeiling(t *testing.T) {
	api := &fakeAPI{statuses: []openai.RunStatus{openai.RunStatusInProgress}}
	c, waits := newTestClient(api, 10)

	_, err := c.Run(context.Background(), "thread_1")
	if !errors.Is(err, ErrRunTimeout) {
		t.Fatalf("expected ErrRunTimeout, got %v", err)
	}
	if *waits != 10 {
		t.Fatalf("expected exactly 10 waits, got %d", *waits)
	}
	if api.retrieves != 11 {
		t.Fatalf("expected 11 status reads, got %d", api.retrieves)
	}
	if len(api.cancelled) != 1 || api.cancelled[0] != "run_1" {
		t.Fatalf("expected timed out run to be cancelled, got %v", api.cancelled)
	}
}

func TestRun_ContextCancelStopsWaiting(t *testing.T) {
	api := &fakeAPI{statuses: []openai.RunStatus{openai.RunStatusInProgress}}
	c := New(api, "asst_1", time.Hour, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Run(ctx, "thread_1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("wait did not honor context")
	}
}

func TestRun_PropagatesAPIErrors(t *testing.T) {
	boom := errors.New("boom")

	c, _ := newTestClient(&fakeAPI{createRunErr: boom}, 10)
	if _, err := c.Run(context.Background(), "t"); !errors.Is(err, boom) {
		t.Fatalf("create run error not propagated: %v", err)
	}

	c, _ = newTestClient(&fakeAPI{statuses: []openai.RunStatus{openai.RunStatusQueued}, retrieveErr: boom}, 10)
	if _, err := c.Run(context.Background(), "t"); !errors.Is(err, boom) {
		t.Fatalf("retrieve error not propagated: %v", err)
	}

	c, _ = newTestClient(&fakeAPI{statuses: []openai.RunStatus{openai.RunStatusCompleted}, listMsgErr: boom}, 10)
	if _, err := c.Run(context.Background(), "t"); !errors.Is(err, boom) {
		t.Fatalf("list messages error not propagated: %v", err)
	}

	c, _ = newTestClient(&fakeAPI{statuses: []openai.RunStatus{openai.RunStatusCompleted}}, 10)
	if _, err := c.Run(context.Background(), "t"); !errors.Is(err, ErrEmptyReply) {
		t.Fatalf("expected ErrEmptyReply, got %v", err)
	}
}

func TestCreateThreadAndAddMessage(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestClient(api, 10)

	id, err := c.CreateThread(context.Background())
	if err != nil || id != "thread_1" {
		t.Fatalf("CreateThread = %q, %v", id, err)
	}
	if err := c.AddMessage(context.Background(), id, "血糖紀錄"); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if len(api.messages) != 1 || api.messages[0] != "user:血糖紀錄" {
		t.Fatalf("unexpected messages: %v", api.messages)
	}

	boom := errors.New("down")
	c, _ = newTestClient(&fakeAPI{createThreadErr: boom}, 10)
	if _, err := c.CreateThread(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestCancel_OnlyActiveRunsAndNeverFails(t *testing.T) {
	api := &fakeAPI{runs: []openai.Run{
		{ID: "r1", Status: openai.RunStatusInProgress},
		{ID: "r2", Status: openai.RunStatusCompleted},
		{ID: "r3", Status: openai.RunStatusQueued},
		{ID: "r4", Status: openai.RunStatusCancelled},
	}}
	c, _ := newTestClient(api, 10)
	c.Cancel(context.Background(), "thread_1")
	if len(api.cancelled) != 2 || api.cancelled[0] != "r1" || api.cancelled[1] != "r3" {
		t.Fatalf("unexpected cancelled runs: %v", api.cancelled)
	}

	// errors are swallowed
	c, _ = newTestClient(&fakeAPI{listRunsErr: errors.New("x")}, 10)
	c.Cancel(context.Background(), "thread_1")
	api = &fakeAPI{runs: []openai.Run{{ID: "r1", Status: openai.RunStatusQueued}}, cancelErr: errors.New("y")}
	c, _ = newTestClient(api, 10)
	c.Cancel(context.Background(), "thread_1")
	c.Cancel(context.Background(), "")
}

func TestNew_Defaults(t *testing.T) {
	c := New(&fakeAPI{}, "a", 0, 0)
	if c.pollInterval != time.Second || c.maxPolls != 10 {
		t.Fatalf("defaults not applied: %v %d", c.pollInterval, c.maxPolls)
	}
}
