package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentd/store"
	"github.com/c360studio/agentd/task"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text    string
		command string
		arg     string
	}{
		{"/status", "status", ""},
		{"/tasks failed", "tasks", "failed"},
		{"/task task_0000000000000001", "task", "task_0000000000000001"},
		{"/reply task_01 ship it", "reply", "task_01 ship it"},
		{"/status@agentd_bot", "status", ""},
		{"/tasks@agentd_bot running", "tasks", "running"},
		{"  /attention  ", "attention", ""},
		{"fix the login page", "direction", "fix the login page"},
		{"", "direction", ""},
	}

	for _, tt := range tests {
		command, arg := ParseCommand(tt.text)
		assert.Equal(t, tt.command, command, tt.text)
		assert.Equal(t, tt.arg, arg, tt.text)
	}
}

// fakeService answers the chat surface with canned data.
type fakeService struct {
	tasks    map[string]*task.Task
	created  []*task.CreateRequest
	executed []string
	updated  map[string]*task.UpdateRequest
	counts   map[task.Status]int
}

func newFakeService() *fakeService {
	return &fakeService{
		tasks:   make(map[string]*task.Task),
		updated: make(map[string]*task.UpdateRequest),
		counts:  make(map[task.Status]int),
	}
}

func (f *fakeService) CreateTask(_ context.Context, req *task.CreateRequest) (*task.Task, error) {
	f.created = append(f.created, req)
	t := &task.Task{
		ID:        fmt.Sprintf("task_%016d", len(f.created)),
		Direction: req.Direction,
		Kind:      req.Kind,
		Status:    task.StatusPending,
		Model:     "openrouter/free/deepseek-chat",
	}
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeService) UpdateTask(_ context.Context, id string, patch *task.UpdateRequest, _ string) (*task.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	f.updated[id] = patch
	if patch.Decision != nil && t.Status == task.StatusNeedsDecision {
		t.Status = task.StatusRunning
	}
	return t, nil
}

func (f *fakeService) GetTask(_ context.Context, id string) (*task.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeService) ListTasks(_ context.Context, filter store.ListFilter) ([]*task.Task, int, error) {
	var items []*task.Task
	for _, t := range f.tasks {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, s := range filter.Statuses {
				if t.Status == s {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		items = append(items, t)
	}
	return items, len(items), nil
}

func (f *fakeService) CountByStatus(context.Context) (map[task.Status]int, error) {
	return f.counts, nil
}

func (f *fakeService) ExecuteAsync(id, _ string) { f.executed = append(f.executed, id) }

// captureTransport records outbound sends.
type captureTransport struct {
	sends []string
	chats []int64
}

func (c *captureTransport) Send(_ context.Context, chatID int64, text, _ string) error {
	c.sends = append(c.sends, text)
	c.chats = append(c.chats, chatID)
	return nil
}

func inbound(userID, chatID int64, text string) *Update {
	u := &Update{UpdateID: 1}
	u.Message.From.ID = userID
	u.Message.Chat.ID = chatID
	u.Message.Text = text
	return u
}

func TestHandleUpdateStatus(t *testing.T) {
	svc := newFakeService()
	svc.counts = map[task.Status]int{
		task.StatusPending: 2,
		task.StatusFailed:  1,
	}
	transport := &captureTransport{}
	a := NewAdapter(transport, svc)

	a.HandleUpdate(context.Background(), inbound(7, 42, "/status"))

	require.Len(t, transport.sends, 1)
	assert.Equal(t, int64(42), transport.chats[0])
	assert.Contains(t, transport.sends[0], "pending: 2")
	assert.Contains(t, transport.sends[0], "failed: 1")
	assert.Contains(t, transport.sends[0], "Total: 3")
}

func TestHandleUpdateAllowlist(t *testing.T) {
	svc := newFakeService()
	transport := &captureTransport{}
	a := NewAdapter(transport, svc, WithAllowedUsers([]int64{100}))

	a.HandleUpdate(context.Background(), inbound(999, 42, "/status"))
	assert.Empty(t, transport.sends)

	a.HandleUpdate(context.Background(), inbound(100, 42, "/status"))
	assert.Len(t, transport.sends, 1)
}

func TestHandleUpdateReply(t *testing.T) {
	svc := newFakeService()
	svc.tasks["task_0000000000000009"] = &task.Task{
		ID:     "task_0000000000000009",
		Status: task.StatusNeedsDecision,
		Kind:   task.KindImpl,
	}
	transport := &captureTransport{}
	a := NewAdapter(transport, svc)

	a.HandleUpdate(context.Background(), inbound(7, 42, "/reply task_0000000000000009 ship the smaller patch"))

	patch := svc.updated["task_0000000000000009"]
	require.NotNil(t, patch)
	require.NotNil(t, patch.Decision)
	assert.Equal(t, "ship the smaller patch", *patch.Decision)

	require.Len(t, transport.sends, 1)
	assert.Contains(t, transport.sends[0], "status is now running")
}

func TestHandleUpdateReplyUsage(t *testing.T) {
	svc := newFakeService()
	transport := &captureTransport{}
	a := NewAdapter(transport, svc)

	a.HandleUpdate(context.Background(), inbound(7, 42, "/reply task_01"))

	require.Len(t, transport.sends, 1)
	assert.Contains(t, transport.sends[0], "Usage: /reply {id} {decision}")
}

func TestHandleUpdateImplicitDirection(t *testing.T) {
	svc := newFakeService()
	transport := &captureTransport{}
	a := NewAdapter(transport, svc)

	a.HandleUpdate(context.Background(), inbound(7, 42, "fix the login page"))

	require.Len(t, svc.created, 1)
	assert.Equal(t, "fix the login page", svc.created[0].Direction)
	assert.Equal(t, task.KindImpl, svc.created[0].Kind)
	require.Len(t, svc.executed, 1)
	require.Len(t, transport.sends, 1)
	assert.Contains(t, transport.sends[0], "Created")
}

func TestHandleUpdateUnknownCommandGetsHelp(t *testing.T) {
	svc := newFakeService()
	transport := &captureTransport{}
	a := NewAdapter(transport, svc)

	a.HandleUpdate(context.Background(), inbound(7, 42, "/bogus"))

	require.Len(t, transport.sends, 1)
	assert.Contains(t, transport.sends[0], "Commands:")
}

func TestHandleUpdateTaskDetail(t *testing.T) {
	svc := newFakeService()
	svc.tasks["task_00000000000000ff"] = &task.Task{
		ID:        "task_00000000000000ff",
		Status:    task.StatusFailed,
		Kind:      task.KindImpl,
		Model:     "openrouter/free/deepseek-chat",
		Direction: "migrate the billing tables",
		Output:    "migration step 4 failed",
	}
	transport := &captureTransport{}
	a := NewAdapter(transport, svc)

	a.HandleUpdate(context.Background(), inbound(7, 42, "/task task_00000000000000ff"))

	require.Len(t, transport.sends, 1)
	assert.Contains(t, transport.sends[0], "Status: failed")
	assert.Contains(t, transport.sends[0], "migration step 4 failed")
}

func TestSendAlertFansOut(t *testing.T) {
	transport := &captureTransport{}
	a := NewAdapter(transport, newFakeService(), WithAlertChats([]int64{11, 22}))

	require.NoError(t, a.SendAlert(context.Background(), "Status: failed\nsomething broke"))
	assert.Equal(t, []int64{11, 22}, transport.chats)
}

func TestTelegramSendParseModeRetry(t *testing.T) {
	var calls []sendMessageRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		calls = append(calls, req)
		if req.ParseMode != "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"description":"Bad Request: can't parse entities"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tg := NewTelegram("test-token")
	tg.BaseURL = server.URL

	err := tg.Send(context.Background(), 42, "a_broken *message", ParseModeMarkdown)
	require.NoError(t, err)

	require.Len(t, calls, 2)
	assert.Equal(t, ParseModeMarkdown, calls[0].ParseMode)
	assert.Empty(t, calls[1].ParseMode)
	assert.Equal(t, int64(42), calls[1].ChatID)
}

func TestTelegramSendRejectedStays(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"description":"Forbidden: bot was blocked"}`))
	}))
	defer server.Close()

	tg := NewTelegram("test-token")
	tg.BaseURL = server.URL

	err := tg.Send(context.Background(), 42, "hello", ParseModeMarkdown)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestTelegramSendNoToken(t *testing.T) {
	tg := NewTelegram("")
	err := tg.Send(context.Background(), 42, "hello", "")
	assert.Error(t, err)
}
