package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"alfred/internal/bus"
	"alfred/internal/domain"
	"alfred/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var errDB = errors.New("database is locked")

// faultyStore wraps the in-memory store and fails selected operations.
type faultyStore struct {
	*store.MemoryStore

	mu          sync.Mutex
	failGet     bool
	failCreate  bool
	failUpdate  bool
	failTrace   bool
	failPlugins bool
	creates     int
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: store.NewMemoryStore()}
}

func (f *faultyStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	if f.failGet {
		return nil, errDB
	}
	return f.MemoryStore.GetSession(ctx, id)
}

func (f *faultyStore) CreateSession(ctx context.Context, s domain.Session) (*domain.Session, error) {
	f.mu.Lock()
	f.creates++
	f.mu.Unlock()
	if f.failCreate {
		return nil, errDB
	}
	return f.MemoryStore.CreateSession(ctx, s)
}

func (f *faultyStore) UpdateSession(ctx context.Context, id string, st domain.SessionState, agentID string, at time.Time) error {
	if f.failUpdate {
		return errDB
	}
	return f.MemoryStore.UpdateSession(ctx, id, st, agentID, at)
}

func (f *faultyStore) InsertTrace(ctx context.Context, rec domain.TraceRecord) error {
	if f.failTrace {
		return errDB
	}
	return f.MemoryStore.InsertTrace(ctx, rec)
}

func (f *faultyStore) ListActivePlugins(ctx context.Context, teamID string) ([]domain.Plugin, error) {
	if f.failPlugins {
		return nil, errDB
	}
	return f.MemoryStore.ListActivePlugins(ctx, teamID)
}

// mockDispatcher is a testify mock of domain.Dispatcher.
type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, input domain.ToolInput) (any, error) {
	args := m.Called(ctx, input)
	return args.Get(0), args.Error(1)
}

// recordingDispatcher answers every tool from a table and remembers calls.
type recordingDispatcher struct {
	mu      sync.Mutex
	outputs map[domain.ToolKind]any
	errs    map[domain.ToolKind]error
	calls   []domain.ToolInput
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		outputs: make(map[domain.ToolKind]any),
		errs:    make(map[domain.ToolKind]error),
	}
}

func (r *recordingDispatcher) Dispatch(_ context.Context, input domain.ToolInput) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, input)
	if err := r.errs[input.Kind()]; err != nil {
		return nil, err
	}
	return r.outputs[input.Kind()], nil
}

func (r *recordingDispatcher) Calls() []domain.ToolInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ToolInput(nil), r.calls...)
}

// staticToolset hands every run the same dispatcher and records auth headers.
type staticToolset struct {
	mu    sync.Mutex
	d     domain.Dispatcher
	auths []string
}

func (s *staticToolset) Dispatcher(auth string) domain.Dispatcher {
	s.mu.Lock()
	s.auths = append(s.auths, auth)
	s.mu.Unlock()
	return s.d
}

type testEnv struct {
	store    *faultyStore
	tools    *recordingDispatcher
	toolset  *staticToolset
	events   *bus.EventBus
	inbound  *bus.InMemoryBus
	loop     *Loop
	triggers *TriggerRunner
}

func newTestEnv(agents []domain.Agent) *testEnv {
	logger := testLogger()
	st := newFaultyStore()
	tools := newRecordingDispatcher()
	toolset := &staticToolset{d: tools}
	events := bus.NewEventBus(logger)
	inbound := bus.New(10, logger)

	loop := NewLoop(LoopConfig{
		Registry: NewRegistry(agents, logger),
		Plugins:  NewPluginComposer(st, logger),
		Sessions: NewSessionManager(st, logger),
		Executor: NewExecutor(ExecutorConfig{Traces: st, Events: events, Logger: logger}),
		Tools:    toolset,
		Inbound:  inbound,
		Events:   events,
		Logger:   logger,
	})
	return &testEnv{
		store:    st,
		tools:    tools,
		toolset:  toolset,
		events:   events,
		inbound:  inbound,
		loop:     loop,
		triggers: NewTriggerRunner(loop, st, events, logger),
	}
}

func kinds(steps []domain.Step) []domain.ToolKind {
	out := make([]domain.ToolKind, len(steps))
	for i, s := range steps {
		out[i] = s.Tool
	}
	return out
}
