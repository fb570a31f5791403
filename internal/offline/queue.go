// Package offline buffers writes made while the device has no connectivity
// and replays them against the storage backend once it returns.
//
// The queue lives as one JSON array under QueueKey in a PlainStore (the
// secure store's unencrypted path). Replay is FIFO and sequential. A failed
// action is retried on later passes until it has failed MaxRetries+1 times,
// then it is handed to the DeadLetterSink and dropped.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/classroll/classroll/internal/storage"
	"github.com/google/uuid"
)

const (
	QueueKey          = "offline_queue"
	DefaultMaxRetries = 3
)

var (
	ErrOffline       = errors.New("offline: device is offline")
	ErrInvalidAction = errors.New("offline: invalid action")
	errMissingID     = errors.New("payload has no id")
)

type ActionKind string

const (
	ActionInsert ActionKind = "insert"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
)

func ParseActionKind(raw string) (ActionKind, error) {
	switch kind := ActionKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case ActionInsert, ActionUpdate, ActionDelete:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, raw)
	}
}

type QueuedAction struct {
	ID         string         `json:"id"`
	Kind       ActionKind     `json:"kind"`
	Table      string         `json:"table"`
	Payload    storage.Record `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	RetryCount int            `json:"retry_count"`
}

// PlainStore persists the queue blob. *securestore.Store satisfies it.
type PlainStore interface {
	GetPlain(ctx context.Context, key string) (string, bool, error)
	SetPlain(ctx context.Context, key, value string) error
}

// BackendProvider returns the live backend. *storage.Factory satisfies it.
type BackendProvider interface {
	Get(ctx context.Context) (storage.Backend, error)
}

type SyncReport struct {
	Applied  int `json:"applied"`
	Retained int `json:"retained"`
	Dropped  int `json:"dropped"`
}

type Listener func(online bool)

type QueueOptions struct {
	Store    PlainStore
	Backends BackendProvider
	// Source defaults to a ManualSource that is always online.
	Source Source
	// MaxRetries is how many times a failed action is re-queued. Zero means
	// DefaultMaxRetries.
	MaxRetries int
	// DeadLetter defaults to LogDeadLetter.
	DeadLetter DeadLetterSink
	Logger     *slog.Logger
}

type Queue struct {
	store      PlainStore
	backends   BackendProvider
	source     Source
	maxRetries int
	deadLetter DeadLetterSink
	logger     *slog.Logger
	now        func() time.Time

	// syncMu serialises sync passes; mu guards the persisted blob and the
	// fields below.
	syncMu sync.Mutex
	mu     sync.Mutex

	online       bool
	listeners    map[int]Listener
	nextListener int
	unsubscribe  func()
	ctx          context.Context
	cancel       context.CancelFunc
}

func NewQueue(opts QueueOptions) (*Queue, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("new offline queue: store is nil")
	}
	if opts.Backends == nil {
		return nil, fmt.Errorf("new offline queue: backend provider is nil")
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("new offline queue: max retries must be >= 0")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "offline")

	source := opts.Source
	if source == nil {
		source = NewManualSource(true)
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	deadLetter := opts.DeadLetter
	if deadLetter == nil {
		deadLetter = LogDeadLetter{Logger: logger}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:      opts.Store,
		backends:   opts.Backends,
		source:     source,
		maxRetries: maxRetries,
		deadLetter: deadLetter,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		online:     true,
		listeners:  make(map[int]Listener),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start reads the initial connectivity and begins watching the source. If
// the status cannot be read the queue assumes it is online.
func (q *Queue) Start(ctx context.Context) error {
	online, err := q.source.Online(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		q.logger.Warn("network status unavailable, assuming online", "error", err)
		online = true
	}

	q.mu.Lock()
	q.online = online
	if q.unsubscribe == nil {
		q.unsubscribe = q.source.Subscribe(q.handleStatus)
	}
	q.mu.Unlock()

	q.logger.Debug("offline queue started", "online", online)
	return nil
}

// handleStatus notifies listeners of every event and starts a sync pass
// when the device comes back online.
func (q *Queue) handleStatus(online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	listeners := q.listenersLocked()
	q.mu.Unlock()

	for _, l := range listeners {
		l(online)
	}

	if !was && online {
		report, err := q.SyncQueue(q.ctx)
		if err != nil {
			q.logger.Error("automatic sync failed", "error", err)
			return
		}
		q.logger.Info("automatic sync finished", "applied", report.Applied, "retained", report.Retained, "dropped", report.Dropped)
	}
}

// AddListener registers l for connectivity changes and returns a func that
// removes it.
func (q *Queue) AddListener(l Listener) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextListener
	q.nextListener++
	q.listeners[id] = l
	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

func (q *Queue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// CheckConnection re-reads the source and records the result without
// notifying listeners or syncing.
func (q *Queue) CheckConnection(ctx context.Context) (bool, error) {
	online, err := q.source.Online(ctx)
	if err != nil {
		return q.IsOnline(), fmt.Errorf("check connection: %w", err)
	}
	q.mu.Lock()
	q.online = online
	q.mu.Unlock()
	return online, nil
}

// QueueAction appends an action with retry_count 0.
func (q *Queue) QueueAction(ctx context.Context, kind ActionKind, table string, payload storage.Record) (QueuedAction, error) {
	if _, err := ParseActionKind(string(kind)); err != nil {
		return QueuedAction{}, err
	}
	if !storage.KnownTable(table) {
		return QueuedAction{}, fmt.Errorf("%w: %w: %q", ErrInvalidAction, storage.ErrUnknownTable, table)
	}

	action := QueuedAction{
		ID:         uuid.NewString(),
		Kind:       kind,
		Table:      table,
		Payload:    payload.Clone(),
		EnqueuedAt: q.now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	actions, err := q.loadLocked(ctx)
	if err != nil {
		return QueuedAction{}, err
	}
	if err := q.saveLocked(ctx, append(actions, action)); err != nil {
		return QueuedAction{}, err
	}
	q.logger.Debug("action queued", "action_id", action.ID, "kind", string(kind), "table", table)
	return action, nil
}

// SyncQueue replays every queued action in enqueue order. It does nothing
// while offline. Replay failures are not returned: they are counted in the
// report and the action is retained or dropped. Errors are returned only
// when the queue itself or the backend cannot be reached.
func (q *Queue) SyncQueue(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	if !q.IsOnline() {
		q.logger.Debug("cannot sync while offline")
		return report, nil
	}

	q.syncMu.Lock()
	defer q.syncMu.Unlock()

	q.mu.Lock()
	actions, err := q.loadLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		return report, err
	}
	if len(actions) == 0 {
		return report, nil
	}

	backend, err := q.backends.Get(ctx)
	if err != nil {
		return report, fmt.Errorf("sync queue: %w", err)
	}

	q.logger.Info("syncing queued actions", "count", len(actions))

	finished := make(map[string]bool, len(actions))
	retried := make(map[string]QueuedAction)
	for _, action := range actions {
		if ctx.Err() != nil {
			break
		}
		err := q.execute(ctx, backend, action)
		if err == nil {
			finished[action.ID] = true
			report.Applied++
			continue
		}
		if ctx.Err() != nil || errors.Is(err, storage.ErrNotInitialized) {
			// Shutdown, not a replay failure: leave the action untouched.
			q.logger.Debug("sync interrupted", "action_id", action.ID, "error", err)
			break
		}

		q.logger.Warn("queued action failed", "action_id", action.ID, "kind", string(action.Kind), "table", action.Table, "retry_count", action.RetryCount, "error", err)
		if action.RetryCount < q.maxRetries {
			action.RetryCount++
			retried[action.ID] = action
			report.Retained++
			continue
		}

		finished[action.ID] = true
		report.Dropped++
		if dlErr := q.deadLetter.DeadLetter(ctx, action, err); dlErr != nil {
			q.logger.Error("dead letter sink failed", "action_id", action.ID, "error", dlErr)
		}
	}

	// Reload so actions queued during the pass survive the save.
	q.mu.Lock()
	defer q.mu.Unlock()
	current, err := q.loadLocked(context.WithoutCancel(ctx))
	if err != nil {
		return report, err
	}
	remaining := make([]QueuedAction, 0, len(current))
	for _, action := range current {
		if finished[action.ID] {
			continue
		}
		if updated, ok := retried[action.ID]; ok {
			action = updated
		}
		remaining = append(remaining, action)
	}
	if err := q.saveLocked(context.WithoutCancel(ctx), remaining); err != nil {
		return report, err
	}

	q.logger.Info("sync complete", "applied", report.Applied, "retained", report.Retained, "dropped", report.Dropped, "remaining", len(remaining))
	return report, ctx.Err()
}

// ForceSync checks connectivity first and fails with ErrOffline when there
// is none.
func (q *Queue) ForceSync(ctx context.Context) (SyncReport, error) {
	online, err := q.CheckConnection(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	if !online {
		return SyncReport{}, ErrOffline
	}
	return q.SyncQueue(ctx)
}

// Pending returns a copy of the queued actions in order.
func (q *Queue) Pending(ctx context.Context) ([]QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx)
}

func (q *Queue) Size(ctx context.Context) (int, error) {
	actions, err := q.Pending(ctx)
	return len(actions), err
}

func (q *Queue) ClearQueue(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.saveLocked(ctx, nil)
}

// Close stops watching the source and waits for a running sync pass to
// finish. It does not close the source, the store or the backend.
func (q *Queue) Close() error {
	q.mu.Lock()
	unsubscribe := q.unsubscribe
	q.unsubscribe = nil
	q.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	q.cancel()

	q.syncMu.Lock()
	q.syncMu.Unlock()
	return nil
}

func (q *Queue) execute(ctx context.Context, backend storage.Backend, action QueuedAction) error {
	switch action.Kind {
	case ActionInsert:
		_, err := backend.Insert(ctx, action.Table, action.Payload)
		return err
	case ActionUpdate:
		id, _ := action.Payload[storage.FieldID].(string)
		if id == "" {
			return errMissingID
		}
		_, err := backend.Update(ctx, action.Table, action.Payload, storage.ByID(id))
		return err
	case ActionDelete:
		id, _ := action.Payload[storage.FieldID].(string)
		if id == "" {
			return errMissingID
		}
		_, err := backend.Delete(ctx, action.Table, storage.ByID(id))
		return err
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, action.Kind)
	}
}

func (q *Queue) loadLocked(ctx context.Context) ([]QueuedAction, error) {
	raw, ok, err := q.store.GetPlain(ctx, QueueKey)
	if err != nil {
		return nil, fmt.Errorf("load offline queue: %w", err)
	}
	if !ok || raw == "" {
		return []QueuedAction{}, nil
	}
	var actions []QueuedAction
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, fmt.Errorf("load offline queue: decode: %w", err)
	}
	if actions == nil {
		actions = []QueuedAction{}
	}
	return actions, nil
}

func (q *Queue) saveLocked(ctx context.Context, actions []QueuedAction) error {
	if actions == nil {
		actions = []QueuedAction{}
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("save offline queue: encode: %w", err)
	}
	if err := q.store.SetPlain(ctx, QueueKey, string(data)); err != nil {
		return fmt.Errorf("save offline queue: %w", err)
	}
	return nil
}

func (q *Queue) listenersLocked() []Listener {
	ids := make([]int, 0, len(q.listeners))
	for id := range q.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, q.listeners[id])
	}
	return out
}
