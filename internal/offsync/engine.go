package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"time"
)

const (
	defaultDeliveryTimeout   = 15 * time.Second
	defaultAutoDrainInterval = 30 * time.Second
)

// Options configures an Engine. The zero value is usable for tests: an
// in-memory store, a real-time clock, and no remote delivery.
type Options struct {
	// Store backs the durable queue. When nil, StoreDSN is consulted; when
	// both are empty the queue is memory-only.
	Store    PersistentStore
	StoreDSN string

	// Delivery is used by automatic drains and by ProcessQueue when no
	// explicit deliver function is passed.
	Delivery RemoteDelivery

	Clock     Clock
	Validator *PayloadValidator
	Monitor   *ConnectivityMonitor
	Logger    *log.Logger

	DeviceID         string
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	DeliveryTimeout  time.Duration
	DebounceInterval time.Duration

	AutoDrainInterval time.Duration
	DisableAutoDrain  bool
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Attempted int
	Succeeded int
	Failed    int
	// Aborted is set when connectivity dropped or the context was canceled
	// before the pass finished; remaining operations stay queued.
	Aborted bool
}

// Engine owns the durable queue and drains it against the remote store. All
// queue mutations happen under one lock and are flushed to the persistent
// store before the mutating call returns.
type Engine struct {
	mu  sync.Mutex
	ops []*QueuedOperation

	store     PersistentStore
	scheduler *RetryScheduler
	clock     Clock
	validator *PayloadValidator
	monitor   *ConnectivityMonitor
	delivery  RemoteDelivery
	logger    *log.Logger

	deviceID        string
	maxRetries      int
	deliveryTimeout time.Duration

	syncing         bool
	lastSyncAt      *time.Time
	storageDegraded bool

	// Subscriber maps live under their own lock so events can be emitted
	// while the queue lock is held.
	subMu      sync.Mutex
	nextSubID  int
	statusSubs map[int]func(SyncStatus)
	eventSubs  map[int]chan SyncEvent

	unsubscribeMonitor func()
	drainTrigger       chan struct{}
	drainCtx           context.Context
	drainCancel        context.CancelFunc
	closed             chan struct{}
	closeOnce          sync.Once
	wg                 sync.WaitGroup
}

func NewEngine(opts Options) (*Engine, error) {
	store := opts.Store
	if store == nil && opts.StoreDSN != "" {
		built, err := BuildStoreFromDSN(opts.StoreDSN)
		if err != nil {
			return nil, err
		}
		store = built
	}
	if store == nil {
		store = NewMemoryStore()
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	validator := opts.Validator
	if validator == nil {
		built, err := NewPayloadValidator()
		if err != nil {
			return nil, err
		}
		validator = built
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = NewConnectivityMonitor(true, opts.DebounceInterval)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[offsync] ", log.LstdFlags)
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	deliveryTimeout := opts.DeliveryTimeout
	if deliveryTimeout <= 0 {
		deliveryTimeout = defaultDeliveryTimeout
	}

	drainCtx, drainCancel := context.WithCancel(context.Background())
	e := &Engine{
		store:           store,
		scheduler:       NewRetryScheduler(opts.BaseDelay, opts.MaxDelay, clock),
		clock:           clock,
		validator:       validator,
		monitor:         monitor,
		delivery:        opts.Delivery,
		logger:          logger,
		deviceID:        opts.DeviceID,
		maxRetries:      maxRetries,
		deliveryTimeout: deliveryTimeout,
		statusSubs:      map[int]func(SyncStatus){},
		eventSubs:       map[int]chan SyncEvent{},
		drainTrigger:    make(chan struct{}, 1),
		drainCtx:        drainCtx,
		drainCancel:     drainCancel,
		closed:          make(chan struct{}),
	}
	e.loadFromStore()

	e.unsubscribeMonitor = monitor.Subscribe(func(online bool) {
		if online {
			e.emitEvent(SyncEvent{Type: EventOnlineDetected})
			e.TriggerDrain()
		} else {
			e.emitEvent(SyncEvent{Type: EventOfflineDetected})
		}
		e.notifyStatus()
	})

	if !opts.DisableAutoDrain {
		interval := opts.AutoDrainInterval
		if interval <= 0 {
			interval = defaultAutoDrainInterval
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.autoDrainLoop(interval)
		}()
	}
	return e, nil
}

// loadFromStore rebuilds the queue from the persisted blob. Missing or
// malformed data yields an empty queue; structurally invalid entries are
// logged and dropped. Corrupt persistence must never crash the client.
func (e *Engine) loadFromStore() {
	data, err := e.store.Load()
	if err != nil {
		e.logger.Printf("queue load failed, starting empty: %v", err)
		return
	}
	if len(data) == 0 {
		return
	}
	var snapshot queueSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		e.logger.Printf("queue blob malformed, starting empty: %v", err)
		return
	}
	ops := make([]*QueuedOperation, 0, len(snapshot.Items))
	for _, item := range snapshot.Items {
		if !item.valid() {
			e.logger.Printf("dropping malformed queue entry id=%q type=%q", item.ID, item.Type)
			continue
		}
		op := item.Clone()
		if op.MaxRetries <= 0 {
			op.MaxRetries = e.maxRetries
		}
		if op.Retries > op.MaxRetries {
			op.Retries = op.MaxRetries
		}
		// An operation persisted mid-flight is safe to re-run: the
		// idempotency key makes redelivery a no-op if it landed.
		switch op.State {
		case StatePending, StateRetrying, StateFailed:
		default:
			op.State = StatePending
		}
		ops = append(ops, &op)
	}
	e.ops = ops
}

// persistLocked flushes the full queue to the store. Write failures degrade
// to in-memory operation with a warning; the queue itself stays authoritative
// for the session.
func (e *Engine) persistLocked() {
	items := make([]QueuedOperation, 0, len(e.ops))
	for _, op := range e.ops {
		items = append(items, op.Clone())
	}
	data, err := json.Marshal(queueSnapshot{Items: items})
	if err != nil {
		e.logger.Printf("queue marshal failed: %v", err)
		e.storageDegraded = true
		e.emitEvent(SyncEvent{Type: EventStorageWarning, Error: err.Error()})
		return
	}
	if err := e.store.Save(data); err != nil {
		e.logger.Printf("queue persist failed, continuing in memory: %v", err)
		e.storageDegraded = true
		e.emitEvent(SyncEvent{Type: EventStorageWarning, Error: err.Error()})
		return
	}
	e.storageDegraded = false
}

// Enqueue records a user action for later delivery, minting a fresh
// idempotency key. It returns the operation id once the entry is durable.
func (e *Engine) Enqueue(opType OperationType, data json.RawMessage) (string, error) {
	return e.EnqueueWithKey(opType, data, NewIdempotencyKey())
}

// EnqueueWithKey is Enqueue with a caller-supplied idempotency key. A key
// already pending for the same operation type merges into the existing entry
// instead of duplicating the action.
func (e *Engine) EnqueueWithKey(opType OperationType, data json.RawMessage, idempotencyKey string) (string, error) {
	select {
	case <-e.closed:
		return "", ErrClosed
	default:
	}
	if !opType.Valid() {
		return "", ErrInvalidInput
	}
	if err := e.validator.Validate(opType, data); err != nil {
		return "", err
	}
	if idempotencyKey == "" {
		idempotencyKey = NewIdempotencyKey()
	}

	e.mu.Lock()
	if existing := findPendingByKey(e.ops, opType, idempotencyKey); existing != nil {
		id := existing.ID
		e.mu.Unlock()
		return id, nil
	}
	clock := NewVectorClock()
	if e.deviceID != "" {
		clock.Increment(e.deviceID)
	}
	op := &QueuedOperation{
		ID:             newOperationID(),
		Type:           opType,
		Data:           append(json.RawMessage(nil), data...),
		Timestamp:      e.clock.Now().UnixMilli(),
		Retries:        0,
		MaxRetries:     e.maxRetries,
		IdempotencyKey: idempotencyKey,
		State:          StatePending,
		VectorClock:    clock,
	}
	e.ops = append(e.ops, op)
	e.persistLocked()
	id := op.ID
	e.mu.Unlock()

	e.emitEvent(SyncEvent{Type: EventMessageQueued, OperationID: id, OpType: opType})
	e.notifyStatus()
	if e.monitor.IsOnline() {
		e.TriggerDrain()
	}
	return id, nil
}

// RemoveOperation dismisses an operation by id, re-persisting the queue.
// Removing an unknown id is a no-op so cleanup after a race stays idempotent.
func (e *Engine) RemoveOperation(id string) {
	e.mu.Lock()
	removed := false
	for i, op := range e.ops {
		if op.ID == id {
			e.ops = append(e.ops[:i], e.ops[i+1:]...)
			removed = true
			break
		}
	}
	if removed {
		e.persistLocked()
	}
	e.mu.Unlock()
	if removed {
		e.notifyStatus()
	}
}

// RetryOperation resets a terminally failed operation back to pending, the
// user's "try again" disposition.
func (e *Engine) RetryOperation(id string) error {
	e.mu.Lock()
	var target *QueuedOperation
	for _, op := range e.ops {
		if op.ID == id {
			target = op
			break
		}
	}
	if target == nil {
		e.mu.Unlock()
		return ErrNotFound
	}
	if target.State != StateFailed {
		e.mu.Unlock()
		return ErrInvalidState
	}
	target.State = StatePending
	target.Retries = 0
	target.NextAttemptAt = nil
	target.LastError = nil
	target.FailedAt = nil
	e.persistLocked()
	e.mu.Unlock()

	e.notifyStatus()
	if e.monitor.IsOnline() {
		e.TriggerDrain()
	}
	return nil
}

// Operations returns an ordered copy of the queue, terminal failures
// included.
func (e *Engine) Operations() []QueuedOperation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]QueuedOperation, 0, len(e.ops))
	for _, op := range e.ops {
		out = append(out, op.Clone())
	}
	return out
}

// DeadLetters lists terminally failed operations awaiting user disposition.
func (e *Engine) DeadLetters() []DeadLetter {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := []DeadLetter{}
	for _, op := range e.ops {
		if op.State != StateFailed {
			continue
		}
		letter := DeadLetter{
			OperationID:  op.ID,
			Type:         op.Type,
			AttemptCount: op.Retries + 1,
		}
		if op.FailedAt != nil {
			letter.FailedAt = *op.FailedAt
		}
		if op.LastError != nil {
			letter.LastError = *op.LastError
		}
		out = append(out, letter)
	}
	return out
}

// Status derives the current SyncStatus. Never persisted; the queue is the
// source of truth.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() SyncStatus {
	status := SyncStatus{
		IsOnline:  e.monitor.IsOnline(),
		IsSyncing: e.syncing,
	}
	for _, op := range e.ops {
		if op.State == StateFailed {
			status.FailedCount++
		} else {
			status.QueueLength++
		}
	}
	if e.lastSyncAt != nil {
		at := e.lastSyncAt.Format(time.RFC3339Nano)
		status.LastSyncAt = &at
	}
	return status
}

// IsOnline reports the debounced connectivity state.
func (e *Engine) IsOnline() bool {
	return e.monitor.IsOnline()
}

// SetOnline feeds a host-platform connectivity signal into the monitor.
func (e *Engine) SetOnline(online bool) {
	e.monitor.SetOnline(online)
}

// OnStatusChange registers a status callback and returns its unsubscribe
// handle. Callbacks run outside the engine lock.
func (e *Engine) OnStatusChange(fn func(SyncStatus)) func() {
	e.subMu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.statusSubs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.statusSubs, id)
	}
}

// Subscribe returns a buffered event stream and its unsubscribe handle.
// Slow consumers lose events rather than blocking the engine.
func (e *Engine) Subscribe(buffer int) (<-chan SyncEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan SyncEvent, buffer)
	e.subMu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.eventSubs[id] = ch
	e.subMu.Unlock()
	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if _, ok := e.eventSubs[id]; ok {
			delete(e.eventSubs, id)
			close(ch)
		}
	}
}

// emitEvent fans an event out without blocking; it is safe to call with the
// queue lock held.
func (e *Engine) emitEvent(event SyncEvent) {
	if event.Timestamp == "" {
		event.Timestamp = e.clock.Now().Format(time.RFC3339Nano)
	}
	e.subMu.Lock()
	for _, ch := range e.eventSubs {
		select {
		case ch <- event:
		default:
		}
	}
	e.subMu.Unlock()
}

func (e *Engine) notifyStatus() {
	status := e.Status()
	e.subMu.Lock()
	callbacks := make([]func(SyncStatus), 0, len(e.statusSubs))
	for _, fn := range e.statusSubs {
		callbacks = append(callbacks, fn)
	}
	e.subMu.Unlock()
	for _, fn := range callbacks {
		fn(status)
	}
}

// TriggerDrain requests a drain pass from the background loop. Coalesces
// with an already-pending request.
func (e *Engine) TriggerDrain() {
	select {
	case e.drainTrigger <- struct{}{}:
	default:
	}
}

func (e *Engine) autoDrainLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
		case <-e.drainTrigger:
		}
		if e.delivery == nil || !e.monitor.IsOnline() {
			continue
		}
		if _, err := e.ProcessQueue(e.drainCtx, nil); err != nil && !errors.Is(err, ErrSyncInProgress) {
			e.logger.Printf("drain pass failed: %v", err)
		}
	}
}

// ProcessQueue runs one drain pass: eligible operations, strict enqueue
// order, one at a time. deliver overrides the engine's configured delivery
// (manual "sync now" and tests). Only one pass runs at a time.
func (e *Engine) ProcessQueue(ctx context.Context, deliver DeliverFunc) (DrainResult, error) {
	if deliver == nil {
		if e.delivery == nil {
			return DrainResult{}, ErrInvalidInput
		}
		deliver = e.delivery.Deliver
	}

	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return DrainResult{}, ErrSyncInProgress
	}
	e.syncing = true
	order := make([]string, 0, len(e.ops))
	for _, op := range e.ops {
		if op.State != StateFailed {
			order = append(order, op.ID)
		}
	}
	e.mu.Unlock()

	e.emitEvent(SyncEvent{Type: EventSyncStart})
	e.notifyStatus()

	var result DrainResult
	for _, id := range order {
		if ctx.Err() != nil || !e.monitor.IsOnline() {
			result.Aborted = true
			break
		}

		e.mu.Lock()
		op := e.findLocked(id)
		if op == nil || op.State == StateFailed {
			e.mu.Unlock()
			continue
		}
		if !e.scheduler.Eligible(*op) {
			// Global FIFO: a head-of-queue operation still inside its
			// backoff window blocks the rest of the pass. Later entries
			// never overtake it.
			e.mu.Unlock()
			break
		}
		op.State = StateSyncing
		attempt := op.Clone()
		e.mu.Unlock()

		result.Attempted++
		attemptCtx, cancel := context.WithTimeout(ctx, e.deliveryTimeout)
		ack, err := deliver(attemptCtx, attempt)
		cancel()

		switch {
		case err == nil || ack.AlreadyApplied:
			e.completeOperation(id)
			result.Succeeded++
		default:
			var conflictErr *RemoteConflictError
			if errors.As(err, &conflictErr) {
				if e.resolveRemoteConflict(id, attempt, conflictErr.Remote) {
					result.Succeeded++
				} else {
					result.Failed++
				}
				continue
			}
			e.failOperation(id, err, transientDeliveryError(err))
			result.Failed++
		}
	}

	now := e.clock.Now()
	e.mu.Lock()
	e.syncing = false
	e.lastSyncAt = &now
	e.mu.Unlock()

	switch {
	case result.Failed == 0:
		e.emitEvent(SyncEvent{Type: EventSyncSuccess})
	case result.Succeeded > 0:
		e.emitEvent(SyncEvent{Type: EventSyncPartial})
	default:
		e.emitEvent(SyncEvent{Type: EventSyncFailed})
	}
	e.notifyStatus()
	return result, nil
}

func (e *Engine) findLocked(id string) *QueuedOperation {
	for _, op := range e.ops {
		if op.ID == id {
			return op
		}
	}
	return nil
}

// completeOperation removes a delivered operation and narrates the success.
func (e *Engine) completeOperation(id string) {
	e.mu.Lock()
	var opType OperationType
	found := false
	for i, op := range e.ops {
		if op.ID == id {
			opType = op.Type
			e.ops = append(e.ops[:i], e.ops[i+1:]...)
			found = true
			break
		}
	}
	if found {
		e.persistLocked()
	}
	e.mu.Unlock()
	if !found {
		return
	}

	e.emitEvent(SyncEvent{Type: EventMessageSynced, OperationID: id, OpType: opType})
	e.notifyStatus()
}

// failOperation applies one failed attempt: transient errors consume retry
// budget and schedule the next attempt; permanent errors and exhausted
// budgets are terminal.
func (e *Engine) failOperation(id string, attemptErr error, transient bool) {
	errText := attemptErr.Error()
	now := e.clock.Now()

	e.mu.Lock()
	op := e.findLocked(id)
	if op == nil {
		e.mu.Unlock()
		return
	}
	terminal := !transient || op.Retries >= op.MaxRetries
	op.LastError = &errText
	if terminal {
		op.State = StateFailed
		op.NextAttemptAt = nil
		failedAt := now.Format(time.RFC3339Nano)
		op.FailedAt = &failedAt
	} else {
		op.Retries++
		op.State = StateRetrying
		next := e.scheduler.NextAttemptAt(op.Retries).Format(time.RFC3339Nano)
		op.NextAttemptAt = &next
	}
	opType := op.Type
	retries := op.Retries
	e.persistLocked()
	e.mu.Unlock()

	e.emitEvent(SyncEvent{
		Type:        EventMessageFailed,
		OperationID: id,
		OpType:      opType,
		Retries:     retries,
		Terminal:    terminal,
		Error:       errText,
	})
	e.notifyStatus()
}

// resolveRemoteConflict settles a delivery that collided with a concurrent
// remote edit. Returns true when the operation was settled as applied.
func (e *Engine) resolveRemoteConflict(id string, attempt QueuedOperation, remote SyncEntity) bool {
	local := SyncEntity{
		ID:           id,
		Data:         attempt.Data,
		VectorClock:  attempt.VectorClock,
		LastModified: time.UnixMilli(attempt.Timestamp).UTC(),
		DeviceID:     e.deviceID,
	}
	switch ResolveConflict(local, remote) {
	case OutcomeRemoteWins:
		// The remote copy supersedes this operation; settle it so the UI
		// stops showing a phantom pending change.
		e.completeOperation(id)
		return true
	case OutcomeManual:
		e.failOperation(id, NewPermanentError("conflict", "concurrent edit requires manual resolution"), false)
		return false
	default: // OutcomeLocalWins
		e.failOperation(id, NewTransientError("conflict", "remote copy is stale, will redeliver"), true)
		return false
	}
}

// Close stops background work. In-flight deliveries resolve and record their
// outcome before the drain loop exits.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.drainCancel()
		if e.unsubscribeMonitor != nil {
			e.unsubscribeMonitor()
		}
		e.wg.Wait()
		e.subMu.Lock()
		for id, ch := range e.eventSubs {
			delete(e.eventSubs, id)
			close(ch)
		}
		e.subMu.Unlock()
		if closer, ok := e.store.(storeCloser); ok {
			_ = closer.Close()
		}
	})
}
