// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tether-foundation/tether/lib/backoff"
	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/lib/seal"
)

// link is the synchronizer's view of its Conn: frame output and
// connection status. Narrowed to an interface so sync tests run
// against a stub instead of a full Conn.
type link interface {
	sendFrame(ctx context.Context, frame *Frame) error
	isConnected() bool
}

// UpdateFunc observes another peer's accepted write to a slot.
// Callbacks run on the connection's event goroutine and must not
// block; hand the document off to your own goroutine for real work.
type UpdateFunc func(slot string, doc Document, version int64)

// errTryAgain marks attempt outcomes that the backoff executor should
// retry: a version conflict after adopting the fresh base, a send
// failure on a connection that is still nominally up, a result wait
// cut short by a disconnect.
var errTryAgain = errors.New("retryable")

// synchronizer keeps the authoritative local copy of each slot's
// decrypted document and version, and mutates it safely under
// contention from the relay. It also is the offline mirror: while
// disconnected, mutations land in local state immediately and are
// flushed in order on reconnect.
type synchronizer struct {
	scope  Scope
	link   link
	clk    clock.Clock
	logger *slog.Logger

	// slots is fixed after construction; slot contents have their
	// own locks.
	slots map[string]*slot
	order []string

	pendingMu sync.Mutex
	pending   map[string]chan *SubmitResult

	watcherMu sync.Mutex
	watchers  map[string][]UpdateFunc

	stop     chan struct{}
	stopOnce sync.Once
}

// slot is one named, versioned state container plus its mutation
// queue. The worker goroutine consumes jobs one at a time, so two
// mutations of the same slot can never interleave and the second
// always sees the first's result.
type slot struct {
	name string
	jobs chan *mutationJob

	mu      sync.Mutex
	value   Document
	version int64
	dirty   bool
}

// mutationJob is one queued mutation. done is nil for fire-and-forget
// jobs (snapshot push, reconnect flush).
type mutationJob struct {
	ctx     context.Context
	updater Updater
	done    chan error

	// once selects the bounded single-attempt path; timeout is its
	// budget and confirmed receives whether the relay acknowledged.
	once      bool
	timeout   time.Duration
	confirmed chan bool
}

// jobQueueDepth bounds each slot's mutation queue. Mutations are
// small and drain quickly; hitting this bound means the caller is
// mutating faster than the relay can ever acknowledge.
const jobQueueDepth = 256

func newSynchronizer(scope Scope, lk link, slotNames []string, clk clock.Clock, logger *slog.Logger) *synchronizer {
	s := &synchronizer{
		scope:    scope,
		link:     lk,
		clk:      clk,
		logger:   logger,
		slots:    make(map[string]*slot, len(slotNames)),
		pending:  make(map[string]chan *SubmitResult),
		watchers: make(map[string][]UpdateFunc),
		stop:     make(chan struct{}),
	}
	for _, name := range slotNames {
		if _, dup := s.slots[name]; dup {
			continue
		}
		sl := &slot{
			name: name,
			jobs: make(chan *mutationJob, jobQueueDepth),
		}
		s.slots[name] = sl
		s.order = append(s.order, name)
		go s.worker(sl)
	}
	return s
}

// close stops all slot workers and fails pending result waits.
func (s *synchronizer) close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.failPending()
	})
}

// mutate queues an updater for the slot and waits until the mutation
// is either acknowledged by the relay or applied to the offline
// mirror. Transport errors and version conflicts are absorbed by
// retry; the returned error is only ctx cancellation or caller
// misuse (unknown slot, encode failure).
func (s *synchronizer) mutate(ctx context.Context, slotName string, updater Updater) error {
	sl, ok := s.slots[slotName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, slotName)
	}

	job := &mutationJob{ctx: ctx, updater: updater, done: make(chan error, 1)}
	if err := s.enqueue(sl, job); err != nil {
		return err
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return ErrClosed
	}
}

// mutateOnce is the shutdown-safe variant: one submission attempt
// raced against timeout. Returns whether the relay confirmed the
// write. The local mirror is updated either way.
func (s *synchronizer) mutateOnce(ctx context.Context, slotName string, updater Updater, timeout time.Duration) (bool, error) {
	sl, ok := s.slots[slotName]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownSlot, slotName)
	}

	// The deadline starts now, before the queue: a shutdown write
	// stuck behind a retrying mutation still returns on budget.
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	deadline := s.clk.After(timeout)

	job := &mutationJob{
		ctx:       jobCtx,
		updater:   updater,
		once:      true,
		timeout:   timeout,
		confirmed: make(chan bool, 1),
	}
	if err := s.enqueue(sl, job); err != nil {
		return false, err
	}
	select {
	case confirmed := <-job.confirmed:
		return confirmed, nil
	case <-deadline:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.stop:
		return false, ErrClosed
	}
}

// mutateAsync queues a fire-and-forget mutation (snapshot push).
func (s *synchronizer) mutateAsync(slotName string, updater Updater) {
	sl, ok := s.slots[slotName]
	if !ok {
		s.logger.Error("async mutation for unknown slot", "slot", slotName)
		return
	}
	job := &mutationJob{ctx: context.Background(), updater: updater}
	if err := s.enqueue(sl, job); err != nil {
		s.logger.Error("async mutation dropped", "slot", slotName, "error", err)
	}
}

func (s *synchronizer) enqueue(sl *slot, job *mutationJob) error {
	select {
	case <-s.stop:
		return ErrClosed
	case sl.jobs <- job:
		return nil
	default:
		return fmt.Errorf("relay: mutation queue for slot %q is full", sl.name)
	}
}

// worker drains one slot's mutation queue. Jobs run strictly in
// enqueue order; a job arriving while another is mid-flight waits
// behind it.
func (s *synchronizer) worker(sl *slot) {
	for {
		select {
		case <-s.stop:
			return
		case job := <-sl.jobs:
			s.runJob(sl, job)
		}
	}
}

func (s *synchronizer) runJob(sl *slot, job *mutationJob) {
	if job.once {
		confirmed := s.runOnce(sl, job)
		if job.confirmed != nil {
			job.confirmed <- confirmed
		}
		return
	}

	var err error
	if !s.link.isConnected() {
		// Offline: apply to the mirror so local readers observe the
		// write, and flush later.
		s.applyLocal(sl, job.updater)
	} else {
		err = backoff.Retry(job.ctx, s.clk, s.logger, "mutate "+sl.name, func(ctx context.Context) error {
			_, attemptErr := s.attempt(ctx, sl, job.updater)
			return attemptErr
		})
	}
	if job.done != nil {
		job.done <- err
	}
}

func (s *synchronizer) runOnce(sl *slot, job *mutationJob) bool {
	if !s.link.isConnected() {
		s.applyLocal(sl, job.updater)
		return false
	}
	return backoff.Once(job.ctx, s.clk, job.timeout, func(ctx context.Context) error {
		confirmed, err := s.attempt(ctx, sl, job.updater)
		if err != nil {
			return err
		}
		if !confirmed {
			return fmt.Errorf("write fell back to offline mirror")
		}
		return nil
	})
}

// attempt performs one submit/acknowledge cycle. Returns
// (true, nil) when the relay accepted the write, (false, nil) when
// the connection dropped and the mutation was applied to the offline
// mirror instead, and a retryable error when the attempt should be
// recomputed against fresh state (version conflict, transient send
// failure).
func (s *synchronizer) attempt(ctx context.Context, sl *slot, updater Updater) (bool, error) {
	if !s.link.isConnected() {
		s.applyLocal(sl, updater)
		return false, nil
	}

	sl.mu.Lock()
	base := sl.value
	expected := sl.version
	sl.mu.Unlock()

	next := updater(base)

	ciphertext, err := seal.Encode(s.scope.Key, s.scope.Variant, next)
	if err != nil {
		// Not retryable: the same document will fail the same way.
		return false, backoff.Permanent(fmt.Errorf("encrypting slot %q: %w", sl.name, err))
	}

	requestID := uuid.NewString()
	resultCh := make(chan *SubmitResult, 1)
	s.registerPending(requestID, resultCh)
	defer s.unregisterPending(requestID)

	frame := &Frame{Type: FrameSubmit, Submit: &Submit{
		RequestID:       requestID,
		ScopeID:         s.scope.ID,
		Slot:            sl.name,
		ExpectedVersion: expected,
		Ciphertext:      ciphertext,
	}}
	if err := s.link.sendFrame(ctx, frame); err != nil {
		if errors.Is(err, ErrNotConnected) {
			s.applyLocal(sl, updater)
			return false, nil
		}
		return false, fmt.Errorf("submitting slot %q: %w (%w)", sl.name, err, errTryAgain)
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case result, ok := <-resultCh:
		if !ok {
			// Disconnected while waiting. The relay may or may not
			// have applied the submission; adopt offline semantics
			// and let the reconnect flush reconcile.
			s.applyLocal(sl, updater)
			return false, nil
		}
		return s.reconcile(sl, result)
	}
}

// reconcile folds a submit acknowledgment into local state.
func (s *synchronizer) reconcile(sl *slot, result *SubmitResult) (bool, error) {
	var doc Document
	if len(result.Ciphertext) > 0 {
		if err := seal.Decode(s.scope.Key, result.Ciphertext, &doc); err != nil {
			// Fatal to this message: drop it and retry from the
			// current base rather than corrupting the mirror.
			s.logger.Error("dropping undecodable submit result",
				"slot", sl.name,
				"version", result.Version,
				"error", err,
			)
			return false, fmt.Errorf("slot %q: undecodable acknowledgment (%w)", sl.name, errTryAgain)
		}
	}

	if result.OK {
		sl.mu.Lock()
		// The relay's copy is authoritative — adopt what it returned,
		// not the locally computed document. Versions only move
		// forward.
		if result.Version >= sl.version {
			sl.value = doc
			sl.version = result.Version
		}
		sl.dirty = false
		sl.mu.Unlock()
		return true, nil
	}

	// Version mismatch: adopt the authoritative document when newer,
	// then retry so the updater recomputes against the fresh base.
	sl.mu.Lock()
	if result.Version > sl.version {
		sl.value = doc
		sl.version = result.Version
	}
	sl.mu.Unlock()
	return false, fmt.Errorf("slot %q: version mismatch at %d (%w)", sl.name, result.Version, errTryAgain)
}

// applyLocal runs the updater against the mirror and marks the slot
// dirty for the next reconnect flush. The version is left untouched:
// it still names the base the pending composed document was derived
// from.
func (s *synchronizer) applyLocal(sl *slot, updater Updater) {
	sl.mu.Lock()
	sl.value = updater(sl.value)
	sl.dirty = true
	sl.mu.Unlock()
}

// flushDirty queues one flush submission per dirty slot, in slot
// registration order. The flush submits the already-composed mirror
// document (identity updater); version reconciliation is the same
// path as any other mutation. Called by the Conn on every connect.
func (s *synchronizer) flushDirty() {
	for _, name := range s.order {
		sl := s.slots[name]
		sl.mu.Lock()
		dirty := sl.dirty
		sl.mu.Unlock()
		if !dirty {
			continue
		}
		job := &mutationJob{
			ctx:     context.Background(),
			updater: func(prev Document) Document { return prev },
		}
		if err := s.enqueue(sl, job); err != nil {
			s.logger.Error("flush dropped", "slot", name, "error", err)
		}
	}
}

// handleSubmitResult routes an inbound acknowledgment to the attempt
// waiting on it. Unmatched results (late arrivals after a disconnect
// already failed the attempt) are dropped.
func (s *synchronizer) handleSubmitResult(result *SubmitResult) {
	s.pendingMu.Lock()
	ch, ok := s.pending[result.RequestID]
	if ok {
		delete(s.pending, result.RequestID)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- result
	}
}

// handleUpdate applies another actor's accepted write. The version
// guard keeps the local sequence non-decreasing even when pushes
// arrive out of order after a reconnect.
func (s *synchronizer) handleUpdate(update *Update) {
	sl, ok := s.slots[update.Slot]
	if !ok {
		s.logger.Debug("update for unknown slot", "slot", update.Slot)
		return
	}

	var doc Document
	if err := seal.Decode(s.scope.Key, update.Ciphertext, &doc); err != nil {
		s.logger.Error("dropping undecodable update",
			"slot", update.Slot,
			"version", update.Version,
			"error", err,
		)
		return
	}

	sl.mu.Lock()
	if update.Version <= sl.version {
		sl.mu.Unlock()
		return
	}
	sl.value = doc
	sl.version = update.Version
	sl.mu.Unlock()

	s.watcherMu.Lock()
	watchers := append([]UpdateFunc(nil), s.watchers[update.Slot]...)
	s.watcherMu.Unlock()
	for _, fn := range watchers {
		fn(update.Slot, doc.Clone(), update.Version)
	}
}

// onExternalUpdate registers a callback for peer writes to a slot.
func (s *synchronizer) onExternalUpdate(slotName string, fn UpdateFunc) error {
	if _, ok := s.slots[slotName]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, slotName)
	}
	s.watcherMu.Lock()
	s.watchers[slotName] = append(s.watchers[slotName], fn)
	s.watcherMu.Unlock()
	return nil
}

// snapshot returns a copy of a slot's current document and version.
func (s *synchronizer) snapshot(slotName string) (Document, int64, error) {
	sl, ok := s.slots[slotName]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownSlot, slotName)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.value.Clone(), sl.version, nil
}

// failPending aborts every in-flight result wait. Called on
// disconnect: the waiting attempts fall back to the offline mirror.
func (s *synchronizer) failPending() {
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
}

func (s *synchronizer) registerPending(id string, ch chan *SubmitResult) {
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
}

func (s *synchronizer) unregisterPending(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}
