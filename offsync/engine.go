// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Config holds tuning for the sync engine.
type Config struct {
	RemoteTimeout     time.Duration // deadline for each remote call
	SettleDelay       time.Duration // wait after an online transition before draining
	DrainInterval     time.Duration // periodic drain cadence
	ReconcileInterval time.Duration // periodic cache/queue drift reconciliation cadence
	BackoffMin        time.Duration // background loop backoff floor
	BackoffMax        time.Duration // background loop backoff ceiling
	Collections       []string      // collections scanned by reconciliation
}

// DefaultConfig returns the standard tuning: 5s remote deadline, 2s
// settle delay, 30s drains, 5m reconciliation, over the built-in
// collections.
func DefaultConfig() *Config {
	return &Config{
		RemoteTimeout:     5 * time.Second,
		SettleDelay:       2 * time.Second,
		DrainInterval:     30 * time.Second,
		ReconcileInterval: 5 * time.Minute,
		BackoffMin:        1 * time.Second,
		BackoffMax:        60 * time.Second,
		Collections: []string{
			CollectionStudents,
			CollectionAttendance,
			CollectionEvents,
			CollectionSettings,
		},
	}
}

// Engine is the offline-first reconciler. Every write commits locally
// first, is attempted remotely when the monitor reports online, and is
// durably queued for a later drain otherwise. Reads merge the local
// cache with the remote store without duplicating or losing records.
//
// The engine holds no persistent state of its own beyond the drain
// guard and whatever the injected collaborators persist.
type Engine struct {
	local    LocalPersistence
	remote   RemoteStore
	monitor  ConnectivityMonitor
	queue    *PendingQueue
	specs    *KeySpecRegistry
	notifier Notifier
	config   *Config
	logger   *slog.Logger

	// Guards against two simultaneous drains. Not reentrant; released
	// on every exit path.
	syncInProgress int32
}

// NewEngine creates an engine with constructor-injected collaborators.
// A nil config uses DefaultConfig; a nil logger uses slog.Default.
func NewEngine(local LocalPersistence, remote RemoteStore, monitor ConnectivityMonitor, config *Config, logger *slog.Logger) (*Engine, error) {
	if local == nil {
		return nil, fmt.Errorf("local persistence cannot be nil")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("connectivity monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		local:    local,
		remote:   remote,
		monitor:  monitor,
		queue:    NewPendingQueue(local, logger),
		specs:    NewKeySpecRegistry(),
		notifier: nopNotifier{},
		config:   config,
		logger:   logger,
	}, nil
}

// SetNotifier installs the event consumer. Must be called before Start.
func (e *Engine) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	e.notifier = n
}

// Specs exposes the key spec registry for custom collections.
func (e *Engine) Specs() *KeySpecRegistry { return e.specs }

// Queue exposes the pending queue (e.g. for unsynced-count badges).
func (e *Engine) Queue() *PendingQueue { return e.queue }

// Start launches the background loops: the connectivity consumer, the
// periodic drain, and the lower-frequency reconciliation. They stop
// when ctx is done.
func (e *Engine) Start(ctx context.Context) {
	cancel := e.monitor.Subscribe(func(online bool) {
		e.notifier.ConnectivityChanged(online)
		if online {
			go e.settleAndSync(ctx)
		}
	})
	go func() {
		<-ctx.Done()
		cancel()
	}()
	go e.drainLoop(ctx)
	go e.reconcileLoop(ctx)
}

// Execute dispatches one logical write: local commit first, then an
// opportunistic remote attempt bounded by the configured deadline.
// Remote failure, timeout, or offline state never fails the caller;
// the operation is queued and the locally committed record returned
// with Synced=false. The returned record carries the remote id when
// the remote attempt confirmed.
func (e *Engine) Execute(ctx context.Context, opType OpType, collection string, rec Record) (Record, error) {
	kind := opType.Kind()
	rec.Synced = false
	if err := e.local.Put(ctx, collection, rec, kind); err != nil {
		return Record{}, fmt.Errorf("local commit failed for %s: %w", opType, err)
	}

	if !e.monitor.IsOnline() {
		if _, err := e.queue.Enqueue(ctx, PendingOperation{Type: opType, Collection: collection, Record: &rec}); err != nil {
			return Record{}, err
		}
		return rec, nil
	}

	result, err := RunWithTimeout(ctx, e.config.RemoteTimeout, string(opType), func(cctx context.Context) (Record, error) {
		return e.applyRemote(cctx, kind, collection, rec)
	})
	if err != nil {
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
		e.logger.Warn("Remote attempt failed; queued for replay",
			"op", opType, "collection", collection, "error", err)
		if _, qerr := e.queue.Enqueue(ctx, PendingOperation{Type: opType, Collection: collection, Record: &rec}); qerr != nil {
			return Record{}, qerr
		}
		e.notifier.SyncStatus(fmt.Sprintf("Change saved locally, will sync later (%s)", opType), SeverityWarning)
		return rec, nil
	}

	spec := e.specs.For(collection)
	if kind != OpDelete {
		if err := e.local.MarkSynced(ctx, collection, spec.KeyOf(rec), result.RemoteID); err != nil {
			return Record{}, fmt.Errorf("failed to mark record synced: %w", err)
		}
	}
	result.Synced = true
	return result, nil
}

// ExecuteDelete dispatches a delete-by-criteria write (e.g. "delete all
// attendance for event X"). Matching local records are removed
// immediately; the remote side is resolved at attempt time, or at drain
// time when deferred, so the delete always reflects the remote state at
// replay rather than at enqueue.
func (e *Engine) ExecuteDelete(ctx context.Context, opType OpType, collection string, criteria map[string]any) error {
	spec := e.specs.For(collection)
	records, err := e.local.Get(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to read %s for delete: %w", collection, err)
	}
	for _, rec := range records {
		if rec.Matches(criteria) {
			if err := e.local.Put(ctx, collection, rec, OpDelete); err != nil {
				return fmt.Errorf("local delete failed for %s: %w", spec.KeyOf(rec), err)
			}
		}
	}

	if !e.monitor.IsOnline() {
		_, err := e.queue.Enqueue(ctx, PendingOperation{Type: opType, Collection: collection, Criteria: criteria})
		return err
	}

	_, err = RunWithTimeout(ctx, e.config.RemoteTimeout, string(opType), func(cctx context.Context) (struct{}, error) {
		return struct{}{}, e.deleteRemoteByCriteria(cctx, collection, criteria)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("Remote delete failed; queued for replay",
			"op", opType, "collection", collection, "error", err)
		if _, qerr := e.queue.Enqueue(ctx, PendingOperation{Type: opType, Collection: collection, Criteria: criteria}); qerr != nil {
			return qerr
		}
		e.notifier.SyncStatus(fmt.Sprintf("Delete saved locally, will sync later (%s)", opType), SeverityWarning)
	}
	return nil
}

// Fetch reads a collection: always the local cache, merged with the
// remote store when online. Remote-only records are persisted locally
// as a side effect so subsequent reads work fully offline. Remote
// failures degrade silently to the local result.
func (e *Engine) Fetch(ctx context.Context, collection string) ([]Record, error) {
	spec := e.specs.For(collection)
	local, err := e.local.Get(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to read local %s: %w", collection, err)
	}

	if !e.monitor.IsOnline() {
		return local, nil
	}

	remote, err := RunWithTimeout(ctx, e.config.RemoteTimeout, "fetch "+collection, func(cctx context.Context) ([]Record, error) {
		return e.remote.Query(cctx, collection, nil, 0)
	})
	if err != nil {
		if ctx.Err() != nil {
			return local, ctx.Err()
		}
		e.logger.Warn("Remote fetch failed; serving local cache",
			"collection", collection, "error", err)
		return local, nil
	}

	merged, remoteOnly := Merge(local, remote, spec)

	for _, rec := range remoteOnly {
		rec.Synced = true
		if err := e.local.Put(ctx, collection, rec, OpAdd); err != nil {
			return merged, fmt.Errorf("failed to persist remote record: %w", err)
		}
	}

	// Persist remote ids adopted during the merge so drains update
	// instead of re-creating.
	localIDs := make(map[string]string, len(local))
	localSynced := make(map[string]bool, len(local))
	for _, rec := range local {
		key := spec.KeyOf(rec)
		localIDs[key] = rec.RemoteID
		localSynced[key] = rec.Synced
	}
	for _, rec := range merged {
		key := spec.KeyOf(rec)
		if _, ok := localIDs[key]; !ok && spec.RemoteIDFirst && rec.RemoteID != "" {
			// Records that adopted an id during the merge key differently
			// than their local original; match on the fallback key.
			fallback := rec.Clone()
			fallback.RemoteID = ""
			key = spec.KeyOf(fallback)
		}
		if prev, ok := localIDs[key]; ok && prev == "" && rec.RemoteID != "" {
			adopted := rec.Clone()
			adopted.Synced = localSynced[key]
			if err := e.local.Put(ctx, collection, adopted, OpUpdate); err != nil {
				return merged, fmt.Errorf("failed to persist adopted remote id: %w", err)
			}
		}
	}

	if len(remoteOnly) > 0 {
		e.notifier.CollectionChanged(collection, merged)
	}
	return merged, nil
}

// Drain attempts to deliver every queued operation, in insertion order,
// each independently: one failure never blocks the rest. Operations
// confirmed during the pass are removed from the durable log in one
// batch write at the end. A drain is exclusive; a request while one is
// running is a no-op. Draining while offline makes no remote attempt
// and returns ErrRemoteUnavailable.
func (e *Engine) Drain(ctx context.Context) error {
	if !e.monitor.IsOnline() {
		return ErrRemoteUnavailable
	}
	if !atomic.CompareAndSwapInt32(&e.syncInProgress, 0, 1) {
		e.logger.Debug("Drain already in progress; skipping")
		return nil
	}
	defer atomic.StoreInt32(&e.syncInProgress, 0)

	ops, err := e.queue.List(ctx)
	if err != nil {
		return err
	}
	remaining := 0
	for _, op := range ops {
		if !op.Synced {
			remaining++
		}
	}
	if remaining == 0 {
		return nil
	}

	e.notifier.SyncStatus(fmt.Sprintf("Syncing %d pending change(s)", remaining), SeverityInfo)

	var done []string
	failures := 0
	for _, op := range ops {
		if op.Synced {
			done = append(done, op.ID)
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if err := e.replay(ctx, op); err != nil {
			failures++
			e.logger.Warn("Failed to replay pending operation; leaving queued",
				"id", op.ID, "op", op.Type, "collection", op.Collection, "error", err)
			continue
		}
		done = append(done, op.ID)
	}

	if err := e.queue.Remove(ctx, done...); err != nil {
		return err
	}

	if failures == 0 {
		e.notifier.SyncStatus("All pending changes synced", SeveritySuccess)
	} else {
		e.notifier.SyncStatus(fmt.Sprintf("%d change(s) still pending", failures), SeverityWarning)
	}
	return nil
}

// Reconcile re-enqueues locally unsynced records that are not
// represented in the pending queue, healing drift caused by partial
// failures elsewhere. Each record is replayed with its recorded
// originating operation, falling back to add when none was recorded.
func (e *Engine) Reconcile(ctx context.Context) error {
	ops, err := e.queue.List(ctx)
	if err != nil {
		return err
	}
	queued := make(map[string]bool, len(ops))
	for _, op := range ops {
		if op.Record == nil {
			continue
		}
		spec := e.specs.For(op.Collection)
		queued[op.Collection+keySeparator+spec.KeyOf(*op.Record)] = true
	}

	requeued := 0
	for _, collection := range e.config.Collections {
		spec := e.specs.For(collection)
		unsynced, err := e.local.Unsynced(ctx, collection)
		if err != nil {
			return fmt.Errorf("failed to scan %s for reconciliation: %w", collection, err)
		}
		for _, u := range unsynced {
			if queued[collection+keySeparator+spec.KeyOf(u.Record)] {
				continue
			}
			kind := u.LastOp
			if kind == "" {
				kind = OpAdd
			}
			rec := u.Record
			op := PendingOperation{
				Type:       OpType(string(kind) + ":" + collection),
				Collection: collection,
				Record:     &rec,
			}
			if _, err := e.queue.Enqueue(ctx, op); err != nil {
				return err
			}
			requeued++
		}
	}

	if requeued > 0 {
		e.logger.Info("Reconciliation re-queued unsynced records", "count", requeued)
	}
	return nil
}

// TriggerSync runs a drain followed by a reconciliation when online.
// Used by focus/visibility regains; safe to call concurrently because
// Drain is exclusive.
func (e *Engine) TriggerSync(ctx context.Context) {
	if !e.monitor.IsOnline() {
		return
	}
	if err := e.Drain(ctx); err != nil {
		e.logger.Warn("Drain failed", "error", err)
		return
	}
	if err := e.Reconcile(ctx); err != nil {
		e.logger.Warn("Reconciliation failed", "error", err)
	}
}

// currentEventKey is the durable scalar holding the active event name.
const currentEventKey = "currentEvent"

// CurrentEvent returns the persisted active event name ("" when unset).
func (e *Engine) CurrentEvent(ctx context.Context) (string, error) {
	return e.local.GetValue(ctx, currentEventKey)
}

// SetCurrentEvent persists the active event name.
func (e *Engine) SetCurrentEvent(ctx context.Context, name string) error {
	return e.local.SetValue(ctx, currentEventKey, name)
}

// applyRemote performs the direct remote write for one record
// operation, resolving the target by progressively looser lookup when
// no remote id is known.
func (e *Engine) applyRemote(ctx context.Context, kind OpKind, collection string, rec Record) (Record, error) {
	spec := e.specs.For(collection)

	switch kind {
	case OpDelete:
		found, ok, err := resolveRemote(ctx, e.remote, collection, spec, rec)
		if err != nil {
			return Record{}, err
		}
		if ok {
			if err := e.remote.Delete(ctx, collection, found.RemoteID); err != nil {
				return Record{}, fmt.Errorf("%w: %v", ErrRemoteRejected, err)
			}
		}
		return rec, nil

	default:
		found, ok, err := resolveRemote(ctx, e.remote, collection, spec, rec)
		if err != nil {
			return Record{}, err
		}
		if ok {
			if err := e.remote.Update(ctx, collection, found.RemoteID, rec.Fields); err != nil {
				return Record{}, fmt.Errorf("%w: %v", ErrRemoteRejected, err)
			}
			rec.RemoteID = found.RemoteID
			return rec, nil
		}
		id, err := e.remote.Create(ctx, collection, rec)
		if err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrRemoteRejected, err)
		}
		rec.RemoteID = id
		return rec, nil
	}
}

// replay delivers one queued operation, bounded by the remote deadline.
func (e *Engine) replay(ctx context.Context, op PendingOperation) error {
	_, err := RunWithTimeout(ctx, e.config.RemoteTimeout, string(op.Type), func(cctx context.Context) (struct{}, error) {
		if op.Criteria != nil {
			return struct{}{}, e.deleteRemoteByCriteria(cctx, op.Collection, op.Criteria)
		}
		if op.Record == nil {
			// Nothing to replay; treat as delivered.
			return struct{}{}, nil
		}
		kind := op.Type.Kind()
		result, err := e.applyRemote(cctx, kind, op.Collection, *op.Record)
		if err != nil {
			return struct{}{}, err
		}
		if kind != OpDelete {
			spec := e.specs.For(op.Collection)
			if err := e.local.MarkSynced(cctx, op.Collection, spec.KeyOf(*op.Record), result.RemoteID); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	return err
}

// deleteRemoteByCriteria resolves a filter delete against the current
// remote state and removes every match.
func (e *Engine) deleteRemoteByCriteria(ctx context.Context, collection string, criteria map[string]any) error {
	matches, err := e.remote.Query(ctx, collection, criteria, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteRejected, err)
	}
	for _, rec := range matches {
		if rec.RemoteID == "" {
			continue
		}
		if err := e.remote.Delete(ctx, collection, rec.RemoteID); err != nil {
			return fmt.Errorf("%w: %v", ErrRemoteRejected, err)
		}
	}
	return nil
}

// settleAndSync waits out the settle window after an online transition
// before draining, so flapping links do not thrash the remote store.
func (e *Engine) settleAndSync(ctx context.Context) {
	if err := sleepWithContext(ctx, e.config.SettleDelay); err != nil {
		return
	}
	e.TriggerSync(ctx)
}

// drainLoop periodically drains the queue with exponential backoff on
// repeated failure.
func (e *Engine) drainLoop(ctx context.Context) {
	backoff := e.config.BackoffMin
	for {
		if err := sleepWithContext(ctx, e.config.DrainInterval); err != nil {
			return
		}
		if !e.monitor.IsOnline() {
			continue
		}
		if err := e.Drain(ctx); err != nil {
			e.logger.Warn("Periodic drain failed", "error", err)
			if err := sleepWithContext(ctx, backoff); err != nil {
				return
			}
			backoff *= 2
			if backoff > e.config.BackoffMax {
				backoff = e.config.BackoffMax
			}
		} else {
			backoff = e.config.BackoffMin
		}
	}
}

// reconcileLoop runs the lower-frequency self-healing pass.
func (e *Engine) reconcileLoop(ctx context.Context) {
	for {
		if err := sleepWithContext(ctx, e.config.ReconcileInterval); err != nil {
			return
		}
		if !e.monitor.IsOnline() {
			continue
		}
		if err := e.Reconcile(ctx); err != nil {
			e.logger.Warn("Periodic reconciliation failed", "error", err)
		}
	}
}
