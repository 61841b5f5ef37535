package escrow

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

type (
	// Executor runs commands against the latest state of an account and
	// commits what they raise, retrying when another writer commits first
	Executor struct {
		store      *Store
		appliers   Appliers
		cache      *projectionCache
		clock      TimeSource
		metrics    *Metrics
		logger     *zap.Logger
		maxRetries int
	}

	// Command inspects the account and raises events on the Aggregator.
	// Returning an error aborts the command with nothing committed
	Command func(*Account, *Aggregator) error
)

func NewExecutor(store *Store, clock TimeSource, metrics *Metrics) *Executor {
	cfg := store.vault.config
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Executor{
		store:      store,
		appliers:   DefaultAppliers,
		cache:      newProjectionCache(cfg.CacheSize),
		clock:      clock,
		metrics:    metrics,
		logger:     store.logger.Named("executor"),
		maxRetries: max(cfg.MaxRetries, 1),
	}
}

// Store returns the Store the Executor commits to
func (e *Executor) Store() *Store {
	return e.store
}

// Exec runs cmd against the account and commits the raised events. When
// another writer commits first, the newer events are folded in and cmd runs
// again against the updated state
func (e *Executor) Exec(
	ctx context.Context, id AccountID, cmd Command,
) (*Account, error) {
	for range e.maxRetries {
		proj, ag, err := e.prepare(ctx, id, cmd)
		if err != nil {
			return nil, err
		}

		count, err := ag.Flush(
			func(seq int64, evs []*Event, fx Effects) error {
				return e.store.AppendEvents(ctx, id, seq, evs, fx)
			},
		)
		if err == nil {
			if count == 0 {
				return proj.State, nil
			}
			final := &projection{
				State:        ag.Value(),
				NextSequence: ag.NextSequence(),
			}
			e.cache.get(id).advance(final)
			return final.State, nil
		}

		if !e.handleVersionConflict(err, id, proj) {
			return nil, err
		}
		e.metrics.Conflicts.Inc()
		e.logger.Debug("version conflict, retrying",
			zap.String("account_id", string(id)),
			zap.Error(err),
		)
	}

	return nil, ErrMaxRetriesExceeded
}

// prepare runs cmd against the cached projection. A rejection is only
// trusted once the store confirms the cache was current: otherwise cmd runs
// again against the events other writers committed
func (e *Executor) prepare(
	ctx context.Context, id AccountID, cmd Command,
) (*projection, *Aggregator, error) {
	proj, err := e.loadProjection(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	ag, cmdErr := e.run(id, proj, cmd)
	if cmdErr == nil {
		return proj, ag, nil
	}

	fresh, err := e.refresh(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if fresh.NextSequence <= proj.NextSequence {
		return nil, nil, cmdErr
	}
	ag, err = e.run(id, fresh, cmd)
	if err != nil {
		return nil, nil, err
	}
	return fresh, ag, nil
}

func (e *Executor) run(
	id AccountID, proj *projection, cmd Command,
) (*Aggregator, error) {
	ag := newAggregator(
		id, e.appliers, proj.State, proj.NextSequence, e.clock.Now(),
	)
	if err := cmd(ag.Value(), ag); err != nil {
		return nil, err
	}
	return ag, nil
}

// Load returns the account's current state, including events committed by
// other writers since it was cached
func (e *Executor) Load(ctx context.Context, id AccountID) (*Account, error) {
	proj, err := e.refresh(ctx, id)
	if err != nil {
		return nil, err
	}
	return proj.State, nil
}

// SaveSnapshot forces an immediate snapshot save for the given account.
// This bypasses the snapshot worker queue
func (e *Executor) SaveSnapshot(ctx context.Context, id AccountID) error {
	proj, err := e.refresh(ctx, id)
	if err != nil {
		return err
	}
	return e.store.PutSnapshot(ctx, id, proj.State, proj.NextSequence)
}

func (e *Executor) refresh(
	ctx context.Context, id AccountID,
) (*projection, error) {
	proj, err := e.loadProjection(ctx, id)
	if err != nil {
		return nil, err
	}

	evs, err := e.store.GetEvents(ctx, id, proj.NextSequence)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return proj, nil
	}

	updated := e.applyEvents(proj.State, evs)
	e.cache.get(id).advance(updated)
	return updated, nil
}

func (e *Executor) handleVersionConflict(
	err error, id AccountID, proj *projection,
) bool {
	var versionErr *VersionConflictError
	if !errors.As(err, &versionErr) {
		return false
	}

	entry := e.cache.get(id)
	if evs := versionErr.NewEvents; len(evs) > 0 {
		entry.advance(e.applyEvents(proj.State, evs))
		return true
	}
	entry.reset()
	return true
}

func (e *Executor) loadProjection(
	ctx context.Context, id AccountID,
) (*projection, error) {
	entry := e.cache.get(id)
	if proj := entry.load(); proj != nil && proj.NextSequence > 0 {
		return proj, nil
	}

	proj, err := e.loadFromStore(ctx, id)
	if err != nil {
		return nil, err
	}
	entry.advance(proj)
	return proj, nil
}

func (e *Executor) loadFromStore(
	ctx context.Context, id AccountID,
) (*projection, error) {
	state := newAccount()
	res, err := e.store.GetSnapshot(ctx, id, state)
	if err != nil {
		return nil, err
	}

	proj := &projection{State: state, NextSequence: res.NextSequence}
	if len(res.AdditionalEvents) > 0 {
		proj = e.applyEvents(state, res.AdditionalEvents)
	}

	if res.ShouldSnapshot && e.store.snapshotWorker != nil {
		e.store.snapshotWorker.enqueue(id, proj)
	}
	return proj, nil
}

func (e *Executor) applyEvents(state *Account, evs []*Event) *projection {
	return &projection{
		State:        e.appliers.Apply(state, evs...),
		NextSequence: evs[len(evs)-1].Sequence + 1,
	}
}
