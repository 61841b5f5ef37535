package escrow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type (
	// SnapshotWorker saves account projections in the background so escrow
	// commands never wait on snapshot writes. Requests for one account may
	// arrive out of order; the store keeps the newest
	SnapshotWorker struct {
		store  *Store
		ctx    context.Context
		queue  chan snapshotRequest
		cancel context.CancelFunc
		logger *zap.Logger
		config StoreConfig
		wg     sync.WaitGroup
	}

	snapshotRequest struct {
		proj *projection
		id   AccountID
	}
)

func NewSnapshotWorker(
	store *Store, config StoreConfig, logger *zap.Logger,
) *SnapshotWorker {
	ctx, cancel := context.WithCancel(context.Background())

	sw := &SnapshotWorker{
		store:  store,
		config: config,
		logger: logger.Named("snapshot"),
		queue:  make(chan snapshotRequest, max(config.MaxQueueSize, 1)),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := range max(config.WorkerCount, 1) {
		sw.wg.Add(1)
		go sw.worker(i)
	}

	return sw
}

func (sw *SnapshotWorker) worker(id int) {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.ctx.Done():
			return
		case req := <-sw.queue:
			sw.saveSnapshot(id, req)
		}
	}
}

func (sw *SnapshotWorker) saveSnapshot(workerID int, req snapshotRequest) {
	ctx, cancel := context.WithTimeout(sw.ctx, sw.config.SaveTimeout)
	defer cancel()

	start := time.Now()
	acc, seq := req.proj.State, req.proj.NextSequence
	err := sw.store.PutSnapshot(ctx, req.id, acc, seq)
	duration := time.Since(start)

	if err != nil {
		sw.logger.Error("failed to save snapshot",
			zap.Int("worker_id", workerID),
			zap.String("account_id", string(req.id)),
			zap.Int64("sequence", seq),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}

	sw.logger.Debug("snapshot saved",
		zap.Int("worker_id", workerID),
		zap.String("account_id", string(req.id)),
		zap.String("status", string(acc.Status)),
		zap.Int64("sequence", seq),
		zap.Duration("duration", duration),
	)
}

func (sw *SnapshotWorker) enqueue(id AccountID, proj *projection) bool {
	req := snapshotRequest{id: id, proj: proj}

	select {
	case sw.queue <- req:
		return true
	default:
		sw.logger.Warn("snapshot queue full, dropping request",
			zap.String("account_id", string(id)),
			zap.Int64("sequence", proj.NextSequence),
			zap.Int("queue_size", len(sw.queue)),
		)
		return false
	}
}

func (sw *SnapshotWorker) Stop() {
	sw.cancel()
	sw.wg.Wait()
}
