package vfs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("refresh queue closed")

type refreshRequest struct {
	files     []*VirtualFile
	recursive bool
}

// RefreshQueue runs refresh requests on a background goroutine. Scans run
// without the store lock; each batch is applied through ApplyEvents, so
// results reach subscribers.
type RefreshQueue struct {
	pfs      *PersistentFS
	requests chan refreshRequest

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	processed atomic.Int64
	failed    atomic.Int64
}

// NewRefreshQueue starts the queue's worker. It stops when ctx is done or
// Close is called.
func NewRefreshQueue(ctx context.Context, pfs *PersistentFS, capacity int) *RefreshQueue {
	if capacity <= 0 {
		capacity = 16
	}
	ctx, cancel := context.WithCancel(ctx)
	q := &RefreshQueue{
		pfs:      pfs,
		requests: make(chan refreshRequest, capacity),
		ctx:      ctx,
		cancel:   cancel,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue schedules a refresh of files. It blocks while the queue is full.
func (q *RefreshQueue) Enqueue(recursive bool, files ...*VirtualFile) error {
	if q.ctx.Err() != nil {
		return ErrQueueClosed
	}
	req := refreshRequest{files: files, recursive: recursive}
	select {
	case q.requests <- req:
		return nil
	case <-q.ctx.Done():
		return ErrQueueClosed
	}
}

// Processed returns the number of completed requests.
func (q *RefreshQueue) Processed() int64 { return q.processed.Load() }

// Failed returns the number of requests that ended with an error.
func (q *RefreshQueue) Failed() int64 { return q.failed.Load() }

// Close stops the worker and waits for the running request to finish.
// Pending requests are dropped.
func (q *RefreshQueue) Close() {
	q.once.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}

func (q *RefreshQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case req := <-q.requests:
			q.process(req)
		}
	}
}

func (q *RefreshQueue) process(req refreshRequest) {
	events, err := q.pfs.Refresh(q.ctx, req.recursive, req.files...)
	if err != nil {
		q.failed.Add(1)
		if !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("queued refresh failed")
		}
	}
	log.WithFields(log.Fields{"files": len(req.files), "events": len(events)}).Debug("queued refresh done")
	q.processed.Add(1)
}
