package jobs

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/Oligofornet/session-android/config"
)

// Queue runs jobs one worker per queue key, retrying failures up to each
// job's limit. Jobs with the same key execute in submission order.
type Queue struct {
	log      *zap.SugaredLogger
	delegate Delegate

	lock     sync.Mutex
	workers  map[string]chan Job
	failures map[string]int
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
}

func NewQueue(cfg *config.Config, delegate Delegate) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		log:      cfg.Logger("jobs"),
		delegate: delegate,
		workers:  make(map[string]chan Job),
		failures: make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
	}
}

var ErrQueueClosed = errors.New("jobs: queue closed")

// Add schedules a job on the named queue, starting its worker on first use.
func (q *Queue) Add(queueKey string, job Job) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	ch, ok := q.workers[queueKey]
	if !ok {
		ch = make(chan Job, 64)
		q.workers[queueKey] = ch
		q.wg.Add(1)
		go q.run(queueKey, ch)
	}
	select {
	case ch <- job:
		return nil
	case <-q.ctx.Done():
		return ErrQueueClosed
	}
}

func (q *Queue) Shutdown() {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return
	}
	q.closed = true
	for _, ch := range q.workers {
		close(ch)
	}
	q.lock.Unlock()
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) run(queueKey string, ch chan Job) {
	defer q.wg.Done()
	for job := range ch {
		q.execute(queueKey, job)
	}
}

func (q *Queue) execute(queueKey string, job Job) {
	for {
		err := job.Execute(q.ctx)
		if err == nil {
			q.log.Debugf("job %s on %s succeeded", job.ID(), queueKey)
			q.clearFailures(job)
			q.delegate.JobSucceeded(job)
			return
		}

		var perm *PermanentError
		permanent := errors.As(err, &perm)
		count := q.bumpFailures(job)
		if permanent || count >= job.MaxFailureCount() {
			q.log.Warnf("job %s on %s failed permanently: %v", job.ID(), queueKey, err)
			q.clearFailures(job)
			q.delegate.JobFailedPermanently(job, err)
			return
		}
		q.log.Infof("job %s on %s failed (attempt %d), retrying: %v", job.ID(), queueKey, count, err)
		q.delegate.JobFailed(job, err)
	}
}

func (q *Queue) bumpFailures(job Job) int {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.failures[job.ID()]++
	return q.failures[job.ID()]
}

func (q *Queue) clearFailures(job Job) {
	q.lock.Lock()
	defer q.lock.Unlock()
	delete(q.failures, job.ID())
}
