package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Oligofornet/session-android/config"
)

type fakeJob struct {
	id       string
	failures int
	max      int
	perm     bool

	lock sync.Mutex
	runs int
}

func (j *fakeJob) ID() string { return j.id }

func (j *fakeJob) Execute(ctx context.Context) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	j.runs++
	if j.perm {
		return Permanent(errors.New("unrecoverable"))
	}
	if j.runs <= j.failures {
		return errors.New("transient")
	}
	return nil
}

func (j *fakeJob) Serialize() ([]byte, error) { return []byte(j.id), nil }
func (j *fakeJob) MaxFailureCount() int       { return j.max }

type recordingDelegate struct {
	lock      sync.Mutex
	succeeded []string
	failed    []string
	permanent []string
	done      chan struct{}
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{done: make(chan struct{}, 16)}
}

func (d *recordingDelegate) JobSucceeded(job Job) {
	d.lock.Lock()
	d.succeeded = append(d.succeeded, job.ID())
	d.lock.Unlock()
	d.done <- struct{}{}
}

func (d *recordingDelegate) JobFailed(job Job, err error) {
	d.lock.Lock()
	d.failed = append(d.failed, job.ID())
	d.lock.Unlock()
}

func (d *recordingDelegate) JobFailedPermanently(job Job, err error) {
	d.lock.Lock()
	d.permanent = append(d.permanent, job.ID())
	d.lock.Unlock()
	d.done <- struct{}{}
}

func waitFor(t *testing.T, d *recordingDelegate, n int) {
	t.Helper()
	for i := 0; i != n; i++ {
		select {
		case <-d.done:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for jobs to finish")
		}
	}
}

func TestQueueRetriesThenSucceeds(t *testing.T) {
	cfg := config.NewConfig(config.WithRootDir(t.TempDir()))
	delegate := newRecordingDelegate()
	q := NewQueue(cfg, delegate)
	defer q.Shutdown()

	job := &fakeJob{id: uuid.NewString(), failures: 2, max: 5}
	require.NoError(t, q.Add("receive", job))
	waitFor(t, delegate, 1)

	require.Equal(t, []string{job.id}, delegate.succeeded)
	require.Len(t, delegate.failed, 2)
	require.Empty(t, delegate.permanent)
	require.Equal(t, 3, job.runs)
}

func TestQueueFailsPermanentlyAtLimit(t *testing.T) {
	cfg := config.NewConfig(config.WithRootDir(t.TempDir()))
	delegate := newRecordingDelegate()
	q := NewQueue(cfg, delegate)
	defer q.Shutdown()

	job := &fakeJob{id: uuid.NewString(), failures: 10, max: 1}
	require.NoError(t, q.Add("receive", job))
	waitFor(t, delegate, 1)

	require.Empty(t, delegate.succeeded)
	require.Equal(t, []string{job.id}, delegate.permanent)
	require.Equal(t, 1, job.runs)
}

func TestQueuePermanentErrorSkipsRetry(t *testing.T) {
	cfg := config.NewConfig(config.WithRootDir(t.TempDir()))
	delegate := newRecordingDelegate()
	q := NewQueue(cfg, delegate)
	defer q.Shutdown()

	job := &fakeJob{id: uuid.NewString(), perm: true, max: 10}
	require.NoError(t, q.Add("receive", job))
	waitFor(t, delegate, 1)

	require.Equal(t, []string{job.id}, delegate.permanent)
	require.Equal(t, 1, job.runs)
}

func TestQueueOrdersJobsPerKey(t *testing.T) {
	cfg := config.NewConfig(config.WithRootDir(t.TempDir()))
	delegate := newRecordingDelegate()
	q := NewQueue(cfg, delegate)
	defer q.Shutdown()

	a := &fakeJob{id: "a", max: 1}
	b := &fakeJob{id: "b", max: 1}
	c := &fakeJob{id: "c", max: 1}
	require.NoError(t, q.Add("thread-1", a))
	require.NoError(t, q.Add("thread-1", b))
	require.NoError(t, q.Add("thread-1", c))
	waitFor(t, delegate, 3)

	require.Equal(t, []string{"a", "b", "c"}, delegate.succeeded)
}

func TestQueueRejectsAfterShutdown(t *testing.T) {
	cfg := config.NewConfig(config.WithRootDir(t.TempDir()))
	q := NewQueue(cfg, newRecordingDelegate())
	q.Shutdown()
	err := q.Add("receive", &fakeJob{id: "x", max: 1})
	require.ErrorIs(t, err, ErrQueueClosed)
}