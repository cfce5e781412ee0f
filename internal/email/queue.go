package email

import (
	"errors"
	"log"
	"sync"
	"time"
)

// Job is one reply-notification delivery request.
type Job struct {
	Recipient string
	Body      string
}

// FailedJob is a job that exhausted its retries or failed permanently.
// Records accumulate until the periodic sweep purges them.
type FailedJob struct {
	Job
	Err      string
	Attempts int
	FailedAt time.Time
}

// Sender delivers one notification. *Service implements it over SMTP.
type Sender interface {
	SendReplyNotification(to, snippet string) error
}

// ErrMissingFields marks a permanently invalid job; it is never retried.
var ErrMissingFields = errors.New("recipient or body is not provided")

// maxRetries is how many times a failed delivery is re-attempted on top of
// the initial attempt.
const maxRetries = 3

// Queue runs reply-notification deliveries on its own worker pool,
// retrying failures with exponential backoff. Enqueue never blocks the
// caller.
type Queue struct {
	sender     Sender
	jobs       chan Job
	backoff    time.Duration
	sweepEvery time.Duration

	mu     sync.Mutex
	failed []FailedJob

	workers int
	wg      sync.WaitGroup
	quit    chan struct{}

	// stateMu orders Enqueue against Stop: Stop closes q.jobs under the
	// write lock, so a send can never race the close.
	stateMu sync.RWMutex
	started bool
	stopped bool
}

func NewQueue(sender Sender, workers int, backoff time.Duration) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		sender:  sender,
		jobs:    make(chan Job, 256),
		backoff: backoff,
		workers: workers,
		quit:    make(chan struct{}),
	}
}

// WithSweepInterval enables the periodic purge of failed-job records.
func (q *Queue) WithSweepInterval(interval time.Duration) *Queue {
	q.sweepEvery = interval
	return q
}

func (q *Queue) Start() {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
	if q.sweepEvery > 0 {
		q.wg.Add(1)
		go q.sweeper()
	}
}

// Stop drains in-flight work and shuts the pool down. Jobs enqueued after
// Stop are recorded as failed.
func (q *Queue) Stop() {
	q.stateMu.Lock()
	if !q.started || q.stopped {
		q.stateMu.Unlock()
		return
	}
	q.stopped = true
	close(q.quit)
	close(q.jobs)
	q.stateMu.Unlock()
	q.wg.Wait()
}

// Enqueue submits a job for asynchronous delivery. It reports false when
// the queue is saturated or stopped, in which case the job is recorded as
// failed rather than blocking the comment write path.
func (q *Queue) Enqueue(job Job) bool {
	q.stateMu.RLock()
	defer q.stateMu.RUnlock()
	if q.stopped {
		q.recordFailure(job, errors.New("queue stopped"), 0)
		return false
	}
	select {
	case q.jobs <- job:
		return true
	default:
		q.recordFailure(job, errors.New("queue full"), 0)
		return false
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.process(job)
	}
}

func (q *Queue) process(job Job) {
	if job.Recipient == "" || job.Body == "" {
		q.recordFailure(job, ErrMissingFields, 1)
		return
	}

	var err error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 && !q.wait(q.backoff<<(attempt-1)) {
			break
		}
		attempts++
		if err = q.sender.SendReplyNotification(job.Recipient, job.Body); err == nil {
			return
		}
		log.Printf("reply notification to %s failed (attempt %d): %v", job.Recipient, attempts, err)
	}
	q.recordFailure(job, err, attempts)
}

// wait sleeps for d but returns early (false) when the queue is stopping.
func (q *Queue) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.quit:
		return false
	}
}

func (q *Queue) recordFailure(job Job, err error, attempts int) {
	message := "aborted"
	if err != nil {
		message = err.Error()
	}
	q.mu.Lock()
	q.failed = append(q.failed, FailedJob{Job: job, Err: message, Attempts: attempts, FailedAt: time.Now()})
	q.mu.Unlock()
}

// FailedJobs returns a snapshot of the terminal-failure records.
func (q *Queue) FailedJobs() []FailedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]FailedJob, len(q.failed))
	copy(out, q.failed)
	return out
}

// SweepFailed purges failed-job records and returns how many were removed.
func (q *Queue) SweepFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := len(q.failed)
	q.failed = nil
	return removed
}

func (q *Queue) sweeper() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := q.SweepFailed(); removed > 0 {
				log.Printf("purged %d failed email jobs", removed)
			}
		case <-q.quit:
			return
		}
	}
}
