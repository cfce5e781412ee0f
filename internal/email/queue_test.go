package email

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu       sync.Mutex
	failures int
	calls    []Job
}

func (f *fakeSender) SendReplyNotification(to, snippet string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Job{Recipient: to, Body: snippet})
	if f.failures > 0 {
		f.failures--
		return errors.New("smtp unavailable")
	}
	return nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func runQueue(t *testing.T, sender Sender) *Queue {
	t.Helper()
	q := NewQueue(sender, 1, time.Millisecond)
	q.Start()
	return q
}

func TestEnqueueDelivers(t *testing.T) {
	sender := &fakeSender{}
	q := runQueue(t, sender)

	if !q.Enqueue(Job{Recipient: "author@example.com", Body: "Reply comment"}) {
		t.Fatal("Enqueue refused job")
	}
	q.Stop()

	if sender.callCount() != 1 {
		t.Fatalf("expected 1 delivery, got %d", sender.callCount())
	}
	if got := sender.calls[0]; got.Recipient != "author@example.com" || got.Body != "Reply comment" {
		t.Errorf("unexpected delivery: %+v", got)
	}
	if failed := q.FailedJobs(); len(failed) != 0 {
		t.Errorf("unexpected failures: %+v", failed)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	sender := &fakeSender{failures: 2}
	q := runQueue(t, sender)

	q.Enqueue(Job{Recipient: "author@example.com", Body: "hello"})
	q.Stop()

	if sender.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", sender.callCount())
	}
	if failed := q.FailedJobs(); len(failed) != 0 {
		t.Errorf("job should have succeeded after retries: %+v", failed)
	}
}

func TestRetriesExhausted(t *testing.T) {
	sender := &fakeSender{failures: maxRetries + 10}
	q := runQueue(t, sender)

	q.Enqueue(Job{Recipient: "author@example.com", Body: "hello"})
	q.Stop()

	if sender.callCount() != maxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", maxRetries+1, sender.callCount())
	}
	failed := q.FailedJobs()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed job, got %d", len(failed))
	}
	if failed[0].Attempts != maxRetries+1 {
		t.Errorf("expected %d recorded attempts, got %d", maxRetries+1, failed[0].Attempts)
	}
}

func TestMissingFieldsIsPermanentFailure(t *testing.T) {
	sender := &fakeSender{}
	q := runQueue(t, sender)

	q.Enqueue(Job{Recipient: "", Body: "text"})
	q.Enqueue(Job{Recipient: "a@example.com", Body: ""})
	q.Stop()

	if sender.callCount() != 0 {
		t.Fatalf("invalid jobs should never reach the sender, got %d calls", sender.callCount())
	}
	failed := q.FailedJobs()
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed jobs, got %d", len(failed))
	}
	for _, job := range failed {
		if job.Err != ErrMissingFields.Error() {
			t.Errorf("expected missing-fields failure, got %q", job.Err)
		}
	}
}

func TestSweepFailed(t *testing.T) {
	sender := &fakeSender{}
	q := runQueue(t, sender)

	q.Enqueue(Job{})
	q.Stop()

	if removed := q.SweepFailed(); removed != 1 {
		t.Fatalf("expected 1 purged record, got %d", removed)
	}
	if len(q.FailedJobs()) != 0 {
		t.Error("failed records should be empty after sweep")
	}
}

func TestEnqueueAfterStopIsRejected(t *testing.T) {
	sender := &fakeSender{}
	q := runQueue(t, sender)
	q.Stop()

	if q.Enqueue(Job{Recipient: "a@example.com", Body: "late"}) {
		t.Fatal("Enqueue accepted a job after Stop")
	}
	if sender.callCount() != 0 {
		t.Errorf("stopped queue should never reach the sender, got %d calls", sender.callCount())
	}
	failed := q.FailedJobs()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed record, got %d", len(failed))
	}
	if failed[0].Err != "queue stopped" {
		t.Errorf("expected queue-stopped failure, got %q", failed[0].Err)
	}
}

func TestShutdownAbortRecordsActualAttempts(t *testing.T) {
	sender := &fakeSender{failures: maxRetries + 10}
	q := NewQueue(sender, 1, time.Second)
	q.Start()

	q.Enqueue(Job{Recipient: "author@example.com", Body: "hello"})

	deadline := time.After(2 * time.Second)
	for sender.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the first attempt")
		case <-time.After(time.Millisecond):
		}
	}
	// the worker is now inside the first backoff; Stop aborts the retries
	q.Stop()

	failed := q.FailedJobs()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed record, got %d", len(failed))
	}
	if failed[0].Attempts != sender.callCount() {
		t.Errorf("recorded %d attempts, sender saw %d", failed[0].Attempts, sender.callCount())
	}
	if failed[0].Attempts >= maxRetries+1 {
		t.Errorf("aborted job should record fewer than %d attempts, got %d", maxRetries+1, failed[0].Attempts)
	}
}

func TestEnqueueNeverBlocks(t *testing.T) {
	// queue is never started, so the buffer fills and overflow is recorded
	q := NewQueue(&fakeSender{}, 1, time.Millisecond)

	accepted := 0
	for i := 0; i < 300; i++ {
		if q.Enqueue(Job{Recipient: "a@example.com", Body: "x"}) {
			accepted++
		}
	}
	if accepted != cap(q.jobs) {
		t.Errorf("expected %d accepted jobs, got %d", cap(q.jobs), accepted)
	}
	if overflow := len(q.FailedJobs()); overflow != 300-cap(q.jobs) {
		t.Errorf("expected %d overflow records, got %d", 300-cap(q.jobs), overflow)
	}
}
