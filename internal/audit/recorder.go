package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pitstop.dev/internal/ids"
	"pitstop.dev/internal/obs"
)

const (
	defaultQueueSize   = 1024
	defaultMaxAttempts = 5
	defaultBaseBackoff = 250 * time.Millisecond
	appendTimeout      = 2 * time.Second
)

// AlertFunc is invoked when an entry is dropped after exhausting retries.
type AlertFunc func(entry *Entry, err error)

// Recorder writes audit entries for committed mutations. The write is
// attempted synchronously first; on failure the entry moves to a bounded
// retry queue serviced by a background worker. A failed audit write is
// alerted and counted but never blocks or reverses the business mutation
// it describes.
type Recorder struct {
	store       Store
	queue       chan *Entry
	alert       AlertFunc
	maxAttempts int
	baseBackoff time.Duration

	wg     sync.WaitGroup
	stopMu sync.Mutex
	closed bool

	clockMu sync.Mutex
	lastTS  time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithAlert overrides the default alert sink (a structured error log line).
func WithAlert(fn AlertFunc) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.alert = fn
		}
	}
}

// WithQueueSize bounds the retry backlog.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan *Entry, n)
		}
	}
}

// WithMaxAttempts bounds retries per entry.
func WithMaxAttempts(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBaseBackoff sets the first retry delay; it doubles per attempt.
func WithBaseBackoff(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.baseBackoff = d
		}
	}
}

// NewRecorder starts the retry worker and returns the recorder.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:       store,
		queue:       make(chan *Entry, defaultQueueSize),
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		alert: func(entry *Entry, err error) {
			obs.LogRequest(map[string]any{
				"ts":     time.Now().UTC().Format(time.RFC3339Nano),
				"level":  "error",
				"msg":    "audit write failed permanently",
				"action": entry.Action,
				"error":  err.Error(),
			})
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.retryLoop()
	return r
}

// Record builds and persists one audit entry. Actor identity and request
// forensics come from context metadata stamped by the HTTP layer. Call
// it only after the protected mutation has durably committed.
func (r *Recorder) Record(ctx context.Context, action, resourceType, resourceID string, oldValues, newValues any) {
	entry := &Entry{
		ID:           ids.New(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		OldValues:    marshalValues(oldValues),
		NewValues:    marshalValues(newValues),
		CreatedAt:    r.timestamp(),
	}
	if meta, ok := MetaFromContext(ctx); ok {
		entry.ActorUserID = meta.ActorUserID
		entry.OrganizationID = meta.OrganizationID
		entry.IPAddress = meta.IPAddress
		entry.UserAgent = meta.UserAgent
		entry.RequestID = meta.RequestID
	}

	// The request context may already be canceled; the mutation is
	// committed, so the audit write proceeds on its own deadline.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
	defer cancel()
	if err := r.store.Append(writeCtx, entry); err != nil {
		r.enqueue(entry, err)
	}
}

// timestamp returns UTC now, never earlier than the previous entry's
// timestamp, so "most recent change" queries order reliably even across
// wall-clock steps.
func (r *Recorder) timestamp() time.Time {
	r.clockMu.Lock()
	defer r.clockMu.Unlock()
	now := time.Now().UTC()
	if !now.After(r.lastTS) {
		now = r.lastTS.Add(time.Microsecond)
	}
	r.lastTS = now
	return now
}

func (r *Recorder) enqueue(entry *Entry, cause error) {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if r.closed {
		r.fail(entry, cause)
		return
	}
	select {
	case r.queue <- entry:
		obs.AuditQueueDepth(len(r.queue))
	default:
		r.fail(entry, fmt.Errorf("retry queue full: %w", cause))
	}
}

func (r *Recorder) retryLoop() {
	defer r.wg.Done()
	for entry := range r.queue {
		obs.AuditQueueDepth(len(r.queue))
		r.retry(entry)
	}
}

func (r *Recorder) retry(entry *Entry) {
	var lastErr error
	backoff := r.baseBackoff
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		lastErr = r.store.Append(ctx, entry)
		cancel()
		if lastErr == nil {
			return
		}
	}
	r.fail(entry, lastErr)
}

func (r *Recorder) fail(entry *Entry, err error) {
	obs.AuditWriteFailure()
	r.alert(entry, err)
}

// Close drains the retry queue and stops the worker.
func (r *Recorder) Close() {
	r.stopMu.Lock()
	if r.closed {
		r.stopMu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.stopMu.Unlock()
	r.wg.Wait()
}
