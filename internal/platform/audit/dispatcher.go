package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Appender persists one event. The storage engine behind it is out of scope;
// implementations wrap whatever the deployment uses for the audit table.
type Appender interface {
	Append(ctx context.Context, e *Event) error
}

// AppenderFunc adapts a function to Appender.
type AppenderFunc func(ctx context.Context, e *Event) error

func (f AppenderFunc) Append(ctx context.Context, e *Event) error { return f(ctx, e) }

const (
	defaultQueueSize     = 1024
	defaultAppendTimeout = 5 * time.Second
	appendRetries        = 2
	retryBackoff         = 250 * time.Millisecond
)

// Dispatcher decouples audit writes from the request path. Record never
// blocks the caller and never fails the request; a sink outage degrades to
// structured-log fallback entries, not to dropped events.
type Dispatcher struct {
	appender Appender
	logger   zerolog.Logger
	queue    chan *Event
	wg       sync.WaitGroup
	now      func() time.Time

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewDispatcher starts the background writer. queueSize <= 0 uses the default.
func NewDispatcher(appender Appender, logger zerolog.Logger, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		appender: appender,
		logger:   logger,
		queue:    make(chan *Event, queueSize),
		now:      time.Now,
	}
	d.wg.Add(1)
	go d.drain()
	return d
}

// Record enqueues the event. When the queue is full, or the dispatcher has
// already been closed, the event goes straight to the fallback log so it is
// surfaced rather than silently shed.
func (d *Dispatcher) Record(e *Event) {
	e.fill(d.now())

	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		d.fallback(e, nil, "audit dispatcher closed")
		return
	}

	select {
	case d.queue <- e:
	default:
		d.fallback(e, nil, "audit queue full")
	}
}

func (d *Dispatcher) drain() {
	defer d.wg.Done()
	for e := range d.queue {
		d.append(e)
	}
}

// append tries the sink with bounded retries, then falls back to the log.
func (d *Dispatcher) append(e *Event) {
	var lastErr error
	for attempt := 0; attempt <= appendRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultAppendTimeout)
		lastErr = d.appender.Append(ctx, e)
		cancel()
		if lastErr == nil {
			return
		}
	}
	d.fallback(e, lastErr, "audit sink unavailable")
}

// fallback writes the full event into the operational log stream at ERROR so
// outage tooling alerts on it and the record itself is recoverable from logs.
func (d *Dispatcher) fallback(e *Event, cause error, msg string) {
	evt := d.logger.Error()
	if cause != nil {
		evt = evt.Err(cause)
	}
	evt.
		Str("audit_id", e.ID.String()).
		Time("audit_timestamp", e.Timestamp).
		Str("category", string(e.Category)).
		Str("principal_id", e.PrincipalID).
		Str("clinic_id", e.ClinicID).
		Str("resource_type", e.ResourceType).
		Str("resource_id", e.ResourceID).
		Str("outcome", e.Outcome).
		Str("reason", e.Reason).
		Bool("alert", e.Alert).
		Msg(msg)
}

// Close flushes queued events and stops the writer. Safe to call more than
// once. ctx bounds how long the flush may take.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		// Mark closed before closing the channel so no Record can race a
		// send against the close.
		d.closeMu.Lock()
		d.closed = true
		d.closeMu.Unlock()
		close(d.queue)
	})

	flushed := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(flushed)
	}()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
