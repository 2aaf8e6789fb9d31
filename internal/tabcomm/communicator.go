// Package tabcomm implements request/acknowledgement messaging between
// browsing contexts that share nothing but a storage area.
//
// A message is written as a transient entry "<prefix>:<name>" and removed
// right away; every other context sees the change notification, decodes it
// and routes it to listeners (requests) or to a waiting EmitWithTimeout call
// (acknowledgements).
package tabcomm

import (
	"context"
	"errors"
	"sync"
	"time"

	"ClawdCity-TabComm/internal/core/storage"
	"ClawdCity-TabComm/internal/logger"
	"ClawdCity-TabComm/internal/metrics"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Communicator is one context's endpoint. It subscribes to the store once in
// New. Notifications are decoded in order on one goroutine, which settles
// acknowledgements directly; requests are queued for a second goroutine that
// runs listeners serially. A listener may therefore block, including on its
// own EmitWithTimeout, without delaying acknowledgements.
type Communicator struct {
	store     storage.Store
	keys      KeyCodec
	codec     *Codec
	transport *Transport
	router    *Registry
	pending   *Correlator
	requests  *requestQueue

	log     *logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	cancel     func()
	done       chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once
	shared     bool
}

func New(store storage.Store, opts ...Option) (*Communicator, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	keys, err := NewKeyCodec(o.requestPrefix, o.ackPrefix)
	if err != nil {
		return nil, err
	}
	changes, cancel, err := store.Subscribe()
	if err != nil {
		return nil, err
	}

	codec := NewCodec(keys)
	c := &Communicator{
		store:      store,
		keys:       keys,
		codec:      codec,
		transport:  NewTransport(store, codec),
		router:     NewRegistry(),
		pending:    NewCorrelator(),
		requests:   newRequestQueue(),
		log:        o.log,
		metrics:    o.metrics,
		tracer:     o.tracer,
		cancel:     cancel,
		done:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	go c.loop(changes)
	go c.work()
	return c, nil
}

func (c *Communicator) loop(changes <-chan storage.Change) {
	defer close(c.done)
	defer c.requests.close()
	for change := range changes {
		c.handle(change)
	}
}

func (c *Communicator) work() {
	defer close(c.workerDone)
	for {
		msg, ok := c.requests.pop()
		if !ok {
			return
		}
		c.dispatch(msg)
	}
}

func (c *Communicator) handle(change storage.Change) {
	msg, err := c.codec.Decode(change)
	switch {
	case errors.Is(err, ErrTypeMismatch):
		c.log.Error("message data type mismatch", "key", change.Key, "error", err)
		c.metrics.Dropped("type_mismatch")
		return
	case err != nil:
		c.metrics.Dropped("malformed")
		return
	case msg == nil:
		return
	}
	c.metrics.Received(msg.Kind.String())

	if msg.Kind == KindAcknowledgement {
		if n := c.pending.resolve(msg.Name, msg.Args); n == 0 {
			c.log.Debug("acknowledgement without pending call", "name", msg.Name)
		}
		return
	}

	name := msg.Name
	msg.Ack = func(args ...any) error {
		return c.write(name, KindAcknowledgement, args...)
	}
	c.requests.push(msg)
}

func (c *Communicator) dispatch(msg *Message) {
	for _, err := range c.router.Dispatch(msg) {
		c.log.Error("listener failed", "name", msg.Name, "error", err)
		c.metrics.ListenerPanic()
	}
}

func (c *Communicator) write(name string, kind Kind, args ...any) error {
	if err := c.transport.Write(name, kind, args...); err != nil {
		return err
	}
	c.metrics.Emitted(kind.String())
	return nil
}

// Emit sends a fire-and-forget request.
func (c *Communicator) Emit(name string, args ...any) error {
	return c.write(name, KindRequest, args...)
}

// EmitWithTimeout sends a request and waits for its acknowledgement. The
// waiter and its timer are registered before the request is written, so an
// immediate acknowledgement cannot be missed. A negative timeout counts as
// zero. It returns the acknowledgement's arguments, ErrAckTimeout, or
// ctx.Err() if ctx ends first; ending ctx does not retract the request.
func (c *Communicator) EmitWithTimeout(ctx context.Context, name string, timeout time.Duration, args ...any) (Args, error) {
	if timeout < 0 {
		timeout = 0
	}
	ctx, span := c.tracer.Start(ctx, "tabcomm.EmitWithTimeout", trace.WithAttributes(
		attribute.String("tabcomm.name", name),
		attribute.Int64("tabcomm.timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	result, err := c.call(ctx, name, timeout, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("tabcomm.ack_args", len(result)))
	return result, nil
}

func (c *Communicator) call(ctx context.Context, name string, timeout time.Duration, args []any) (Args, error) {
	key, value, err := c.codec.Encode(name, KindRequest, args...)
	if err != nil {
		return nil, err
	}
	call, err := c.pending.add(name, timeout)
	if err != nil {
		return nil, err
	}
	c.metrics.PendingAdd(1)
	defer c.metrics.PendingAdd(-1)

	if err := c.transport.send(key, value); err != nil {
		c.pending.fail(call, err)
	} else {
		c.metrics.Emitted(KindRequest.String())
	}

	select {
	case <-call.done:
	case <-ctx.Done():
		c.pending.fail(call, ctx.Err())
		<-call.done
	}

	switch {
	case call.err == nil:
		c.metrics.ObserveCall("ack", time.Since(call.started))
	case errors.Is(call.err, ErrAckTimeout):
		c.metrics.AckTimeout()
		c.metrics.ObserveCall("timeout", time.Since(call.started))
	default:
		c.metrics.ObserveCall("error", time.Since(call.started))
	}
	return call.args, call.err
}

// On registers fn for requests named name.
func (c *Communicator) On(name string, fn Listener) ListenerID {
	return c.router.Register(name, fn, false)
}

// Once registers fn for the next request named name only.
func (c *Communicator) Once(name string, fn Listener) ListenerID {
	return c.router.Register(name, fn, true)
}

// Off removes a registration. Removing an unknown id is a no-op.
func (c *Communicator) Off(name string, id ListenerID) {
	c.router.Unregister(name, id)
}

// Listeners returns the number of listeners registered for name.
func (c *Communicator) Listeners(name string) int {
	return c.router.Len(name)
}

// ListenerNames returns every name with at least one listener, sorted.
func (c *Communicator) ListenerNames() []string {
	return c.router.Names()
}

// Queued returns the number of requests waiting for their listeners.
func (c *Communicator) Queued() int {
	return c.requests.Len()
}

// Pending returns the number of calls awaiting acknowledgement.
func (c *Communicator) Pending() int {
	return c.pending.Len()
}

// CleanMessages removes every request entry left in the store, typically by
// a context that crashed between writing and retracting. Acknowledgement
// entries and unrelated keys are kept. It returns the number removed.
func (c *Communicator) CleanMessages() (int, error) {
	keys, err := c.store.Keys()
	if err != nil {
		return 0, err
	}
	var errs []error
	removed := 0
	for _, key := range keys {
		if !c.keys.IsRequest(key) {
			continue
		}
		if err := c.store.RemoveItem(key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	c.metrics.Cleaned(removed)
	if removed > 0 {
		c.log.Info("cleaned orphaned requests", "count", removed)
	}
	return removed, errors.Join(errs...)
}

// Close stops dispatching, discards queued requests and fails pending calls
// with ErrClosed. The store itself is left open. Close waits for the running
// listener to return, so it must not be called from a listener.
func (c *Communicator) Close() error {
	c.closeOnce.Do(func() {
		releaseShared(c)
		c.cancel()
		<-c.done
		c.pending.close(ErrClosed)
		<-c.workerDone
	})
	return nil
}
