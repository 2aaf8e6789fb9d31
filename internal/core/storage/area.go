package storage

import (
	"fmt"
	"sync"
	"sync/atomic"

	"ClawdCity-TabComm/internal/logger"

	"github.com/google/uuid"
)

const defaultBuffer = 256

// Area is one origin's shared store. Contexts attach to it and mutate it
// through their own Context handle.
type Area struct {
	backend Backend
	buffer  int
	log     *logger.Logger

	mu        sync.Mutex
	closed    bool
	contexts  map[string]*Context
	nextSub   int
	subs      map[int]*subscriber
	nextObs   int
	observers map[int]func(Change)

	dropped atomic.Int64
}

type subscriber struct {
	context string
	ch      chan Change
}

// AreaOption configures an Area.
type AreaOption func(*Area)

// WithBuffer sets the per-subscriber notification buffer.
func WithBuffer(n int) AreaOption {
	return func(a *Area) {
		if n > 0 {
			a.buffer = n
		}
	}
}

// WithLogger sets the logger used for dropped notifications.
func WithLogger(l *logger.Logger) AreaOption {
	return func(a *Area) {
		if l != nil {
			a.log = l
		}
	}
}

func NewArea(backend Backend, opts ...AreaOption) *Area {
	a := &Area{
		backend:   backend,
		buffer:    defaultBuffer,
		log:       logger.Discard(),
		contexts:  make(map[string]*Context),
		subs:      make(map[int]*subscriber),
		observers: make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Attach registers a new browsing context with a fresh id.
func (a *Area) Attach() (*Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	c := &Context{area: a, id: uuid.NewString()}
	a.contexts[c.id] = c
	return c, nil
}

// Context returns the attached context with id.
func (a *Area) Context(id string) (*Context, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.contexts[id]
	return c, ok
}

// Len returns the number of attached contexts.
func (a *Area) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.contexts)
}

// Keys lists the area's keys independent of any context.
func (a *Area) Keys() ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backend.Keys()
}

// Dropped returns how many notifications were discarded because a subscriber
// was not draining its channel.
func (a *Area) Dropped() int64 {
	return a.dropped.Load()
}

// OnChange registers fn to observe mutations made by local contexts. fn runs
// on the writer's goroutine after the mutation is committed.
func (a *Area) OnChange(fn func(Change)) func() {
	a.mu.Lock()
	id := a.nextObs
	a.nextObs++
	a.observers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

// ApplyRemote commits a mutation that originated outside this process and
// notifies every local context. Observers are not called, so a bridged change
// is never echoed back.
func (a *Area) ApplyRemote(c Change) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if c.Deleted {
		old, existed, err := a.backend.Delete(c.Key)
		if err != nil {
			return fmt.Errorf("remove %q: %w", c.Key, err)
		}
		if !existed {
			return nil
		}
		a.notifyLocked(Change{Key: c.Key, OldValue: old, Deleted: true, Context: c.Context})
		return nil
	}
	old, _, err := a.backend.Set(c.Key, c.NewValue)
	if err != nil {
		return fmt.Errorf("set %q: %w", c.Key, err)
	}
	a.notifyLocked(Change{Key: c.Key, OldValue: old, NewValue: c.NewValue, Context: c.Context})
	return nil
}

// Close detaches every context and closes the backend.
func (a *Area) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for id, s := range a.subs {
		delete(a.subs, id)
		close(s.ch)
	}
	for id, c := range a.contexts {
		c.detached.Store(true)
		delete(a.contexts, id)
	}
	a.mu.Unlock()
	return a.backend.Close()
}

func (a *Area) set(writer, key, value string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	old, _, err := a.backend.Set(key, value)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("set %q: %w", key, err)
	}
	c := Change{Key: key, OldValue: old, NewValue: value, Context: writer}
	a.notifyLocked(c)
	observers := a.observersLocked()
	a.mu.Unlock()

	for _, fn := range observers {
		fn(c)
	}
	return nil
}

func (a *Area) remove(writer, key string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	old, existed, err := a.backend.Delete(key)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("remove %q: %w", key, err)
	}
	if !existed {
		a.mu.Unlock()
		return nil
	}
	c := Change{Key: key, OldValue: old, Deleted: true, Context: writer}
	a.notifyLocked(c)
	observers := a.observersLocked()
	a.mu.Unlock()

	for _, fn := range observers {
		fn(c)
	}
	return nil
}

// notifyLocked fans c out to every subscriber except those of the writing
// context. Sends never block; a full subscriber loses the notification.
func (a *Area) notifyLocked(c Change) {
	for _, s := range a.subs {
		if s.context == c.Context {
			continue
		}
		select {
		case s.ch <- c:
		default:
			a.dropped.Add(1)
			a.log.Warn("storage subscriber full, dropping change", "context", s.context, "key", c.Key)
		}
	}
}

func (a *Area) observersLocked() []func(Change) {
	if len(a.observers) == 0 {
		return nil
	}
	out := make([]func(Change), 0, len(a.observers))
	for _, fn := range a.observers {
		out = append(out, fn)
	}
	return out
}

func (a *Area) subscribe(context string) (<-chan Change, func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, nil, ErrClosed
	}
	id := a.nextSub
	a.nextSub++
	s := &subscriber{context: context, ch: make(chan Change, a.buffer)}
	a.subs[id] = s

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if sub, ok := a.subs[id]; ok {
				delete(a.subs, id)
				close(sub.ch)
			}
		})
	}
	return s.ch, cancel, nil
}

func (a *Area) detach(c *Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.contexts, c.id)
	for id, s := range a.subs {
		if s.context == c.id {
			delete(a.subs, id)
			close(s.ch)
		}
	}
}

// Context is one browsing context attached to an Area. It implements Store.
type Context struct {
	area     *Area
	id       string
	detached atomic.Bool
}

var _ Store = (*Context)(nil)

func (c *Context) ID() string { return c.id }

func (c *Context) GetItem(key string) (string, bool, error) {
	if c.detached.Load() {
		return "", false, ErrDetached
	}
	return c.area.backend.Get(key)
}

func (c *Context) SetItem(key, value string) error {
	if c.detached.Load() {
		return ErrDetached
	}
	return c.area.set(c.id, key, value)
}

func (c *Context) RemoveItem(key string) error {
	if c.detached.Load() {
		return ErrDetached
	}
	return c.area.remove(c.id, key)
}

func (c *Context) Keys() ([]string, error) {
	if c.detached.Load() {
		return nil, ErrDetached
	}
	return c.area.Keys()
}

func (c *Context) Subscribe() (<-chan Change, func(), error) {
	if c.detached.Load() {
		return nil, nil, ErrDetached
	}
	return c.area.subscribe(c.id)
}

// Close detaches the context: its subscriptions are closed and further calls
// fail with ErrDetached.
func (c *Context) Close() error {
	if c.detached.Swap(true) {
		return nil
	}
	c.area.detach(c)
	return nil
}
