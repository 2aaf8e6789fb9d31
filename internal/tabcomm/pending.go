package tabcomm

import (
	"sync"
	"time"
)

// pendingCall is one EmitWithTimeout waiting for its acknowledgement.
type pendingCall struct {
	name    string
	started time.Time
	timer   *time.Timer
	done    chan struct{}
	once    sync.Once

	args Args
	err  error
}

// settle records the outcome. Only the first call has any effect.
func (p *pendingCall) settle(args Args, err error) bool {
	settled := false
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.args, p.err = args, err
		close(p.done)
		settled = true
	})
	return settled
}

// Correlator matches acknowledgements to pending calls by message name and
// fails calls whose timer fires first.
type Correlator struct {
	mu     sync.Mutex
	closed bool
	byName map[string][]*pendingCall
}

func NewCorrelator() *Correlator {
	return &Correlator{byName: make(map[string][]*pendingCall)}
}

// add registers a waiter and arms its timer before the caller emits anything.
func (c *Correlator) add(name string, timeout time.Duration) (*pendingCall, error) {
	call := &pendingCall{name: name, started: time.Now(), done: make(chan struct{})}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.byName[name] = append(c.byName[name], call)
	call.timer = time.AfterFunc(timeout, func() { c.expire(call) })
	return call, nil
}

// resolve settles every call pending on name with args. It returns how many
// calls were settled; a late acknowledgement settles none.
func (c *Correlator) resolve(name string, args Args) int {
	c.mu.Lock()
	calls := c.byName[name]
	delete(c.byName, name)
	c.mu.Unlock()

	n := 0
	for _, call := range calls {
		if call.settle(args, nil) {
			n++
		}
	}
	return n
}

func (c *Correlator) expire(call *pendingCall) {
	c.fail(call, ErrAckTimeout)
}

// fail settles call with err unless it has already been resolved.
func (c *Correlator) fail(call *pendingCall, err error) {
	c.mu.Lock()
	found := c.removeLocked(call)
	c.mu.Unlock()
	if found {
		call.settle(nil, err)
	}
}

func (c *Correlator) removeLocked(call *pendingCall) bool {
	calls := c.byName[call.name]
	for i, p := range calls {
		if p != call {
			continue
		}
		if len(calls) == 1 {
			delete(c.byName, call.name)
		} else {
			c.byName[call.name] = append(calls[:i:i], calls[i+1:]...)
		}
		return true
	}
	return false
}

// Len returns the number of unsettled calls.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, calls := range c.byName {
		n += len(calls)
	}
	return n
}

// close fails every pending call with err and rejects new ones.
func (c *Correlator) close(err error) {
	c.mu.Lock()
	c.closed = true
	all := c.byName
	c.byName = make(map[string][]*pendingCall)
	c.mu.Unlock()

	for _, calls := range all {
		for _, call := range calls {
			call.settle(nil, err)
		}
	}
}
