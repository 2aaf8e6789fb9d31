package tabcomm

import (
	"fmt"
	"sort"
	"sync"
)

// Router holds listeners by message name and delivers requests to them.
type Router interface {
	Register(name string, fn Listener, once bool) ListenerID
	Unregister(name string, id ListenerID) bool
	// Dispatch invokes the listeners for msg.Name in registration order and
	// returns one error per listener that panicked.
	Dispatch(msg *Message) []error
}

type registration struct {
	id   ListenerID
	fn   Listener
	once bool
}

// Registry is the in-memory Router. A name with no listeners has no entry.
type Registry struct {
	mu     sync.Mutex
	nextID ListenerID
	byName map[string][]registration
}

var _ Router = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string][]registration)}
}

func (r *Registry) Register(name string, fn Listener, once bool) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.byName[name] = append(r.byName[name], registration{id: id, fn: fn, once: once})
	return id
}

// Unregister removes a listener. Unknown names or ids are ignored.
func (r *Registry) Unregister(name string, id ListenerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.byName[name]
	for i, reg := range regs {
		if reg.id != id {
			continue
		}
		r.removeLocked(name, i)
		return true
	}
	return false
}

func (r *Registry) removeLocked(name string, i int) {
	regs := r.byName[name]
	if len(regs) == 1 {
		delete(r.byName, name)
		return
	}
	out := make([]registration, 0, len(regs)-1)
	out = append(out, regs[:i]...)
	out = append(out, regs[i+1:]...)
	r.byName[name] = out
}

// Len returns the number of listeners registered for name.
func (r *Registry) Len(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName[name])
}

// Names returns every name with at least one listener.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Dispatch(msg *Message) []error {
	var errs []error
	for _, reg := range r.take(msg.Name) {
		if err := invoke(reg.fn, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// take snapshots the listeners for name and drops once-registrations before
// any of them runs, so a listener that registers or removes others does not
// disturb the current dispatch.
func (r *Registry) take(name string) []registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.byName[name]
	if len(regs) == 0 {
		return nil
	}
	snapshot := append([]registration(nil), regs...)
	kept := regs[:0:0]
	for _, reg := range regs {
		if !reg.once {
			kept = append(kept, reg)
		}
	}
	if len(kept) == 0 {
		delete(r.byName, name)
	} else {
		r.byName[name] = kept
	}
	return snapshot
}

func invoke(fn Listener, msg *Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("listener for %q panicked: %v", msg.Name, rec)
		}
	}()
	fn(msg.Args, msg.Ack)
	return nil
}
