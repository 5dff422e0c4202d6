package llmclient

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted is the cancellation cause recorded when a Controller is aborted.
var ErrAborted = errors.New("stream aborted")

// Controller cancels one in-flight stream. Abort is safe to call any number
// of times, from any goroutine, including after the stream has finished.
type Controller struct {
	cancel context.CancelCauseFunc
	once   sync.Once
	done   chan struct{}
}

func newController(parent context.Context) (*Controller, context.Context) {
	ctx, cancel := context.WithCancelCause(parent)
	return &Controller{cancel: cancel, done: make(chan struct{})}, ctx
}

func (c *Controller) Abort() {
	if c == nil {
		return
	}
	c.once.Do(func() {
		close(c.done)
		c.cancel(ErrAborted)
	})
}

// Aborted reports whether Abort has been called.
func (c *Controller) Aborted() bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return true
	default:
	}
	return false
}

// Key identifies a message within a conversation.
type Key struct {
	SessionIndex int
	MessageIndex int
}

// Registry maps messages to the controller of their in-flight request so
// a UI can stop a stream it did not start. A retry may overwrite a key
// before the previous entry was removed; the last Add wins.
type Registry struct {
	mu          sync.Mutex
	controllers map[Key]*Controller
}

func NewRegistry() *Registry {
	return &Registry{controllers: map[Key]*Controller{}}
}

func (r *Registry) Add(key Key, c *Controller) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.controllers[key] = c
	r.mu.Unlock()
}

// Stop aborts the controller stored under key. It does not remove the entry.
func (r *Registry) Stop(key Key) {
	r.mu.Lock()
	c := r.controllers[key]
	r.mu.Unlock()
	c.Abort()
}

func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	delete(r.controllers, key)
	r.mu.Unlock()
}

// Track adds c under key and returns a release func that removes the entry
// only while it still holds c, so a finished stream cannot evict its retry.
func (r *Registry) Track(key Key, c *Controller) (release func()) {
	r.Add(key, c)
	return func() {
		r.mu.Lock()
		if r.controllers[key] == c {
			delete(r.controllers, key)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}
