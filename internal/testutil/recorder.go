package testutil

import (
	"context"
	"sync"
)

// Recorder is a change action that counts its invocations.
// Set Err to make every invocation fail.
type Recorder struct {
	mu    sync.Mutex
	count int
	order *[]string
	name  string
	Err   error
}

// NewRecorder returns a recorder with no shared ordering log.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// NewOrderedRecorder returns a recorder that appends name to order each time
// it runs, so tests can assert cross-change execution order.
func NewOrderedRecorder(name string, order *[]string) *Recorder {
	return &Recorder{name: name, order: order}
}

// Run records the invocation and returns r.Err.
func (r *Recorder) Run(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	if r.order != nil {
		*r.order = append(*r.order, r.name)
	}
	return r.Err
}

// Invocations returns how many times Run has been called.
func (r *Recorder) Invocations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
