package messaging

import (
	"context"
	"fmt"
	"sync"
)

// RPCResult is the outcome of a request awaited through the registry.
type RPCResult struct {
	Value any
	Err   error
}

// RPCRegistry correlates request ids with callers waiting for their reply. Entries are removed
// when resolved, when the caller stops waiting, and when the registry closes.
type RPCRegistry struct {
	mu      sync.Mutex
	pending map[string]chan RPCResult
	closed  error
}

// NewRPCRegistry creates an empty registry
func NewRPCRegistry() *RPCRegistry {
	return &RPCRegistry{pending: make(map[string]chan RPCResult)}
}

// PendingRPC is a registered request awaiting resolution.
type PendingRPC struct {
	id       string
	result   chan RPCResult
	registry *RPCRegistry
}

// Register starts tracking requestID.
func (r *RPCRegistry) Register(requestID string) (*PendingRPC, error) {
	if requestID == "" {
		return nil, fmt.Errorf("messaging: request id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed != nil {
		return nil, r.closed
	}
	if _, exists := r.pending[requestID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	ch := make(chan RPCResult, 1)
	r.pending[requestID] = ch
	return &PendingRPC{id: requestID, result: ch, registry: r}, nil
}

// ID returns the request id
func (p *PendingRPC) ID() string {
	return p.id
}

// Wait blocks until the request is resolved or ctx is done. A cancelled wait removes the entry.
func (p *PendingRPC) Wait(ctx context.Context) (any, error) {
	select {
	case res := <-p.result:
		return res.Value, res.Err
	case <-ctx.Done():
		p.registry.Cancel(p.id)
		return nil, ctx.Err()
	}
}

// Resolve completes requestID with value. It reports whether a caller was waiting.
func (r *RPCRegistry) Resolve(requestID string, value any) bool {
	return r.complete(requestID, RPCResult{Value: value})
}

// Fail completes requestID with err. It reports whether a caller was waiting.
func (r *RPCRegistry) Fail(requestID string, err error) bool {
	return r.complete(requestID, RPCResult{Err: err})
}

func (r *RPCRegistry) complete(requestID string, res RPCResult) bool {
	r.mu.Lock()
	ch, ok := r.pending[requestID]
	delete(r.pending, requestID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// Pending reports whether requestID awaits resolution.
func (r *RPCRegistry) Pending(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[requestID]
	return ok
}

// Cancel forgets requestID without resolving it.
func (r *RPCRegistry) Cancel(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}

// Len returns the number of pending requests
func (r *RPCRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close fails every pending request with err (ErrEndpointStopped when nil) and refuses new ones.
func (r *RPCRegistry) Close(err error) {
	if err == nil {
		err = ErrEndpointStopped
	}
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan RPCResult)
	if r.closed == nil {
		r.closed = err
	}
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- RPCResult{Err: err}
	}
}
