package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glimte/courier-go/messaging"
)

var (
	ErrUnknownMiddleware   = errors.New("pipeline: unknown middleware")
	ErrDuplicateMiddleware = errors.New("pipeline: middleware declared twice")
	ErrMiddlewareCycle     = errors.New("pipeline: middleware order has a cycle")
	ErrNextCalledTwice     = errors.New("pipeline: next called more than once")
)

// Next invokes the rest of the pipeline.
type Next func(ctx context.Context, mc *messaging.MessageContext) error

// Middleware wraps the rest of the pipeline. Handle calls next at most once.
type Middleware interface {
	Name() string
	Handle(ctx context.Context, mc *messaging.MessageContext, next Next) error
}

type middlewareFunc struct {
	name string
	fn   func(ctx context.Context, mc *messaging.MessageContext, next Next) error
}

// MiddlewareFunc creates a function-based middleware
func MiddlewareFunc(name string, fn func(ctx context.Context, mc *messaging.MessageContext, next Next) error) Middleware {
	return &middlewareFunc{name: name, fn: fn}
}

func (m *middlewareFunc) Name() string { return m.name }

func (m *middlewareFunc) Handle(ctx context.Context, mc *messaging.MessageContext, next Next) error {
	return m.fn(ctx, mc, next)
}

// Registration places a middleware. Before lists middlewares it wraps; After lists middlewares
// that wrap it.
type Registration struct {
	Middleware Middleware
	Before     []string
	After      []string
}

// Composite is a linearised middleware chain.
type Composite struct {
	middlewares []Middleware
}

// NewComposite sorts regs and builds the chain.
func NewComposite(regs ...Registration) (*Composite, error) {
	sorted, err := Sort(regs)
	if err != nil {
		return nil, err
	}
	return &Composite{middlewares: sorted}, nil
}

// Names returns middleware names from outermost to innermost.
func (c *Composite) Names() []string {
	names := make([]string, 0, len(c.middlewares))
	for _, m := range c.middlewares {
		names = append(names, m.Name())
	}
	return names
}

// Execute runs mc through the chain and finally through handler.
func (c *Composite) Execute(ctx context.Context, mc *messaging.MessageContext, handler Next) error {
	next := handler
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		m := c.middlewares[i]
		inner := once(m.Name(), next)
		next = func(ctx context.Context, mc *messaging.MessageContext) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return m.Handle(ctx, mc, inner)
		}
	}
	return next(ctx, mc)
}

func once(caller string, next Next) Next {
	called := false
	return func(ctx context.Context, mc *messaging.MessageContext) error {
		if called {
			return fmt.Errorf("%w: %s", ErrNextCalledTwice, caller)
		}
		called = true
		return next(ctx, mc)
	}
}

// Sort orders regs so every Before/After constraint holds. Among middlewares free to go next, the
// one declared first wins.
func Sort(regs []Registration) ([]Middleware, error) {
	index := make(map[string]int, len(regs))
	for i, r := range regs {
		name := r.Middleware.Name()
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMiddleware, name)
		}
		index[name] = i
	}

	successors := make([][]int, len(regs))
	indegree := make([]int, len(regs))
	edge := func(from, to int) {
		successors[from] = append(successors[from], to)
		indegree[to]++
	}
	for i, r := range regs {
		for _, name := range r.Before {
			j, ok := index[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s is declared before %q", ErrUnknownMiddleware, r.Middleware.Name(), name)
			}
			edge(i, j)
		}
		for _, name := range r.After {
			j, ok := index[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s is declared after %q", ErrUnknownMiddleware, r.Middleware.Name(), name)
			}
			edge(j, i)
		}
	}

	placed := make([]bool, len(regs))
	out := make([]Middleware, 0, len(regs))
	for len(out) < len(regs) {
		next := -1
		for i := range regs {
			if !placed[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var remaining []string
			for i, r := range regs {
				if !placed[i] {
					remaining = append(remaining, r.Middleware.Name())
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrMiddlewareCycle, strings.Join(remaining, ", "))
		}
		placed[next] = true
		out = append(out, regs[next].Middleware)
		for _, j := range successors[next] {
			indegree[j]--
		}
	}
	return out, nil
}
