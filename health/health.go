// Package health reports whether a courier host can move messages.
//
// A Registry runs its checkers concurrently and folds their results into one Report; the worst
// status wins. Handler, Readiness and Liveness expose the registry over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Result is the outcome of one check.
type Result struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	CheckedAt time.Time      `json:"checkedAt"`
	Took      time.Duration  `json:"took"`
}

// Report folds the results of every registered check.
type Report struct {
	Status    Status            `json:"status"`
	CheckedAt time.Time         `json:"checkedAt"`
	Took      time.Duration     `json:"took"`
	Checks    map[string]Result `json:"checks"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Checker is a single health check
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) Result
}

// Func adapts fn to a Checker named name.
func Func(name string, fn func(ctx context.Context) Result) Checker {
	return funcChecker{name: name, fn: fn}
}

func (c funcChecker) Name() string                     { return c.name }
func (c funcChecker) Check(ctx context.Context) Result { return c.fn(ctx) }

// Registry holds the checks of one host.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	labels   map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		labels:   make(map[string]string),
	}
}

// Register adds c, replacing a checker with the same name.
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	r.checkers[c.Name()] = c
	r.mu.Unlock()
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.checkers, name)
	r.mu.Unlock()
}

// Label attaches a static key/value pair to every report, such as the host name.
func (r *Registry) Label(key, value string) {
	r.mu.Lock()
	r.labels[key] = value
	r.mu.Unlock()
}

// Names returns the registered check names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every checker concurrently. A checker still running when ctx ends is reported
// unhealthy with the context error.
func (r *Registry) Check(ctx context.Context) Report {
	started := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	labels := make(map[string]string, len(r.labels))
	for k, v := range r.labels {
		labels[k] = v
	}
	r.mu.RUnlock()

	done := make(chan Result, len(checkers))
	for _, c := range checkers {
		go func(c Checker) {
			res := c.Check(ctx)
			res.Name = c.Name()
			done <- res
		}(c)
	}

	report := Report{Status: StatusHealthy, Checks: make(map[string]Result, len(checkers)), Labels: labels}
	for len(report.Checks) < len(checkers) {
		select {
		case res := <-done:
			report.Checks[res.Name] = res
		case <-ctx.Done():
			for _, c := range checkers {
				if _, ok := report.Checks[c.Name()]; !ok {
					report.Checks[c.Name()] = Result{
						Name:      c.Name(),
						Status:    StatusUnhealthy,
						Message:   "check did not finish",
						Error:     ctx.Err().Error(),
						CheckedAt: started,
						Took:      time.Since(started),
					}
				}
			}
		}
	}
	for _, res := range report.Checks {
		if res.Status.severity() > report.Status.severity() {
			report.Status = res.Status
		}
	}
	report.CheckedAt = started
	report.Took = time.Since(started)
	return report
}

// Handler serves the full report as JSON. Unhealthy answers 503, degraded still answers 200.
func Handler(r *Registry, timeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), timeout)
		defer cancel()
		report := r.Check(ctx)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus(report.Status))
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	})
}

// Readiness answers 503 while the registry reports unhealthy.
func Readiness(r *Registry, timeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), timeout)
		defer cancel()
		status := r.Check(ctx).Status
		w.WriteHeader(httpStatus(status))
		_, _ = w.Write([]byte(status))
	})
}

// Liveness answers 200 as long as the process serves HTTP.
func Liveness() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	})
}

func httpStatus(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
