package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Func is a task function. kwargs come straight from the request.
type Func func(ctx context.Context, kwargs map[string]any) (any, error)

// Registry maps function ids to implementations.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry { return &Registry{funcs: make(map[string]Func)} }

// Register adds fn under id, replacing any previous one.
func (r *Registry) Register(id string, fn Func) {
	r.mu.Lock()
	r.funcs[id] = fn
	r.mu.Unlock()
}

func (r *Registry) Lookup(id string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[id]
	return fn, ok
}

// IDs lists registered function ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for id := range r.funcs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Builtins returns a registry with the functions every backend serves.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register("return_42", return42)
	r.Register("echo", echo)
	return r
}

// return42 sleeps for kwargs["delay"] seconds and answers 42.
func return42(ctx context.Context, kwargs map[string]any) (any, error) {
	delay, err := floatArg(kwargs, "delay")
	if err != nil {
		return nil, err
	}
	if delay > 0 {
		t := time.NewTimer(time.Duration(delay * float64(time.Second)))
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]any{"answer": 42, "delay": delay}, nil
}

func echo(_ context.Context, kwargs map[string]any) (any, error) {
	return kwargs, nil
}

func floatArg(kwargs map[string]any, name string) (float64, error) {
	v, ok := kwargs[name]
	if !ok || v == nil {
		return 0, nil
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("argument %s must be a number, got %T", name, v)
	}
}
