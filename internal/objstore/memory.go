package objstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store used by tests and the loopback dev setup.
type Memory struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failPuts error
	puts     int
	attempts int
}

func NewMemory() *Memory { return &Memory{objects: make(map[string][]byte)} }

func (m *Memory) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Put(_ context.Context, path string, data []byte, opts PutOptions) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failPuts != nil {
		return false, m.failPuts
	}
	if _, ok := m.objects[path]; ok && opts.IfAbsent {
		return false, nil
	}
	m.objects[path] = append([]byte(nil), data...)
	m.puts++
	return true, nil
}

func (m *Memory) URI(path string) string { return "mem:///" + path }

// SetFailPuts makes every following Put return err; nil restores writes.
func (m *Memory) SetFailPuts(err error) {
	m.mu.Lock()
	m.failPuts = err
	m.mu.Unlock()
}

// Puts counts successful writes.
func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// PutAttempts counts every Put call, failed ones included.
func (m *Memory) PutAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// List returns the stored paths with the given prefix, sorted.
func (m *Memory) List(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
