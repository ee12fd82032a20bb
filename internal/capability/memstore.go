// Package capability provides embedder-grade implementations of the engine's
// capability interfaces: stores, llm clients and XML parsing.
package capability

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/PaesslerAG/jsonpath"
)

// MemoryStore is a mutex-guarded in-memory store capability with JSONPath
// querying and cosine similarity search over stored {vector, ...} records.
// Share one instance across runs for a process-local shared store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]any)}
}

// Get returns the value under key, nil when absent.
func (s *MemoryStore) Get(_ context.Context, key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[key], nil
}

// Set writes the value under key.
func (s *MemoryStore) Set(_ context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Delete removes key, reporting whether it existed.
func (s *MemoryStore) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return false
	}
	delete(s.data, key)
	return true
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Query filters stored values. The query shape is
// {"prefix"?: keyPrefix, "path": jsonPath, "equals"?: value}; values where
// the path resolves (and matches equals, when given) are returned in key
// order.
func (s *MemoryStore) Query(_ context.Context, q any) ([]any, error) {
	spec, ok := q.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("query must be an object")
	}
	prefix, _ := spec["prefix"].(string)
	path, _ := spec["path"].(string)
	equals, hasEquals := spec["equals"]

	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]any, 0, len(keys))
	for _, k := range keys {
		v := s.data[k]
		if path == "" {
			out = append(out, v)
			continue
		}
		got, err := jsonpath.Get(path, v)
		if err != nil {
			continue
		}
		if hasEquals && fmt.Sprint(got) != fmt.Sprint(equals) {
			continue
		}
		out = append(out, v)
	}
	s.mu.RUnlock()
	return out, nil
}

// VectorSearch ranks records stored under "<collection>:" keys by cosine
// similarity of their "vector" field against the query vector.
func (s *MemoryStore) VectorSearch(_ context.Context, collection string, vector []float64, k int, filter any) ([]any, error) {
	if k <= 0 {
		k = 10
	}
	prefix := collection + ":"

	type scored struct {
		value any
		score float64
	}
	var candidates []scored

	s.mu.RLock()
	for key, v := range s.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		record, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if !matchesFilter(record, filter) {
			continue
		}
		stored, ok := floatVector(record["vector"])
		if !ok {
			continue
		}
		candidates = append(candidates, scored{value: v, score: cosine(vector, stored)})
	}
	s.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]any, len(candidates))
	for i, cand := range candidates {
		out[i] = cand.value
	}
	return out, nil
}

func matchesFilter(record map[string]any, filter any) bool {
	spec, ok := filter.(map[string]any)
	if !ok || len(spec) == 0 {
		return true
	}
	for field, want := range spec {
		if fmt.Sprint(record[field]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func floatVector(v any) ([]float64, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]float64, len(arr))
	for i, it := range arr {
		switch f := it.(type) {
		case float64:
			out[i] = f
		case int:
			out[i] = float64(f)
		default:
			return nil, false
		}
	}
	return out, true
}

func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
