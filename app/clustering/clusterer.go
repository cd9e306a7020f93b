package clustering

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Clusterer groups feature vectors. Cluster returns one label per row of
// features; rows labelled below zero belong to no cluster.
type Clusterer interface {
	Name() string
	Cluster(features [][]float64) ([]int, error)
}

// Factory builds a Clusterer from its JSON parameters
type Factory func(params json.RawMessage) (Clusterer, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		AgglomerativeName: newAgglomerativeFromParams,
	}
)

// Register makes a clustering algorithm available by name
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New builds the named algorithm with params
func New(name string, params json.RawMessage) (Clusterer, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown clustering algorithm %q (known: %v)", name, Algorithms())
	}
	return f(params)
}

// Algorithms lists registered algorithm names
func Algorithms() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
