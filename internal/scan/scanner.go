package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Scanner is a probe engine scoped to one bulk scan. Implementations are
// constructed by a ScannerFactory, initialized once before the first
// probe, and cleaned up when the bulk scan's worker is torn down.
//
// Probe must honor context cancellation: when the router cancels a timed
// out scan, Probe should return promptly with whatever partial document
// it accumulated. A nil document with a nil error means the probe ran but
// produced nothing (EMPTY).
type Scanner interface {
	Init(ctx context.Context) error
	Probe(ctx context.Context, target ScanTarget) (json.RawMessage, error)
	Cleanup(ctx context.Context) error
}

// ScannerFactory builds a Scanner for one bulk scan. Parallelism is the
// number of concurrent probes the caller will run against the instance.
type ScannerFactory func(bulkScanID int64, cfg ScanConfig, parallelism int) (Scanner, error)

// ScannerRegistry maps scan config kinds to factories. Workers hold one
// registry instance injected at composition time; a job whose config kind
// has no registered factory is rejected with SERIALIZATION_ERROR.
type ScannerRegistry struct {
	mu        sync.RWMutex
	factories map[string]ScannerFactory
}

// NewScannerRegistry creates an empty registry.
func NewScannerRegistry() *ScannerRegistry {
	return &ScannerRegistry{factories: make(map[string]ScannerFactory)}
}

// Register adds a factory for a config kind. Registering the same kind
// twice is a programming error.
func (r *ScannerRegistry) Register(kind string, factory ScannerFactory) error {
	if kind == "" {
		return fmt.Errorf("scan: empty scanner kind")
	}
	if factory == nil {
		return fmt.Errorf("scan: nil factory for kind %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("scan: scanner kind %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Lookup returns the factory for a kind.
func (r *ScannerRegistry) Lookup(kind string) (ScannerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[kind]
	return factory, ok
}

// Kinds returns the registered kinds, for logging and diagnostics.
func (r *ScannerRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	return kinds
}
