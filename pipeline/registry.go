package pipeline

import (
	"context"
	"sync"
)

// GenerateStreamsFunc seeds the root streams of a run.
type GenerateStreamsFunc func(ctx context.Context, rc *RunContext) error

// ProcessStreamFunc processes one stream, publishing children and data.
type ProcessStreamFunc func(ctx context.Context, sc *StreamContext) error

// ProcessDataFunc normalizes one data record into the sink.
type ProcessDataFunc func(ctx context.Context, dc *DataContext) error

// Service is the handler triple for one platform.
type Service struct {
	Platform        string
	GenerateStreams GenerateStreamsFunc
	ProcessStream   ProcessStreamFunc
	ProcessData     ProcessDataFunc
}

// Registry maps platform names to their handler services. It is populated at
// startup; a missing platform fails the unit, never the process.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Register adds or replaces the service for its platform.
func (r *Registry) Register(svc *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.Platform] = svc
}

// Lookup returns the service registered for the platform.
func (r *Registry) Lookup(platform string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[platform]
	return svc, ok
}

// Platforms returns the registered platform names.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	platforms := make([]string, 0, len(r.services))
	for p := range r.services {
		platforms = append(platforms, p)
	}
	return platforms
}
