package batch

import (
	"sync"

	"github.com/schaermu/metasyncd/internal/metadata"
)

// PendingRef records the id the remote assigned to a component written
// earlier in the same run.
type PendingRef struct {
	Reference  string
	ResolvedID string
	Name       string
	Type       string
	Version    int
}

// PendingRefs is the run-scoped index of resolved references
type PendingRefs struct {
	mu   sync.Mutex
	refs map[string]PendingRef
}

// NewPendingRefs creates an empty index
func NewPendingRefs() *PendingRefs {
	return &PendingRefs{refs: make(map[string]PendingRef)}
}

// Add stores or replaces the reference of a component.
func (p *PendingRefs) Add(ref PendingRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs[metadata.Key(ref.Type, ref.Name)] = ref
}

// Lookup returns the reference of a component written earlier in the run.
func (p *PendingRefs) Lookup(typ, name string) (PendingRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.refs[metadata.Key(typ, name)]
	return ref, ok
}

// Forget drops the reference of a deleted component.
func (p *PendingRefs) Forget(typ, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.refs, metadata.Key(typ, name))
}

// Len returns the number of known references.
func (p *PendingRefs) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.refs)
}
