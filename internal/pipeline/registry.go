package pipeline

import (
	"sync"

	"genweaver/internal/core"
)

// registry holds what stages of one run have produced, so downstream stages
// can pick it up by name. Parallel stages publish concurrently.
type registry struct {
	mu sync.RWMutex

	// docs by root display name, and the ordered names each stage produced.
	docs        map[string]*core.SpecDocument
	docsByStage map[string][]string

	// sets by generation target name, and the target each stage produced.
	sets        map[string]*core.GeneratedArtifactSet
	setsByStage map[string][]string
}

func newRegistry() *registry {
	return &registry{
		docs:        make(map[string]*core.SpecDocument),
		docsByStage: make(map[string][]string),
		sets:        make(map[string]*core.GeneratedArtifactSet),
		setsByStage: make(map[string][]string),
	}
}

func (r *registry) putDocs(stage string, docs []*core.SpecDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(docs))
	for _, d := range docs {
		r.docs[d.Name()] = d
		names = append(names, d.Name())
	}
	r.docsByStage[stage] = names
}

func (r *registry) doc(name string) (*core.SpecDocument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[name]
	return d, ok
}

// docsOf returns the documents produced by stages, in the given stage order.
func (r *registry) docsOf(stages []string) []*core.SpecDocument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.SpecDocument
	for _, s := range stages {
		for _, name := range r.docsByStage[s] {
			out = append(out, r.docs[name])
		}
	}
	return out
}

func (r *registry) putSet(stage string, set *core.GeneratedArtifactSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[set.Target] = set
	r.setsByStage[stage] = append(r.setsByStage[stage], set.Target)
}

func (r *registry) set(target string) (*core.GeneratedArtifactSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sets[target]
	return s, ok
}

func (r *registry) setsOf(stages []string) []*core.GeneratedArtifactSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.GeneratedArtifactSet
	for _, s := range stages {
		for _, target := range r.setsByStage[s] {
			out = append(out, r.sets[target])
		}
	}
	return out
}
