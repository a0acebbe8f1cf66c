package regen

import (
	"sync"

	"regenbridge/internal/dom"
)

// AnchorRegistry maps stable logical keys to the currently-live anchor for
// that key. Entries are non-owning: the host page may detach an element at
// any moment, so the registry must be pruned before any lookup that will
// drive a DOM mutation.
type AnchorRegistry struct {
	mu      sync.Mutex
	anchors map[string]dom.Anchor
}

func NewAnchorRegistry() *AnchorRegistry {
	return &AnchorRegistry{
		anchors: make(map[string]dom.Anchor),
	}
}

// Register stores or overwrites the mapping for the anchor's key. Anchors
// without a key are ignored.
func (r *AnchorRegistry) Register(anchor dom.Anchor) {
	if anchor == nil {
		return
	}
	key := anchor.Meta().Key
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anchors[key] = anchor
}

// Prune removes every entry whose element has left the document and returns
// the keys that were dropped.
func (r *AnchorRegistry) Prune() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dropped []string
	for key, anchor := range r.anchors {
		if !anchor.Connected() {
			delete(r.anchors, key)
			dropped = append(dropped, key)
		}
	}
	return dropped
}

// Lookup returns the live anchor for key, if one is registered.
func (r *AnchorRegistry) Lookup(key string) (dom.Anchor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	anchor, ok := r.anchors[key]
	return anchor, ok
}

// Keys returns the currently registered keys (no ordering guarantee).
func (r *AnchorRegistry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.anchors))
	for k := range r.anchors {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of registered anchors.
func (r *AnchorRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.anchors)
}
