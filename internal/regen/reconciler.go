package regen

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"regenbridge/internal/dom"
	"regenbridge/internal/facts"
)

// FactSink is the minimal interface the core needs from the diagnostics
// layer.
type FactSink interface {
	Add(ctx context.Context, fs []facts.Fact) error
}

// Reconciler makes the set of injected controls consistent with the anchor
// markers currently in the document. Passes are idempotent: re-running with
// no intervening DOM change produces no visible change and no duplicates.
type Reconciler struct {
	doc      dom.Document
	registry *AnchorRegistry
	sink     FactSink

	// Serializes passes; mutation notifications and explicit refreshes may
	// race from different goroutines.
	mu sync.Mutex
}

func NewReconciler(doc dom.Document, registry *AnchorRegistry, sink FactSink) *Reconciler {
	return &Reconciler{
		doc:      doc,
		registry: registry,
		sink:     sink,
	}
}

// Reconcile runs one full pass: prune the registry, then for every anchor
// presently in the document ensure exactly one control exists or is absent
// according to the anchor's locked flag, refreshing control metadata
// unconditionally.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := r.registry.Prune()
	for _, key := range pruned {
		r.emit(ctx, facts.Fact{
			Predicate: "anchor_pruned",
			Args:      []interface{}{key, time.Now().UnixMilli()},
			Timestamp: time.Now(),
		})
	}

	anchors, err := r.doc.Anchors()
	if err != nil {
		return fmt.Errorf("query anchors: %w", err)
	}

	for _, anchor := range anchors {
		r.registry.Register(anchor)
		meta := anchor.Meta()
		if meta.Key == "" {
			continue
		}

		block, ok := anchor.TargetBlock()
		if !ok {
			// No input-bearing block near this anchor; nothing to manage.
			continue
		}

		if anchor.Locked() {
			if _, had := block.Control(); had {
				block.RemoveControl()
				r.emit(ctx, facts.Fact{
					Predicate: "control_removed",
					Args:      []interface{}{meta.Key, time.Now().UnixMilli()},
					Timestamp: time.Now(),
				})
			}
			continue
		}

		block.MarkEligible()
		ctrl, ok := block.Control()
		if !ok {
			created, err := block.AttachControl(meta)
			if err != nil {
				log.Printf("[reconcile:%s] attach control: %v", meta.Key, err)
				continue
			}
			ctrl = created
			r.emit(ctx, facts.Fact{
				Predicate: "control_created",
				Args:      []interface{}{meta.Key, time.Now().UnixMilli()},
				Timestamp: time.Now(),
			})
		}
		// The anchor's data may have changed since the control was created.
		ctrl.SetMeta(meta)
	}

	return nil
}

// Run consumes coarse-grained change notifications until ctx is done,
// running a full pass per notification. Each signal triggers a re-scan
// rather than incremental patching; the anchor count is small.
func (r *Reconciler) Run(ctx context.Context, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if err := r.Reconcile(ctx); err != nil {
				log.Printf("[reconcile] pass failed: %v", err)
			}
		}
	}
}

func (r *Reconciler) emit(ctx context.Context, f facts.Fact) {
	if r.sink == nil {
		return
	}
	_ = r.sink.Add(ctx, []facts.Fact{f})
}
