package regen

import (
	"context"
	"sync"

	"regenbridge/internal/dom"
	"regenbridge/internal/facts"
)

// In-memory DOM doubles. They mirror how the live page behaves: anchors
// resolve to blocks, blocks carry at most one control and one input field,
// and everything tolerates concurrent access from the coordinator's
// response goroutines.

var (
	_ dom.Document = (*fakeDoc)(nil)
	_ dom.Anchor   = (*fakeAnchor)(nil)
	_ dom.Block    = (*fakeBlock)(nil)
	_ dom.Control  = (*fakeControl)(nil)
	_ dom.Field    = (*fakeField)(nil)
	_ dom.Notifier = (*fakeNotifier)(nil)
)

type fakeControl struct {
	mu           sync.Mutex
	meta         dom.ControlMeta
	loading      bool
	setMetaCalls int
	loadingCalls []bool
}

func (c *fakeControl) SetMeta(meta dom.ControlMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta = meta
	c.setMetaCalls++
	return nil
}

func (c *fakeControl) SetLoading(loading bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading = loading
	c.loadingCalls = append(c.loadingCalls, loading)
	return nil
}

func (c *fakeControl) currentMeta() dom.ControlMeta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

func (c *fakeControl) isLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

type fakeField struct {
	mu       sync.Mutex
	value    string
	readErr  error
	writeErr error
	writes   []string
}

func (f *fakeField) Value() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return "", f.readErr
	}
	return f.value, nil
}

func (f *fakeField) SetValue(v string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.value = v
	f.writes = append(f.writes, v)
	return nil
}

func (f *fakeField) current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *fakeField) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type fakeBlock struct {
	mu          sync.Mutex
	control     *fakeControl
	field       *fakeField
	eligible    bool
	attachCount int
	removeCount int
}

func (b *fakeBlock) Control() (dom.Control, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.control == nil {
		return nil, false
	}
	return b.control, true
}

func (b *fakeBlock) AttachControl(meta dom.ControlMeta) (dom.Control, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.control == nil {
		b.control = &fakeControl{meta: meta}
		b.attachCount++
	}
	return b.control, nil
}

func (b *fakeBlock) RemoveControl() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.control != nil {
		b.control = nil
		b.removeCount++
	}
	return nil
}

func (b *fakeBlock) MarkEligible() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eligible = true
	return nil
}

func (b *fakeBlock) Field() (dom.Field, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.field == nil {
		return nil, false
	}
	return b.field, true
}

func (b *fakeBlock) controlFake() *fakeControl {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.control
}

type fakeAnchor struct {
	mu        sync.Mutex
	meta      dom.ControlMeta
	locked    bool
	connected bool
	block     *fakeBlock
}

func (a *fakeAnchor) Meta() dom.ControlMeta {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.meta
}

func (a *fakeAnchor) Locked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.locked
}

func (a *fakeAnchor) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *fakeAnchor) TargetBlock() (dom.Block, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.block == nil {
		return nil, false
	}
	return a.block, true
}

func (a *fakeAnchor) disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
}

// newFakeAnchor builds a connected anchor whose target block carries an
// input field seeded with value.
func newFakeAnchor(key, value string) *fakeAnchor {
	return &fakeAnchor{
		meta: dom.ControlMeta{
			Key:          key,
			HeadingID:    "h-" + key,
			SectionPath:  "Doc > " + key,
			HeadingLevel: "h2",
		},
		connected: true,
		block:     &fakeBlock{field: &fakeField{value: value}},
	}
}

type fakeDoc struct {
	mu      sync.Mutex
	anchors []*fakeAnchor
	err     error
}

func (d *fakeDoc) Anchors() ([]dom.Anchor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	out := make([]dom.Anchor, 0, len(d.anchors))
	for _, a := range d.anchors {
		out = append(out, a)
	}
	return out, nil
}

func (d *fakeDoc) setAnchors(anchors ...*fakeAnchor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.anchors = anchors
}

type notice struct {
	level   dom.Level
	message string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notice
}

func (n *fakeNotifier) Notify(level dom.Level, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notice{level: level, message: message})
}

func (n *fakeNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.message)
	}
	return out
}

type captureSink struct {
	mu       sync.Mutex
	recorded []facts.Fact
}

func (s *captureSink) Add(ctx context.Context, fs []facts.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, fs...)
	return nil
}

func (s *captureSink) byPredicate(predicate string) []facts.Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []facts.Fact
	for _, f := range s.recorded {
		if f.Predicate == predicate {
			out = append(out, f)
		}
	}
	return out
}
