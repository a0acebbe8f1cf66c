package page

import (
	"encoding/json"
	"fmt"

	"regenbridge/internal/dom"
)

// anchorSnapshot is the wire form of one anchor as reported by the
// page runtime's scan call.
type anchorSnapshot struct {
	Key          string `json:"key"`
	Locked       bool   `json:"locked"`
	HeadingID    string `json:"headingId"`
	SectionPath  string `json:"sectionPath"`
	HeadingLevel string `json:"headingLevel"`
}

func (s anchorSnapshot) meta() dom.ControlMeta {
	return dom.ControlMeta{
		Key:          s.Key,
		HeadingID:    s.HeadingID,
		SectionPath:  s.SectionPath,
		HeadingLevel: s.HeadingLevel,
	}
}

var (
	_ dom.Document = (*pageDocument)(nil)
	_ dom.Anchor   = (*pageAnchor)(nil)
	_ dom.Block    = (*pageBlock)(nil)
	_ dom.Control  = (*pageControl)(nil)
	_ dom.Field    = (*pageField)(nil)
)

// pageDocument implements dom.Document over the injected runtime. Every
// call re-scans the live page, so anchors reflect the host's most recent
// render rather than a cached tree.
type pageDocument struct {
	agent *Agent
}

func (d *pageDocument) Anchors() ([]dom.Anchor, error) {
	var snaps []anchorSnapshot
	if err := d.agent.evalInto(&snaps, `() => window.__qr ? window.__qr.scan() : []`); err != nil {
		return nil, fmt.Errorf("failed to scan anchors: %w", err)
	}
	anchors := make([]dom.Anchor, 0, len(snaps))
	for _, s := range snaps {
		anchors = append(anchors, &pageAnchor{agent: d.agent, snap: s})
	}
	return anchors, nil
}

// pageAnchor resolves itself by key on every call. Elements on the host
// page are replaced wholesale on re-render, so holding a direct element
// reference would go stale between calls.
type pageAnchor struct {
	agent *Agent
	snap  anchorSnapshot
}

func (a *pageAnchor) Meta() dom.ControlMeta {
	var snap anchorSnapshot
	err := a.agent.evalInto(&snap, `(key) => window.__qr ? window.__qr.meta(key) : null`, a.snap.Key)
	if err != nil || snap.Key == "" {
		return a.snap.meta()
	}
	a.snap = snap
	return snap.meta()
}

func (a *pageAnchor) Locked() bool {
	locked, err := a.agent.evalBool(`(key) => window.__qr ? window.__qr.locked(key) : false`, a.snap.Key)
	if err != nil {
		return a.snap.Locked
	}
	return locked
}

func (a *pageAnchor) Connected() bool {
	connected, err := a.agent.evalBool(`(key) => window.__qr ? window.__qr.connected(key) : false`, a.snap.Key)
	if err != nil {
		return false
	}
	return connected
}

func (a *pageAnchor) TargetBlock() (dom.Block, bool) {
	has, err := a.agent.evalBool(`(key) => window.__qr ? window.__qr.hasTarget(key) : false`, a.snap.Key)
	if err != nil || !has {
		return nil, false
	}
	return &pageBlock{agent: a.agent, key: a.snap.Key}, true
}

type pageBlock struct {
	agent *Agent
	key   string
}

func (b *pageBlock) Control() (dom.Control, bool) {
	has, err := b.agent.evalBool(`(key) => window.__qr ? window.__qr.hasControl(key) : false`, b.key)
	if err != nil || !has {
		return nil, false
	}
	return &pageControl{agent: b.agent, key: b.key}, true
}

func (b *pageBlock) AttachControl(meta dom.ControlMeta) (dom.Control, error) {
	ok, err := b.agent.evalBool(`(key) => window.__qr ? window.__qr.attachControl(key) : false`, b.key)
	if err != nil {
		return nil, fmt.Errorf("failed to attach control for %q: %w", b.key, err)
	}
	if !ok {
		return nil, fmt.Errorf("no target block for %q", b.key)
	}
	ctrl := &pageControl{agent: b.agent, key: b.key}
	if err := ctrl.SetMeta(meta); err != nil {
		return nil, err
	}
	return ctrl, nil
}

func (b *pageBlock) RemoveControl() error {
	_, err := b.agent.evalBool(`(key) => window.__qr ? window.__qr.removeControl(key) : false`, b.key)
	if err != nil {
		return fmt.Errorf("failed to remove control for %q: %w", b.key, err)
	}
	return nil
}

func (b *pageBlock) MarkEligible() error {
	_, err := b.agent.evalBool(`(key) => window.__qr ? window.__qr.markEligible(key) : false`, b.key)
	if err != nil {
		return fmt.Errorf("failed to mark block for %q: %w", b.key, err)
	}
	return nil
}

func (b *pageBlock) Field() (dom.Field, bool) {
	var res struct {
		OK bool `json:"ok"`
	}
	err := b.agent.evalInto(&res, `(key) => window.__qr ? window.__qr.fieldValue(key) : { ok: false }`, b.key)
	if err != nil || !res.OK {
		return nil, false
	}
	return &pageField{agent: b.agent, key: b.key}, true
}

type pageControl struct {
	agent *Agent
	key   string
}

func (c *pageControl) SetMeta(meta dom.ControlMeta) error {
	payload, err := json.Marshal(map[string]string{
		"key":          meta.Key,
		"headingId":    meta.HeadingID,
		"sectionPath":  meta.SectionPath,
		"headingLevel": meta.HeadingLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to encode control meta: %w", err)
	}
	_, err = c.agent.evalBool(
		`(key, raw) => window.__qr ? window.__qr.setMeta(key, JSON.parse(raw)) : false`,
		c.key, string(payload))
	if err != nil {
		return fmt.Errorf("failed to set control meta for %q: %w", c.key, err)
	}
	return nil
}

func (c *pageControl) SetLoading(loading bool) error {
	_, err := c.agent.evalBool(
		`(key, loading) => window.__qr ? window.__qr.setLoading(key, loading) : false`,
		c.key, loading)
	if err != nil {
		return fmt.Errorf("failed to set loading state for %q: %w", c.key, err)
	}
	return nil
}

type pageField struct {
	agent *Agent
	key   string
}

func (f *pageField) Value() (string, error) {
	var res struct {
		OK    bool   `json:"ok"`
		Value string `json:"value"`
	}
	err := f.agent.evalInto(&res, `(key) => window.__qr ? window.__qr.fieldValue(key) : { ok: false }`, f.key)
	if err != nil {
		return "", fmt.Errorf("failed to read field for %q: %w", f.key, err)
	}
	if !res.OK {
		return "", fmt.Errorf("no input field for %q", f.key)
	}
	return res.Value, nil
}

func (f *pageField) SetValue(value string) error {
	ok, err := f.agent.evalBool(
		`(key, value) => window.__qr ? window.__qr.setFieldValue(key, value) : false`,
		f.key, value)
	if err != nil {
		return fmt.Errorf("failed to write field for %q: %w", f.key, err)
	}
	if !ok {
		return fmt.Errorf("no input field for %q", f.key)
	}
	return nil
}
