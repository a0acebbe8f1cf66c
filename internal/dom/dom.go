// Package dom abstracts the externally-owned page tree the agent reconciles
// against. The host page creates and destroys anchor markers on every
// re-render; implementations hold non-owning references and must re-validate
// liveness before any consuming operation mutates the tree.
package dom

// ControlMeta is the identifying data an anchor declares and its control
// mirrors. Key is the stable logical identity; the remaining fields are
// opaque correlation/context strings forwarded to the automation webhook.
type ControlMeta struct {
	Key          string `json:"key"`
	HeadingID    string `json:"heading_id,omitempty"`
	SectionPath  string `json:"section_path,omitempty"`
	HeadingLevel string `json:"heading_level,omitempty"`
}

// Anchor is a host-supplied marker element identifying one logical entity
// eligible for regeneration. The agent never creates or destroys anchors.
type Anchor interface {
	// Meta returns the anchor's declared identifying data.
	Meta() ControlMeta
	// Locked reports whether the host has forbidden a control for this anchor.
	Locked() bool
	// Connected reports whether the underlying element is still attached to
	// the document. A detached anchor must never drive a mutation.
	Connected() bool
	// TargetBlock locates the input-bearing block associated with this anchor
	// via the forward-sibling-then-ancestor walk. Returns false when no such
	// block exists; the anchor then gets no control in this pass.
	TargetBlock() (Block, bool)
}

// Block is the layout container adjacent to an anchor that hosts both the
// injected control and the editable field.
type Block interface {
	// Control returns the injected control currently attached here, if any.
	Control() (Control, bool)
	// AttachControl injects a new control carrying the given metadata.
	AttachControl(meta ControlMeta) (Control, error)
	// RemoveControl detaches any injected control. Removing from a block that
	// has none is a no-op.
	RemoveControl() error
	// MarkEligible flags the block as control-bearing for host-page styling.
	MarkEligible() error
	// Field returns the single-line input inside this block, if present.
	Field() (Field, bool)
}

// Control is the injected interactive affordance bound to one anchor.
type Control interface {
	// SetMeta refreshes the control's copied metadata. The anchor's data may
	// have changed since the control was created, so reconciliation calls
	// this unconditionally.
	SetMeta(meta ControlMeta) error
	// SetLoading toggles the loading class and disabled state.
	SetLoading(loading bool) error
}

// Field is the editable input a regeneration result is written into.
type Field interface {
	Value() (string, error)
	// SetValue overwrites the field and emits the standard "input" and
	// "change" notifications so host-page listeners observe the update.
	SetValue(value string) error
}

// Document is a live view of the host page.
type Document interface {
	// Anchors performs a fresh query for every anchor marker presently in the
	// document. Never cached: the tree mutates under us between calls.
	Anchors() ([]Anchor, error)
}

// Level classifies a user-visible notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notifier shows fire-and-forget ephemeral messages to the user.
type Notifier interface {
	Notify(level Level, message string)
}
