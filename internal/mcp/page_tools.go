package mcp

import (
	"context"
	"fmt"

	"regenbridge/internal/dom"
	"regenbridge/internal/page"
	"regenbridge/internal/regen"
)

// AttachPageTool connects to Chrome, locates the host page tab, installs the
// page runtime, and runs an initial reconcile pass.
type AttachPageTool struct {
	agent      *page.Agent
	reconciler *regen.Reconciler
}

func (t *AttachPageTool) Name() string { return "attach-page" }

func (t *AttachPageTool) Description() string {
	return "Attach to the host page (connecting to or launching Chrome as configured) and reconcile regenerate controls."
}

func (t *AttachPageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *AttachPageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if err := t.agent.Start(ctx); err != nil {
		return nil, fmt.Errorf("attach page: %w", err)
	}
	if err := t.reconciler.Reconcile(ctx); err != nil {
		return nil, fmt.Errorf("initial reconcile: %w", err)
	}
	return map[string]interface{}{
		"success":     true,
		"control_url": t.agent.ControlURL(),
	}, nil
}

// DetachPageTool disconnects from the browser and stops the event pump.
type DetachPageTool struct {
	agent *page.Agent
}

func (t *DetachPageTool) Name() string { return "detach-page" }

func (t *DetachPageTool) Description() string {
	return "Detach from the host page and close the browser connection."
}

func (t *DetachPageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *DetachPageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if err := t.agent.Shutdown(ctx); err != nil {
		return nil, fmt.Errorf("detach page: %w", err)
	}
	return map[string]interface{}{"success": true}, nil
}

// NotifyTool shows a transient toast on the host page.
type NotifyTool struct {
	agent *page.Agent
}

func (t *NotifyTool) Name() string { return "notify" }

func (t *NotifyTool) Description() string {
	return "Show a transient toast notification on the host page (levels: info, success, error)."
}

func (t *NotifyTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Text to display",
			},
			"level": map[string]interface{}{
				"type":        "string",
				"description": "Severity level: info, success, or error (default: info)",
			},
		},
		"required": []string{"message"},
	}
}

func (t *NotifyTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	message := getStringArg(args, "message")
	if message == "" {
		return nil, fmt.Errorf("message is required")
	}
	level := getStringArg(args, "level")
	if level == "" {
		level = "info"
	}
	switch level {
	case "info", "success", "error":
	default:
		return nil, fmt.Errorf("unknown level %q", level)
	}
	t.agent.Notify(dom.Level(level), message)
	return map[string]interface{}{"success": true}, nil
}
