package mcp

import (
	"context"
	"fmt"

	"regenbridge/internal/facts"
	"regenbridge/internal/page"
	"regenbridge/internal/regen"
)

// RefreshTool forces a full reconcile pass against the live page.
type RefreshTool struct {
	reconciler *regen.Reconciler
	registry   *regen.AnchorRegistry
}

func (t *RefreshTool) Name() string { return "refresh" }

func (t *RefreshTool) Description() string {
	return "Run a full reconcile pass: prune stale anchors, re-scan the page, and ensure each eligible block carries exactly one regenerate control."
}

func (t *RefreshTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *RefreshTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if err := t.reconciler.Reconcile(ctx); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	return map[string]interface{}{
		"success": true,
		"anchors": t.registry.Keys(),
	}, nil
}

// UpdateDataTool replaces the runtime webhook configuration. With a data
// object it applies that object; without one it re-reads the host page's
// published global config and applies that instead. Either way it finishes
// with a reconcile pass so the controls reflect the new state.
type UpdateDataTool struct {
	store      *regen.ConfigStore
	agent      *page.Agent
	reconciler *regen.Reconciler
}

func (t *UpdateDataTool) Name() string { return "update-data" }

func (t *UpdateDataTool) Description() string {
	return "Apply a webhook/body/envelope config object, or re-apply the host page's current global config when no data is given, then reconcile."
}

func (t *UpdateDataTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"data": map[string]interface{}{
				"type":        "object",
				"description": "Config object with optional webhook, body, and envelope keys. Omit or pass null to re-read the page's global config.",
			},
		},
	}
}

func (t *UpdateDataTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	data, ok := getMapArg(args, "data")
	source := "explicit"
	if !ok {
		pageData, err := t.agent.ReadPageConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("read page config: %w", err)
		}
		data = pageData
		source = "page"
	}
	if data != nil {
		t.store.Update(data)
	}
	if err := t.reconciler.Reconcile(ctx); err != nil {
		return nil, fmt.Errorf("reconcile after update: %w", err)
	}
	cfg := t.store.Read()
	return map[string]interface{}{
		"success":      true,
		"source":       source,
		"webhook_set":  cfg.Webhook != "",
		"body_set":     cfg.Body != nil,
		"envelope_set": cfg.Envelope != nil,
	}, nil
}

// RegenerateTool triggers the regenerate flow for a registered anchor, the
// same path a control click on the page takes.
type RegenerateTool struct {
	coordinator *regen.Coordinator
	registry    *regen.AnchorRegistry
}

func (t *RegenerateTool) Name() string { return "regenerate" }

func (t *RegenerateTool) Description() string {
	return "Trigger the regenerate request for a section by anchor key, as if its control had been clicked."
}

func (t *RegenerateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"key": map[string]interface{}{
				"type":        "string",
				"description": "Anchor key identifying the section",
			},
			"wait": map[string]interface{}{
				"type":        "boolean",
				"description": "Block until the request settles (default: false)",
			},
		},
		"required": []string{"key"},
	}
}

func (t *RegenerateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	key := getStringArg(args, "key")
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	anchor, ok := t.registry.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("unknown anchor key: %s", key)
	}

	done, issued := t.coordinator.Activate(ctx, anchor.Meta())
	if !issued {
		// A precondition aborted the activation (webhook unset, locked
		// anchor, missing field); the user-facing toast already fired.
		return map[string]interface{}{
			"success": false,
			"issued":  false,
			"key":     key,
		}, nil
	}
	if wait, _ := args["wait"].(bool); wait {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]interface{}{
		"success": true,
		"issued":  true,
		"key":     key,
	}, nil
}

// StatusTool reports the agent's current attachment, anchors, in-flight
// requests, and fact log size.
type StatusTool struct {
	agent       *page.Agent
	registry    *regen.AnchorRegistry
	coordinator *regen.Coordinator
	store       *regen.ConfigStore
	engine      *facts.Engine
}

func (t *StatusTool) Name() string { return "status" }

func (t *StatusTool) Description() string {
	return "Report page attachment, registered anchors, in-flight regenerate requests, and fact log size."
}

func (t *StatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *StatusTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	cfg := t.store.Read()
	result := map[string]interface{}{
		"attached":    t.agent.IsAttached(),
		"control_url": t.agent.ControlURL(),
		"anchors":     t.registry.Keys(),
		"in_flight":   t.coordinator.InFlight(),
		"webhook_set": cfg.Webhook != "",
	}
	if t.engine != nil {
		result["fact_count"] = t.engine.Len()
	}
	return result, nil
}
