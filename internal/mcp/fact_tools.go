package mcp

import (
	"context"
	"fmt"
	"time"

	"regenbridge/internal/facts"
)

// ReadFactsTool returns recent facts for a single predicate.
type ReadFactsTool struct {
	engine *facts.Engine
}

func (t *ReadFactsTool) Name() string { return "read-facts" }

func (t *ReadFactsTool) Description() string {
	return "Read recent facts for a predicate from the lifecycle log (anchor_seen, control_created, request_sent, response_applied, ...)."
}

func (t *ReadFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate name to read",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of facts to return, newest last (default: 50)",
			},
			"since_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only return facts recorded in the last N milliseconds",
			},
		},
		"required": []string{"predicate"},
	}
}

func (t *ReadFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("fact engine not configured")
	}
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}
	limit := getIntArg(args, "limit", 50)

	var matched []facts.Fact
	if sinceMs := getIntArg(args, "since_ms", 0); sinceMs > 0 {
		after := time.Now().Add(-time.Duration(sinceMs) * time.Millisecond)
		matched = t.engine.Since(predicate, after)
	} else {
		matched = t.engine.ByPredicate(predicate)
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return map[string]interface{}{
		"predicate": predicate,
		"count":     len(matched),
		"facts":     matched,
	}, nil
}

// QueryFactsTool evaluates a Mangle query against the fact store.
type QueryFactsTool struct {
	engine *facts.Engine
}

func (t *QueryFactsTool) Name() string { return "query-facts" }

func (t *QueryFactsTool) Description() string {
	return "Evaluate a Mangle query (e.g. response_rejected(Key, Req, Reason, Ts)) against the lifecycle log, including derived predicates from submitted rules."
}

func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle query atom; uppercase terms are variables",
			},
		},
		"required": []string{"query"},
	}
}

func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("fact engine not configured")
	}
	query := getStringArg(args, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	results, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return map[string]interface{}{
		"query":   query,
		"count":   len(results),
		"results": results,
	}, nil
}

// SubmitRuleTool adds a Mangle rule so later queries can use the derived predicate.
type SubmitRuleTool struct {
	engine *facts.Engine
}

func (t *SubmitRuleTool) Name() string { return "submit-rule" }

func (t *SubmitRuleTool) Description() string {
	return "Add a Mangle rule deriving new predicates from lifecycle facts (e.g. flaky_section(K) :- response_rejected(K, _, _, _))."
}

func (t *SubmitRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Mangle rule source text",
			},
		},
		"required": []string{"rule"},
	}
}

func (t *SubmitRuleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("fact engine not configured")
	}
	rule := getStringArg(args, "rule")
	if rule == "" {
		return nil, fmt.Errorf("rule is required")
	}
	if err := t.engine.AddRule(rule); err != nil {
		return nil, fmt.Errorf("rule rejected: %w", err)
	}
	return map[string]interface{}{"success": true}, nil
}
