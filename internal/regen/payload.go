package regen

import (
	"strings"
	"time"

	"regenbridge/internal/dom"
)

// Field names fixed by the webhook contract.
const (
	fieldHeading      = "heading_to_regenerate"
	fieldHeadingID    = "heading_id"
	fieldSectionPath  = "section_path"
	fieldHeadingLevel = "heading_level"
	fieldRequestID    = "request_id"
	fieldGeneratedAt  = "generated_at"
	fieldNewHeading   = "new_heading"
)

// buildPayload deep-copies the body template and overlays the current field
// value, the anchor's context (only non-empty fields, level uppercased), the
// request identifier and a generation timestamp.
func buildPayload(template map[string]interface{}, currentValue string, meta dom.ControlMeta, requestID string, now time.Time) map[string]interface{} {
	payload := deepCopyMap(template)
	if payload == nil {
		payload = make(map[string]interface{})
	}

	payload[fieldHeading] = currentValue
	if meta.HeadingID != "" {
		payload[fieldHeadingID] = meta.HeadingID
	}
	if meta.SectionPath != "" {
		payload[fieldSectionPath] = meta.SectionPath
	}
	if meta.HeadingLevel != "" {
		payload[fieldHeadingLevel] = strings.ToUpper(meta.HeadingLevel)
	}
	payload[fieldRequestID] = requestID
	payload[fieldGeneratedAt] = now.UTC().Format(time.RFC3339)

	return payload
}

// buildEnvelope wraps the payload in the one-element sequence the webhook
// transport expects. headers/params/query default to empty mappings when the
// envelope template does not supply them; webhookUrl and executionMode are
// forwarded only when explicitly present in the template.
func buildEnvelope(template map[string]interface{}, payload map[string]interface{}) []map[string]interface{} {
	envelope := make(map[string]interface{})

	for _, key := range []string{"headers", "params", "query"} {
		if m, ok := template[key].(map[string]interface{}); ok {
			envelope[key] = deepCopyMap(m)
		} else {
			envelope[key] = map[string]interface{}{}
		}
	}

	if v, ok := template["webhookUrl"]; ok {
		envelope["webhookUrl"] = deepCopyValue(v)
	}
	if v, ok := template["executionMode"]; ok {
		envelope["executionMode"] = deepCopyValue(v)
	}

	envelope["body"] = payload

	return []map[string]interface{}{envelope}
}
