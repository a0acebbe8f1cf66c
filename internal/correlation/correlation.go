// Package correlation validates asynchronous webhook responses against the
// request they claim to answer. A response is only trustworthy when every
// identifying field it chose to echo agrees with what was sent; fields the
// server omitted are never treated as a mismatch, since servers may simply
// not echo what they did not need.
package correlation

import "fmt"

// Identity is the correlation data attached to an outbound request.
type Identity struct {
	RequestID   string
	HeadingID   string
	SectionPath string
}

// Echo is the correlation data a response chose to return. A nil field marks
// an absent echo, which is distinct from an empty string echo.
type Echo struct {
	RequestID   *string
	HeadingID   *string
	SectionPath *string
}

// EchoFromPayload extracts the optional correlation echoes from a decoded
// response object. JSON null counts as absent; non-string values are
// stringified so loosely-typed servers still correlate.
func EchoFromPayload(payload map[string]interface{}) Echo {
	return Echo{
		RequestID:   stringField(payload, "request_id"),
		HeadingID:   stringField(payload, "heading_id"),
		SectionPath: stringField(payload, "section_path"),
	}
}

// Matches reports whether the echoed fields agree with the sent identity.
// Absence is not a mismatch.
func (e Echo) Matches(id Identity) bool {
	if e.RequestID != nil && *e.RequestID != id.RequestID {
		return false
	}
	if e.HeadingID != nil && *e.HeadingID != id.HeadingID {
		return false
	}
	if e.SectionPath != nil && *e.SectionPath != id.SectionPath {
		return false
	}
	return true
}

// Mismatch names the first echoed field that disagrees with the sent
// identity, or "" when the echo matches. Useful for diagnostics logging.
func (e Echo) Mismatch(id Identity) string {
	if e.RequestID != nil && *e.RequestID != id.RequestID {
		return "request_id"
	}
	if e.HeadingID != nil && *e.HeadingID != id.HeadingID {
		return "heading_id"
	}
	if e.SectionPath != nil && *e.SectionPath != id.SectionPath {
		return "section_path"
	}
	return ""
}

func stringField(payload map[string]interface{}, key string) *string {
	val, ok := payload[key]
	if !ok || val == nil {
		return nil
	}
	var s string
	switch v := val.(type) {
	case string:
		s = v
	default:
		s = fmt.Sprintf("%v", v)
	}
	return &s
}
