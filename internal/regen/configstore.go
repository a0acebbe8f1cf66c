package regen

import "sync"

// Config is the replaceable webhook configuration the host page exposes.
// Body and Envelope are opaque templates (decoded JSON trees) or nil.
type Config struct {
	Webhook  string
	Body     map[string]interface{}
	Envelope map[string]interface{}
}

// ConfigStore holds the process-wide webhook configuration. The host page
// may replace any subset of fields at any time; a present field fully
// supersedes the stored value, absent fields are left untouched.
type ConfigStore struct {
	mu  sync.RWMutex
	cfg Config
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{}
}

// Seed installs process-level defaults, typically from the config file.
// Runtime updates overwrite these like any other update.
func (s *ConfigStore) Seed(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = Config{
		Webhook:  cfg.Webhook,
		Body:     deepCopyMap(cfg.Body),
		Envelope: deepCopyMap(cfg.Envelope),
	}
}

// Update overlays the present fields of raw onto the stored config.
// Templates are stored as independent deep copies so later mutation of the
// caller's object cannot retroactively alter stored config. Fields of the
// wrong type are silently ignored; an explicit null clears a template.
func (s *ConfigStore) Update(raw map[string]interface{}) {
	if raw == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := raw["webhook"]; ok {
		if str, ok := v.(string); ok {
			s.cfg.Webhook = str
		}
	}
	if v, ok := raw["body"]; ok {
		switch t := v.(type) {
		case nil:
			s.cfg.Body = nil
		case map[string]interface{}:
			s.cfg.Body = deepCopyMap(t)
		}
	}
	if v, ok := raw["envelope"]; ok {
		switch t := v.(type) {
		case nil:
			s.cfg.Envelope = nil
		case map[string]interface{}:
			s.cfg.Envelope = deepCopyMap(t)
		}
	}
}

// Read returns the current configuration. Callers must not mutate the
// returned aggregates in place.
func (s *ConfigStore) Read() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}
