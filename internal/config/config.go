package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level regenbridge config.
	WorkspaceDirName = ".regenbridge"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the regenbridge agent.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Page      PageConfig     `yaml:"page"`
	Selectors SelectorConfig `yaml:"selectors"`
	Webhook   WebhookConfig  `yaml:"webhook"`
	Facts     FactsConfig    `yaml:"facts"`
	Recorder  RecorderConfig `yaml:"recorder"`
	MCP       MCPConfig      `yaml:"mcp"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// PageConfig configures how we attach to or launch Chrome for the host page.
type PageConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome in detached mode (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoAttach controls whether the agent attaches to the host page at startup.
	AutoAttach bool `yaml:"auto_attach"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// URL of the host page. When attaching, the first open tab whose URL starts
	// with this prefix is used; when none matches, a new tab is opened here.
	URL string `yaml:"url"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Poll interval (ms) for draining the page-side event buffer.
	EventPollMs int `yaml:"event_poll_ms"`
}

// SelectorConfig names the host-page markup the agent binds to. The host owns
// this markup; the agent only observes anchors and injects controls near them.
type SelectorConfig struct {
	// Anchor matches the marker elements supplied by the host page.
	Anchor string `yaml:"anchor"`
	// Block matches the semantically-marked layout blocks used for the
	// sibling/ancestor walk that locates an anchor's target block.
	Block string `yaml:"block"`
	// Field matches the single-line input inside a target block.
	Field string `yaml:"field"`
}

// WebhookConfig seeds the runtime config store. The host page may replace any
// of these values at runtime via the update-data channel.
type WebhookConfig struct {
	// Automation endpoint receiving regenerate requests.
	URL string `yaml:"url"`
	// Optional path to a JSON file holding the request body template.
	BodyTemplate string `yaml:"body_template"`
	// Optional path to a JSON file holding the request envelope template.
	EnvelopeTemplate string `yaml:"envelope_template"`
	// Outbound call timeout (e.g., "90s"). Empty or "0" means no timeout.
	Timeout string `yaml:"timeout"`
}

// FactsConfig controls the embedded deductive engine.
type FactsConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// RecorderConfig controls the JSONL flight recorder for request lifecycles.
type RecorderConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// DefaultConfig provides reasonable defaults for local development against a
// Streamlit-style host page.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "regenbridge",
			Version: "0.1.0",
			LogFile: "regenbridge.log",
		},
		Page: PageConfig{
			AutoAttach:               true,
			DebuggerURL:              "ws://localhost:9222",
			URL:                      "http://localhost:8501",
			DefaultNavigationTimeout: "15s",
			EventPollMs:              250,
		},
		Selectors: SelectorConfig{
			Anchor: "span.quick-regen-anchor",
			Block:  `div[data-testid="stElementContainer"]`,
			Field:  `input[type="text"]`,
		},
		Webhook: WebhookConfig{
			Timeout: "90s",
		},
		Facts: FactsConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
		Recorder: RecorderConfig{
			Enable: false,
			Dir:    "data/traces",
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .regenbridge/config.yaml file.
// Returns the workspace root directory (parent of .regenbridge/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .regenbridge/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	// Layer 1: Workspace config (if not disabled)
	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	// Layer 2: Explicit config file (--config flag)
	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .regenbridge/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# regenbridge project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# page:
#   debugger_url: "ws://localhost:9222"
#   url: "http://localhost:8501"

# webhook:
#   url: "https://example.com/webhook/quick-regen"
#   timeout: "90s"

# selectors:
#   anchor: "span.quick-regen-anchor"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (logs, traces) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Webhook.BodyTemplate = resolve(cfg.Webhook.BodyTemplate)
	cfg.Webhook.EnvelopeTemplate = resolve(cfg.Webhook.EnvelopeTemplate)
	cfg.Facts.SchemaPath = resolve(cfg.Facts.SchemaPath)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	return cfg
}

// Validate ensures required fields exist so the agent can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Selectors.Anchor == "" || c.Selectors.Block == "" || c.Selectors.Field == "" {
		return errors.New("selectors.anchor, selectors.block and selectors.field are required")
	}
	if c.Page.AutoAttach {
		if c.Page.DebuggerURL == "" && len(c.Page.Launch) == 0 {
			return errors.New("page.debugger_url or page.launch must be provided")
		}
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (p PageConfig) NavigationTimeout() time.Duration {
	if p.DefaultNavigationTimeout == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(p.DefaultNavigationTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (p PageConfig) IsHeadless() bool {
	if p.Headless == nil {
		return true
	}
	return *p.Headless
}

// PollInterval returns the event pump interval with a sane default.
func (p PageConfig) PollInterval() time.Duration {
	if p.EventPollMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(p.EventPollMs) * time.Millisecond
}

// CallTimeout returns the parsed webhook timeout. Zero means no timeout is
// imposed on the outbound call.
func (w WebhookConfig) CallTimeout() time.Duration {
	if w.Timeout == "" || w.Timeout == "0" {
		return 0
	}
	d, err := time.ParseDuration(w.Timeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
