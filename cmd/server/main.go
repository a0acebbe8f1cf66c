package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"regenbridge/internal/config"
	"regenbridge/internal/dom"
	"regenbridge/internal/facts"
	mcpserver "regenbridge/internal/mcp"
	"regenbridge/internal/page"
	"regenbridge/internal/recorder"
	"regenbridge/internal/regen"
)

func main() {
	configPath := flag.String("config", "", "Path to an explicit regenbridge config file")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	noWorkspace := flag.Bool("no-workspace", false, "Skip .regenbridge workspace discovery")
	workspaceDir := flag.String("workspace-dir", "", "Use this directory as the workspace root instead of walking up")
	initWorkspace := flag.Bool("init", false, "Create a .regenbridge workspace in the current directory and exit")
	flag.Parse()

	if *initWorkspace {
		if err := config.InitWorkspace("."); err != nil {
			log.Fatalf("failed to init workspace: %v", err)
		}
		log.Printf("created %s/", config.WorkspaceDirName)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	})
	if err != nil {
		// Before we can redirect logs, write to stderr as last resort
		log.Fatalf("failed to load config: %v", err)
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	// Redirect logging to file for stdio mode (stderr interferes with MCP protocol)
	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			// If we can't open log file, disable logging to avoid stderr pollution
			log.SetOutput(io.Discard)
		}
	}
	if wsDir != "" {
		log.Printf("using workspace at %s", wsDir)
	}

	engine, err := facts.NewEngine(cfg.Facts)
	if err != nil {
		log.Fatalf("failed to initialize fact engine: %v", err)
	}

	store := regen.NewConfigStore()
	store.Seed(seedFromConfig(cfg.Webhook))

	var rec *recorder.Recorder
	if cfg.Recorder.Enable {
		rec, err = recorder.NewRecorder(cfg.Recorder.Dir)
		if err != nil {
			log.Fatalf("failed to initialize recorder: %v", err)
		}
		if err := rec.Start("agent"); err != nil {
			log.Fatalf("failed to start recorder: %v", err)
		}
		defer rec.Close()
	}

	registry := regen.NewAnchorRegistry()
	agent := page.NewAgent(cfg.Page, cfg.Selectors, engine)
	reconciler := regen.NewReconciler(agent.Document(), registry, engine)
	coordinator := regen.NewCoordinator(store, registry, reconciler, agent, regen.CoordinatorOptions{
		Timeout: cfg.Webhook.CallTimeout(),
		Facts:   engine,
		Trace:   rec,
	})

	agent.OnActivate = func(meta dom.ControlMeta) {
		coordinator.Activate(ctx, meta)
	}
	agent.OnConfig = func(data map[string]interface{}) {
		if data != nil {
			store.Update(data)
		}
		if err := reconciler.Reconcile(ctx); err != nil {
			log.Printf("reconcile after config update failed: %v", err)
		}
	}
	go reconciler.Run(ctx, agent.Changes())

	if cfg.Page.AutoAttach {
		if err := agent.Start(ctx); err != nil {
			log.Printf("page auto-attach failed, use the attach-page tool later: %v", err)
		} else if err := reconciler.Reconcile(ctx); err != nil {
			log.Printf("initial reconcile failed: %v", err)
		}
	} else {
		log.Printf("page auto-attach disabled; use the attach-page tool to connect")
	}

	server, err := mcpserver.NewServer(cfg, agent, store, registry, reconciler, coordinator, engine)
	if err != nil {
		log.Fatalf("failed to initialize MCP server: %v", err)
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting regenbridge MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting regenbridge MCP stdio server")
		startErr = server.Start(ctx)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", startErr)
	}
}

// seedFromConfig builds the initial runtime config from the static webhook
// section, loading JSON template files when configured. Template load
// failures are logged, not fatal; the host page can still push config at
// runtime through the update-data channel.
func seedFromConfig(w config.WebhookConfig) regen.Config {
	seed := regen.Config{Webhook: w.URL}
	if w.BodyTemplate != "" {
		if body, err := loadJSONTemplate(w.BodyTemplate); err != nil {
			log.Printf("failed to load body template %s: %v", w.BodyTemplate, err)
		} else {
			seed.Body = body
		}
	}
	if w.EnvelopeTemplate != "" {
		if env, err := loadJSONTemplate(w.EnvelopeTemplate); err != nil {
			log.Printf("failed to load envelope template %s: %v", w.EnvelopeTemplate, err)
		} else {
			seed.Envelope = env
		}
	}
	return seed
}

func loadJSONTemplate(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}
