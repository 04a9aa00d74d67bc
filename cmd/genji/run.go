package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/harunnryd/genji/internal/config"
	"github.com/harunnryd/genji/internal/contextmgr"
	genjiErrors "github.com/harunnryd/genji/internal/errors"
	"github.com/harunnryd/genji/internal/gateway"
	"github.com/harunnryd/genji/internal/loop"
	"github.com/harunnryd/genji/internal/rpc"
	"github.com/harunnryd/genji/internal/task"
	"github.com/harunnryd/genji/internal/telemetry"
	"github.com/harunnryd/genji/internal/tool"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an interactive session",
	Long:  `Starts an interactive agent session. Unless --external-gateway is set, an in-process gateway is started on the configured port.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		components, err := buildComponents(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize runtime: %w", err)
		}
		defer components.Stop()

		external, _ := cmd.Flags().GetBool("external-gateway")
		gatewayURL := cfg.Loop.GatewayURL
		if !external {
			srv, err := gateway.NewServer(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to build gateway: %w", err)
			}
			go func() {
				if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("Embedded gateway stopped", "error", err)
				}
			}()
			gatewayURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}

		provider, _ := cmd.Flags().GetString("provider")
		if provider == "" {
			provider = cfg.Providers.Default
		}
		model, _ := cmd.Flags().GetString("model")

		workingDir, _ := os.Getwd()
		agentLoop := loop.New(
			loop.NewClient(gatewayURL),
			components.Dispatcher,
			components.Remote,
			components.Context,
			loop.Options{
				Provider:        provider,
				Model:           model,
				System:          systemPrompt(workingDir),
				WorkingDir:      workingDir,
				Platform:        runtime.GOOS,
				MaxToolCalls:    cfg.Loop.MaxToolCalls,
				RequireApproval: cfg.Governance.RequireApproval,
			},
		)

		repl := NewREPL(agentLoop, components)
		return repl.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("provider", "", "provider registry entry to use (default from config)")
	runCmd.Flags().String("model", "", "model override for the selected provider")
	runCmd.Flags().Bool("external-gateway", false, "connect to loop.gateway_url instead of starting an in-process gateway")
}

// Components holds the per-session runtime pieces the interactive loop needs.
type Components struct {
	Tasks      *task.Registry
	Dispatcher *tool.Dispatcher
	Remote     *rpc.Client
	Context    *contextmgr.Manager
	Recorder   *telemetry.Recorder
}

// Stop tears down in reverse dependency order.
func (c *Components) Stop() {
	if c.Remote != nil {
		c.Remote.Disconnect()
	}
	if c.Tasks != nil {
		c.Tasks.Close()
	}
	if c.Recorder != nil {
		c.Recorder.Close()
	}
}

func buildComponents(ctx context.Context, cfg *config.Config) (*Components, error) {
	tasks, err := task.NewRegistry(cfg.Tasks)
	if err != nil {
		return nil, fmt.Errorf("task registry: %w", err)
	}

	registry := tool.NewRegistry()
	registry.Register(tool.TimeTool{})
	registry.Register(tool.NewExecCommandTool(tasks))
	registry.Register(tool.NewTaskStatusTool(tasks))
	if err := registry.LoadAliases(); err != nil {
		tasks.Close()
		return nil, fmt.Errorf("tool aliases: %w", err)
	}

	audit, err := telemetry.NewFileAuditLogger(cfg.Telemetry.AuditDir, cfg.Telemetry.Enabled, cfg.Governance.RedactPatterns)
	if err != nil {
		tasks.Close()
		return nil, fmt.Errorf("audit logger: %w", err)
	}

	flushInterval, err := config.DurationOrDefault(cfg.Telemetry.FlushInterval, config.DefaultTelemetryFlushInterval)
	if err != nil {
		tasks.Close()
		return nil, fmt.Errorf("telemetry flush interval: %w", err)
	}
	batchSize := cfg.Telemetry.BatchSize
	if batchSize <= 0 {
		batchSize = config.DefaultTelemetryBatchSize
	}
	recorder := telemetry.NewRecorder(telemetry.SlogSink{}, batchSize, flushInterval)

	dispatcher := tool.NewDispatcher(registry, audit, recorder)

	overflow, err := contextmgr.NewOverflowStore(cfg.Context.OverflowDir)
	if err != nil {
		recorder.Close()
		tasks.Close()
		return nil, fmt.Errorf("overflow store: %w", err)
	}
	ctxmgr := contextmgr.New(cfg.Context, overflow)

	handshake, err := config.DurationOrDefault(cfg.Rpc.HandshakeTimeout, config.DefaultRpcHandshakeTimeout)
	if err != nil {
		recorder.Close()
		tasks.Close()
		return nil, fmt.Errorf("rpc handshake timeout: %w", err)
	}
	callTimeout, err := config.DurationOrDefault(cfg.Rpc.CallTimeout, config.DefaultRpcCallTimeout)
	if err != nil {
		recorder.Close()
		tasks.Close()
		return nil, fmt.Errorf("rpc call timeout: %w", err)
	}

	remote := rpc.New(
		rpc.WithProviderPath(cfg.Rpc.ProviderPath),
		rpc.WithTimeouts(handshake, callTimeout),
	)
	if err := remote.Connect(ctx); err != nil {
		if errors.Is(err, genjiErrors.ErrProviderNotFound) {
			slog.Info("No tool provider found, remote tools disabled")
		} else {
			slog.Warn("Tool provider connection failed, remote tools disabled", "error", err)
		}
	}

	return &Components{
		Tasks:      tasks,
		Dispatcher: dispatcher,
		Remote:     remote,
		Context:    ctxmgr,
		Recorder:   recorder,
	}, nil
}

func systemPrompt(workingDir string) string {
	return fmt.Sprintf(
		"You are Genji, a terminal agent. Use the available tools to complete the user's request.\nWorking directory: %s\nPlatform: %s",
		workingDir, runtime.GOOS,
	)
}
