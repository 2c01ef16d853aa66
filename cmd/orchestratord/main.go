// Command orchestratord serves the multi-agent orchestration HTTP API.
//
// Usage:
//
//	orchestratord serve --config config.yaml
//	orchestratord validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/flowmesh/orchestrator/pkg/cache"
	"github.com/flowmesh/orchestrator/pkg/config"
	"github.com/flowmesh/orchestrator/pkg/expert"
	"github.com/flowmesh/orchestrator/pkg/guardrail"
	"github.com/flowmesh/orchestrator/pkg/httpapi"
	"github.com/flowmesh/orchestrator/pkg/llm"
	"github.com/flowmesh/orchestrator/pkg/logger"
	"github.com/flowmesh/orchestrator/pkg/orchestrator"
	"github.com/flowmesh/orchestrator/pkg/orchestrator/moe"
	"github.com/flowmesh/orchestrator/pkg/orchestrator/smartrouter"
	"github.com/flowmesh/orchestrator/pkg/toolserver"
)

// CLI is the top-level command set.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the orchestration HTTP server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"orchestrator.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// ValidateCmd loads and validates a config file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", cli.Config)
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Addr  string `help:"Address to listen on." default:":8080"`
	Watch bool   `help:"Watch the config file for changes and hot-reload experts/policies."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	output := os.Stderr
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer cleanup()
		output = f
	}
	level, _ := logger.ParseLevel(cli.LogLevel)
	logger.Init(level, output, cli.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	loader, err := config.NewLoader(cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.Watch {
		stop, err := loader.Watch()
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer stop()
	}
	doc := loader.Current()

	llmRegistry := llm.NewRegistry()
	llmRegistry.RegisterFactory("anthropic", func(model string) (llm.Provider, error) {
		return llm.NewAnthropic(llm.AnthropicConfig{APIKey: os.Getenv("ANTHROPIC_API_KEY"), Model: model})
	})
	llmRegistry.RegisterFactory("openai", func(model string) (llm.Provider, error) {
		return llm.NewOpenAI(llm.OpenAIConfig{APIKey: os.Getenv("OPENAI_API_KEY"), Model: model})
	})
	defer llmRegistry.CloseAll()

	toolServers := toolserver.New(doc.Root)
	for _, tc := range doc.ToolServers {
		if !tc.IsEnabled() {
			continue
		}
		if err := toolServers.Start(ctx, tc.Name, tc); err != nil {
			slog.Error("tool server failed to start", "name", tc.Name, "error", err)
			continue
		}
		slog.Info("tool server started", "name", tc.Name, "transport", tc.Transport)
	}
	defer toolServers.ShutdownAll(10 * time.Second)

	factory := expert.New(doc, llmRegistry)
	runner := expert.NewRunner(factory, toolServers)
	resultCache := cache.New(doc.Cache.MaxEntries, doc.Cache.TTL)

	var gr *guardrail.Guardrail
	if doc.Guardrail.Enabled {
		provider, err := factory.ResolveProvider(doc.Guardrail.Model)
		if err != nil {
			return fmt.Errorf("resolve guardrail provider: %w", err)
		}
		gr = guardrail.New(guardrail.Config{Enabled: true, Deadline: doc.Guardrail.Deadline}, provider)
	}

	orchestrators := []orchestrator.Orchestrator{
		moe.New(factory, runner, resultCache, gr, doc.MoE),
		smartrouter.New(factory, runner, gr, doc.SmartRouter),
	}

	srv := httpapi.New(c.Addr, factory, runner, orchestrators, gr, loader)

	enabled := 0
	for _, e := range doc.Experts {
		if e.IsEnabled() {
			enabled++
		}
	}
	slog.Info("orchestratord starting", "addr", c.Addr, "experts", enabled, "tool_servers", len(doc.ToolServers))

	return srv.Start(ctx)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("orchestratord"),
		kong.Description("Multi-agent orchestration HTTP server."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(&cli); err != nil {
		slog.Error("orchestratord exited with error", "error", err)
		os.Exit(1)
	}
}
