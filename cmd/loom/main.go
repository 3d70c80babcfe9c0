// Package main provides the loom headless agent runner: load configuration,
// assemble the gateway and tool registry, and drive one session (or a flock
// of them) to completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loomhq/loom/pkg/agent"
	"github.com/loomhq/loom/pkg/agent/tools"
	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/gateway"
	"github.com/loomhq/loom/pkg/llm/openai"
	"github.com/loomhq/loom/pkg/session"
	"github.com/loomhq/loom/pkg/tools/shell"
	"github.com/loomhq/loom/pkg/types"
)

const version = "0.1.0"

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigFile  string
	Task        string
	Workspace   string
	Flock       int
	Timeout     time.Duration
	Quiet       bool
	ShowVersion bool
}

func main() {
	cli := parseFlags()

	if cli.ShowVersion {
		fmt.Printf("loom v%s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, cli); err != nil {
		cancel()
		log.Printf("Execution failed: %v", err)
		os.Exit(1)
	}
	cancel()
}

func parseFlags() *CLIConfig {
	cli := &CLIConfig{}

	flag.StringVar(&cli.ConfigFile, "config", "", "Path to configuration file (YAML)")
	flag.StringVar(&cli.Task, "task", "", "Task description (required)")
	flag.StringVar(&cli.Workspace, "workspace", ".", "Workspace directory for shell commands")
	flag.IntVar(&cli.Flock, "flock", 1, "Number of concurrent sessions to run on the task")
	flag.DurationVar(&cli.Timeout, "timeout", 0, "Overall session timeout (0 = from config)")
	flag.BoolVar(&cli.Quiet, "quiet", false, "Suppress streamed assistant output")
	flag.BoolVar(&cli.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "loom - autonomous coding agent runner\n\n")
		fmt.Fprintf(os.Stderr, "Usage: loom [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  loom -task \"Fix all linting errors\"\n")
		fmt.Fprintf(os.Stderr, "  loom -config loom.yaml -task \"Add tests\" -flock 3\n")
	}

	flag.Parse()
	return cli
}

func run(ctx context.Context, cli *CLIConfig) error {
	if cli.Task == "" {
		flag.Usage()
		return fmt.Errorf("a task is required")
	}

	cfg, err := config.Load(cli.ConfigFile)
	if err != nil {
		return err
	}

	gw, err := buildGateway(cfg)
	if err != nil {
		return err
	}

	registry, err := tools.NewRegistry(
		shell.New(cli.Workspace),
		tools.NewTaskCompletionTool(),
	)
	if err != nil {
		return err
	}

	store, err := session.NewStore(session.Config{
		Enabled: cfg.SessionStore.Enabled,
		Path:    cfg.SessionStore.Path,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	opts := sessionOptions(cfg, cli, store)

	if cli.Flock > 1 {
		return runFlock(ctx, gw, registry, cli, opts)
	}
	return runSingle(ctx, gw, registry, cli, opts)
}

// buildGateway assembles the endpoint pool from configuration.
func buildGateway(cfg *config.Config) (*gateway.Gateway, error) {
	if len(cfg.Endpoints) == 0 {
		// Zero-config path: one endpoint from the environment.
		provider, err := openai.NewProvider("")
		if err != nil {
			return nil, fmt.Errorf("no endpoints configured and no environment fallback: %w", err)
		}
		return gateway.New(
			[]*gateway.Endpoint{gateway.NewEndpoint(provider.Name(), "primary", 0, provider)},
			gateway.WithMaxRetries(cfg.MaxRetryAttempts),
		)
	}

	endpoints := make([]*gateway.Endpoint, 0, len(cfg.Endpoints))
	for _, ec := range cfg.Endpoints {
		popts := []openai.ProviderOption{
			openai.WithBaseURL(ec.BaseURL),
			openai.WithName(ec.Name),
		}
		if ec.Model != "" {
			popts = append(popts, openai.WithModel(ec.Model))
		}
		if !ec.SupportsStreaming() {
			popts = append(popts, openai.WithoutStreaming())
		}
		provider, err := openai.NewProvider(ec.APIKey(), popts...)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", ec.Name, err)
		}
		endpoints = append(endpoints, gateway.NewEndpoint(ec.Name, ec.Role, ec.Priority, provider))
	}

	return gateway.New(endpoints, gateway.WithMaxRetries(cfg.MaxRetryAttempts))
}

// sessionOptions maps configuration onto session options.
func sessionOptions(cfg *config.Config, cli *CLIConfig, store session.Store) []agent.SessionOption {
	opts := []agent.SessionOption{
		agent.WithMaxTurns(cfg.MaxTurnsPerSession),
		agent.WithContextLimit(cfg.ContextWindowTokens, cfg.CompactionThreshold),
		agent.WithStore(store),
	}
	if cfg.MaxCompletionTokens > 0 || cfg.Temperature > 0 {
		opts = append(opts, agent.WithGenerationParams(cfg.MaxCompletionTokens, cfg.Temperature))
	}
	if !cfg.StreamingEnabled {
		opts = append(opts, agent.WithoutStreaming())
	}
	if cfg.PerToolTimeout > 0 {
		opts = append(opts, agent.WithPerToolTimeout(cfg.PerToolTimeout.Std()))
	}
	if cfg.AllowMultipleCalls {
		opts = append(opts, agent.WithParallelToolCalls())
	}
	if len(cfg.ToolAllowlist) > 0 {
		opts = append(opts, agent.WithToolAllowlist(cfg.ToolAllowlist))
	}
	timeout := cfg.SessionTimeout.Std()
	if cli.Timeout > 0 {
		timeout = cli.Timeout
	}
	if timeout > 0 {
		opts = append(opts, agent.WithSessionTimeout(timeout))
	}
	return opts
}

func runSingle(ctx context.Context, gw *gateway.Gateway, registry *tools.Registry, cli *CLIConfig, opts []agent.SessionOption) error {
	sess, err := agent.NewSession(gw, registry, opts...)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sess.Events() {
			printEvent(ev, cli.Quiet)
		}
	}()

	result, runErr := sess.Run(ctx, cli.Task)
	<-done

	printResult(result)
	return runErr
}

func runFlock(ctx context.Context, gw *gateway.Gateway, registry *tools.Registry, cli *CLIConfig, opts []agent.SessionOption) error {
	tasks := make([]string, cli.Flock)
	for i := range tasks {
		tasks[i] = cli.Task
	}

	flock := agent.NewFlock(gw, registry, opts...)
	results := flock.Run(ctx, tasks)

	var firstErr error
	for i, result := range results {
		fmt.Printf("\n=== Session %d/%d ===\n", i+1, len(results))
		printResult(result)
		if result.Err != nil && firstErr == nil {
			firstErr = result.Err
		}
	}
	return firstErr
}

func printEvent(ev *types.AgentEvent, quiet bool) {
	switch ev.Type {
	case types.EventTypeMessageContent:
		if !quiet {
			fmt.Print(ev.Content)
		}
	case types.EventTypeToolCall:
		fmt.Fprintf(os.Stderr, "\n[tool] %s (%s)\n", ev.ToolName, ev.InvocationID)
	case types.EventTypeToolResultError:
		fmt.Fprintf(os.Stderr, "[tool error] %s: %v\n", ev.ToolName, ev.Err)
	case types.EventTypeCompactionStart:
		fmt.Fprintln(os.Stderr, "[context] compacting history...")
	case types.EventTypeError:
		fmt.Fprintf(os.Stderr, "[error] %v\n", ev.Err)
	}
}

func printResult(result *agent.SessionResult) {
	if result == nil {
		return
	}
	fmt.Printf("\n\nSession %s finished: %s (%d turns)\n",
		result.SessionID, result.Reason, result.Turns)
	if result.FinalAnswer != "" {
		fmt.Printf("\n%s\n", strings.TrimSpace(result.FinalAnswer))
	}
	if result.Err != nil {
		fmt.Printf("Error: %v\n", result.Err)
	}
}
