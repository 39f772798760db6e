// Package main is the minimal entry point that makes the routing and
// execution core runnable from a shell: it wires configuration, logging,
// the provider registry, and the orchestrator together behind a single
// "run" command. The interactive terminal front end, context-retrieval
// subsystem, and individual external tool implementations are out of
// scope here, same as in the library itself.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"merlin/internal/analyzer"
	"merlin/internal/config"
	"merlin/internal/filelock"
	"merlin/internal/logging"
	"merlin/internal/orchestrator"
	"merlin/internal/providers"
	"merlin/internal/router"
	"merlin/internal/scheduler"
	"merlin/internal/scripting"
	"merlin/internal/thread"
	"merlin/internal/tools"
	"merlin/internal/tools/core"
	"merlin/internal/tools/shell"
	"merlin/internal/toolcall"
	"merlin/internal/validation"
	"merlin/internal/workspace"
)

var (
	workspaceDir string
	configPath   string
	threadID     string
)

var rootCmd = &cobra.Command{
	Use:   "merlin",
	Short: "Merlin routing and execution core",
}

var runCmd = &cobra.Command{
	Use:   "run [request text]",
	Short: "Decompose a request into subtasks and execute them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRequest(args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "w", "", "project root (default: current directory)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "merlin.yaml", "path to the config file")
	runCmd.Flags().StringVar(&threadID, "thread", "", "existing thread id to continue (default: start a new thread)")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runRequest(request string) error {
	root := workspaceDir
	if root == "" {
		var err error
		root, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("getwd: %w", err)
		}
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logging.Initialize(root, cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize logging: %v\n", err)
	}

	registry, err := buildProviderRegistry(cfg)
	if err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}

	decomposer, err := pickDecomposer(registry)
	if err != nil {
		return fmt.Errorf("select decomposer provider: %w", err)
	}

	toolRegistry := tools.NewRegistry()
	if err := core.RegisterAll(toolRegistry); err != nil {
		return fmt.Errorf("register file tools: %w", err)
	}
	if err := shell.RegisterAll(toolRegistry); err != nil {
		return fmt.Errorf("register shell tools: %w", err)
	}
	if err := toolRegistry.Register(scripting.Tool()); err != nil {
		return fmt.Errorf("register scripting tool: %w", err)
	}

	ws := workspace.New(root)
	threads := thread.NewStore(root)

	orc := orchestrator.Build(orchestrator.Deps{
		Config:     cfg,
		Analyzer:   analyzer.New(decomposer),
		Router:     router.New(cfg, registry),
		Scheduler:  scheduler.New(scheduler.Config{MaxConcurrentTasks: cfg.MaxConcurrentTasks, SlotAcquireTimeout: scheduler.DefaultConfig().SlotAcquireTimeout}),
		FileLocks:  filelock.New(),
		Workspace:  ws,
		Validation: validation.New(cfg),
		Dispatcher: toolcall.New(toolRegistry, ws, root),
		Threads:    threads,
	})

	th, err := resolveThread(threads)
	if err != nil {
		return err
	}

	go printEvents(orc)

	ctx := context.Background()
	if err := orc.Run(ctx, th.ID, root, request); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	fmt.Printf("thread %s completed\n", th.ID)
	return nil
}

func resolveThread(threads *thread.Store) (*thread.Thread, error) {
	if threadID != "" {
		return threads.Load(threadID)
	}
	return threads.Create("blue")
}

func printEvents(orc *orchestrator.Orchestrator) {
	for evt := range orc.Events() {
		switch evt.Type {
		case orchestrator.EventTaskStarted:
			fmt.Printf("[%s] started: %s\n", evt.TaskID, evt.Message)
		case orchestrator.EventTaskStepCompleted:
			fmt.Printf("[%s] %s: %s\n", evt.TaskID, evt.Step, evt.Message)
		case orchestrator.EventTaskFailed:
			fmt.Printf("[%s] failed: %s\n", evt.TaskID, evt.Message)
		case orchestrator.EventTaskCompleted:
			fmt.Printf("[%s] completed\n", evt.TaskID)
		}
	}
}

// buildProviderRegistry constructs one provider per configured entry under
// provider.<id>: an entry with an endpoint is treated as a local,
// Ollama-compatible server; everything else is treated as Gemini. The tier
// an entry serves comes from whichever routing.difficulty bands reference
// it, or falls back to the id itself ("local"/"mid"/"premium").
func buildProviderRegistry(cfg *config.Config) (*providers.Registry, error) {
	registry := providers.NewRegistry()

	tierByID := map[string]config.Tier{}
	for _, band := range cfg.Routing.Difficulty {
		if band.Provider != "" {
			tierByID[band.Provider] = band.Tier
		}
	}

	for id, pcfg := range cfg.Providers {
		if pcfg.Endpoint != "" {
			p, err := providers.NewLocalProvider(id, pcfg)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", id, err)
			}
			registry.Register(id, p)
			continue
		}

		tier, ok := tierByID[id]
		if !ok {
			tier = tierForID(id)
		}
		p, err := providers.NewGeminiProvider(id, pcfg, tier)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		registry.Register(id, p)
	}

	return registry, nil
}

func tierForID(id string) config.Tier {
	switch id {
	case "local":
		return config.TierLocal
	case "mid":
		return config.TierMid
	default:
		return config.TierPremium
	}
}

// pickDecomposer prefers the highest tier available for turning a request
// into a subtask graph, since decomposition quality matters more than cost
// at this single call site.
func pickDecomposer(registry *providers.Registry) (providers.Provider, error) {
	ctx := context.Background()
	for _, tier := range []config.Tier{config.TierPremium, config.TierMid, config.TierLocal} {
		if p, err := registry.ForTier(ctx, tier); err == nil {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no available provider to decompose requests")
}
