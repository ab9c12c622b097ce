package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rahul/stepforge/internal/agent"
	"github.com/rahul/stepforge/internal/gateway"
	"github.com/rahul/stepforge/internal/governance"
	"github.com/rahul/stepforge/internal/observability"
	"github.com/rahul/stepforge/internal/providers"
	"github.com/rahul/stepforge/internal/sandbox"
	"github.com/rahul/stepforge/internal/store"
	"github.com/rahul/stepforge/internal/tools"
	"github.com/rahul/stepforge/pkg/config"
)

type rootOptions struct {
	configPath string
	workspace  string
	quiet      bool
	events     bool
	jsonOut    bool
}

func main() {
	// Route all log output through the terminal mutex so it never
	// interleaves with progress lines.
	log.SetOutput(observability.NewTermWriter())

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "stepforge [task]",
		Short:        "Plan, execute and evaluate a task step by step in a sandboxed Python workspace",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTask(ctx, opts, strings.Join(args, " "))
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "config file (.json or .yaml)")
	root.Flags().StringVarP(&opts.workspace, "workspace", "w", "", "workspace directory (overrides config)")
	root.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "only print the final summary")
	root.Flags().BoolVar(&opts.events, "events", false, "write structured JSON events to stderr")
	root.Flags().BoolVar(&opts.jsonOut, "json", false, "print the final plan as JSON")

	root.AddCommand(newInspectCmd(opts))
	return root
}

func defaultConfigPath() string {
	for _, p := range []string{"config.yaml", "config.yml", "config.json"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func runTask(ctx context.Context, opts *rootOptions, task string) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.workspace != "" {
		cfg.App.Workspace = opts.workspace
	}

	out := observability.NewTermWriter()
	if !opts.quiet {
		observability.PrintBanner(out)
	}

	logger := observability.NewLogger(cfg.App.LogDir)
	if opts.events {
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(nil)
	}

	// Initialize LLM (using default enabled provider)
	pName, pCfg := cfg.GetDefaultProvider()
	if pName == "" {
		return errors.New("no enabled provider found in config")
	}
	model, err := providers.New(ctx, pName, pCfg)
	if err != nil {
		return err
	}
	if c, ok := model.(io.Closer); ok {
		defer c.Close()
	}

	gov, err := governance.NewPolicyEngine(cfg.Policy.DenyTools, cfg.Policy.DenyPatterns)
	if err != nil {
		return err
	}

	// Sandbox and tools
	manager := sandbox.NewManager(sandbox.ManagerOptions{
		BaseInterpreter: cfg.Sandbox.Interpreter,
		PackageManager:  cfg.Sandbox.PackageManager,
		DefaultPackages: cfg.Sandbox.DefaultPackages,
		InstallTimeout:  cfg.Sandbox.InstallTimeout(),
	})
	runner := sandbox.NewRunner(manager, sandbox.RunnerOptions{
		Timeout:        cfg.Sandbox.ExecutionTimeout(),
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
	})
	registry := tools.NewSandboxRegistry(tools.Deps{
		Source:    manager,
		Runner:    runner,
		Installer: manager,
	})
	dispatcher := tools.NewDispatcher(registry, gov)
	dispatcher.Logger = logger

	// Agent
	prompts := agent.NewPromptManager(cfg.Agent.PromptsDir)
	strategy := agent.RetryStrategy{
		MaxAttempts: cfg.Agent.MaxRetryAttempts,
		BaseDelay:   cfg.Agent.RetryBaseDelay(),
		MaxDelay:    cfg.Agent.RetryMaxDelay(),
		Multiplier:  cfg.Agent.RetryMultiplier,
	}
	planner := agent.NewLLMPlanner(model, prompts, registry, logger)
	worker := agent.NewWorkerBrain(model, dispatcher, prompts, logger)
	worker.MaxSteps = cfg.Agent.MaxToolSteps
	evaluator := agent.NewEvaluator(model, strategy, prompts, logger)

	session := agent.NewSession(task, cfg.App.Workspace)
	progress := func(agent.ProgressRecord) {}
	if !opts.quiet {
		progress = progressPrinter(out, session)
	}
	orch := agent.NewOrchestrator(manager, planner, worker, evaluator, logger, agent.Options{
		MaxIterations: cfg.Agent.MaxIterations,
		Retry:         strategy,
		OnProgress:    progress,
	})

	if cfg.Memory.Type == "sqlite" {
		ledger, err := store.NewRunLedger(cfg.Memory.Path)
		if err != nil {
			log.Printf("Warning: run ledger disabled: %v", err)
		} else {
			defer ledger.Close()
			orch.Ledger = ledger
		}
	}

	notifiers, err := gateway.FromConfig(cfg.Gateways)
	if err != nil {
		log.Printf("Warning: notifications disabled: %v", err)
	}

	log.Printf("[ INIT ] session %s using %s (%s)", session.ID, pName, pCfg.Model)
	runErr := orch.Run(ctx, session)

	if opts.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(session.Plan); err != nil {
			return err
		}
	} else {
		observability.PrintLine(os.Stdout, "\n%s\n\nElapsed: %s  Session: %s",
			session.Plan.Summary(), session.Elapsed().Round(time.Millisecond), session.ID)
	}

	if len(notifiers) > 0 {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		if err := notifiers.Notify(nctx, gateway.FormatRunSummary(session)); err != nil {
			log.Printf("Warning: notification failed: %v", err)
		}
		cancel()
	}

	if runErr != nil {
		return runErr
	}
	if session.Plan.Status != agent.PlanCompleted {
		return fmt.Errorf("run ended %s", session.Plan.Status)
	}
	return nil
}

// progressPrinter renders progress records as terminal lines.
func progressPrinter(w io.Writer, s *agent.Session) func(agent.ProgressRecord) {
	return func(rec agent.ProgressRecord) {
		switch rec.Kind {
		case agent.ProgressVerdict:
			done, total := 0, 0
			if s.Plan != nil {
				done, total = len(s.Plan.CompletedSteps()), len(s.Plan.Steps)+len(s.Plan.Superseded)
			}
			observability.PrintLine(w, "  %s step %d %s", observability.ProgressBar(done, total, 20), rec.StepOrder, observability.StatusColor(rec.Message))
		case agent.ProgressStatus:
			observability.PrintLine(w, "[%03d] %s", rec.Seq, observability.StatusColor(string(rec.PlanStatus)))
		case agent.ProgressFinished:
		default:
			if rec.StepOrder > 0 {
				observability.PrintLine(w, "[%03d] %-8s step %d: %s", rec.Seq, rec.Kind, rec.StepOrder, rec.Message)
			} else {
				observability.PrintLine(w, "[%03d] %-8s %s", rec.Seq, rec.Kind, rec.Message)
			}
		}
	}
}

func newInspectCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [session-id]",
		Short: "Show a recorded run and its attempts from the run ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(root.configPath)
			if err != nil {
				return err
			}
			ledger, err := store.NewRunLedger(cfg.Memory.Path)
			if err != nil {
				return err
			}
			defer ledger.Close()

			ctx := cmd.Context()
			run, err := ledger.Run(ctx, args[0])
			if err != nil {
				return err
			}
			attempts, err := ledger.Attempts(ctx, args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Task:   %s\n", run.Task)
			fmt.Fprintf(w, "Status: %s (%d iterations, %d replans)\n", observability.StatusColor(run.Status), run.TotalIterations, run.ReplanCount)
			if !run.FinishedAt.IsZero() {
				fmt.Fprintf(w, "Took:   %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
			}
			for _, a := range attempts {
				fmt.Fprintf(w, "  step %d attempt %d: %s -> %s", a.StepOrder, a.Attempt, a.ExecStatus, observability.StatusColor(a.Verdict))
				if a.Reasoning != "" {
					fmt.Fprintf(w, " (%s)", a.Reasoning)
				}
				fmt.Fprintln(w)
			}
			for _, issue := range run.Issues {
				fmt.Fprintf(w, "  ! %s\n", issue)
			}
			return nil
		},
	}
}
