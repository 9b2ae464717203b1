package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/maestro/internal/dispatcher"
	"github.com/zjrosen/maestro/internal/engine"
	"github.com/zjrosen/maestro/internal/orchestrator"
)

var (
	orchTemplate string
	orchCwd      string
	orchVars     []string
	orchYes      bool
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate <message>",
	Short: "Run one orchestration to completion",
	Long: `Create and run an orchestrator for the given request. The main session
analyzes the request and plans sub-tasks; after confirmation the tasks run
in parallel worker sessions and the results are aggregated.

Example:
  maestro orchestrate "add retry logic to the http client" --cwd ~/src/app`,
	Args: cobra.ExactArgs(1),
	RunE: runOrchestrate,
}

func init() {
	rootCmd.AddCommand(orchestrateCmd)
	orchestrateCmd.Flags().StringVarP(&orchTemplate, "template", "t", "_default",
		"orchestration template id")
	orchestrateCmd.Flags().StringVar(&orchCwd, "cwd", "",
		"working directory for sessions (default: current directory)")
	orchestrateCmd.Flags().StringArrayVar(&orchVars, "var", nil,
		"template variable as KEY=value (repeatable)")
	orchestrateCmd.Flags().BoolVarP(&orchYes, "yes", "y", false,
		"spawn workers without confirming the task list")
}

func runOrchestrate(cmd *cobra.Command, args []string) error {
	cleanup, err := initLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	cwd := orchCwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return fmt.Errorf("getting current directory: %w", err)
		}
	}

	vars, err := parseVars(orchVars)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = eng.Shutdown(shutdownCtx)
	}()

	events := eng.Dispatcher.Subscribe(ctx)

	o, err := eng.Manager.Create(ctx, orchestrator.CreateRequest{
		TemplateID: orchTemplate,
		Cwd:        cwd,
		Message:    args[0],
		Variables:  vars,
	})
	if err != nil {
		return err
	}
	fmt.Printf("orchestrator %s created (template %s)\n", o.ID, orchTemplate)

	if err := eng.Manager.Start(ctx, o.ID); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "interrupted; cancelling orchestrator")
			cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return eng.Manager.Cancel(cancelCtx, o.ID)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e := ev.Payload
			if e.OrchestratorID != o.ID {
				continue
			}
			printEvent(e)

			switch e.Name {
			case dispatcher.OrchestratorTasksReady:
				if err := confirmTasks(ctx, eng, o.ID, e); err != nil {
					return err
				}
			case dispatcher.OrchestratorCompleted:
				return printOutcome(eng, o.ID)
			case dispatcher.OrchestratorError, dispatcher.OrchestratorCancelled:
				_ = printOutcome(eng, o.ID)
				return fmt.Errorf("orchestrator %s finished with %s", o.ID, e.Name)
			}
		}
	}
}

// confirmTasks prints the planned tasks and spawns workers. The template's
// autoSpawnWorkers setting bypasses this entirely; when set, the manager has
// already spawned and ConfirmTasksAndSpawn returns ErrInvalidTransition,
// which we treat as confirmation having happened.
func confirmTasks(ctx context.Context, eng *engine.Engine, id string, e dispatcher.Event) error {
	if tasks, ok := e.Payload.([]orchestrator.Task); ok {
		fmt.Printf("planned %d task(s):\n", len(tasks))
		for _, t := range tasks {
			fmt.Printf("  %-8s %s\n", t.ID, t.Title)
		}
	}

	if !orchYes {
		fmt.Print("spawn workers? [y/N] ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
			cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return eng.Manager.Cancel(cancelCtx, id)
		}
	}

	err := eng.Manager.ConfirmTasksAndSpawn(ctx, id, nil)
	if err != nil && errorIsPhaseRace(eng, id) {
		return nil
	}
	return err
}

// errorIsPhaseRace reports whether the orchestrator already moved past
// confirmation, which happens with autoSpawnWorkers templates.
func errorIsPhaseRace(eng *engine.Engine, id string) bool {
	o, err := eng.Manager.Get(id)
	if err != nil {
		return false
	}
	return o.CurrentPhase != orchestrator.PhaseAwaitingConfirmation
}

func printEvent(e dispatcher.Event) {
	switch e.Name {
	case dispatcher.WorkerProgress, dispatcher.OrchestratorProgress:
		// High-frequency; logged, not printed.
	default:
		fmt.Printf("%s %s\n", e.Time.Format(time.TimeOnly), e.Name)
	}
}

func printOutcome(eng *engine.Engine, id string) error {
	o, err := eng.Manager.Get(id)
	if err != nil {
		return err
	}
	fmt.Printf("orchestrator %s: %s (phase %s)\n", o.ID, o.Status, o.CurrentPhase)
	if o.ErrorReason != "" {
		fmt.Printf("  reason: %s\n", o.ErrorReason)
	}
	if o.Aggregation != nil {
		fmt.Printf("  aggregation: %s\n", o.Aggregation.Status)
		if o.Aggregation.Summary != "" {
			fmt.Printf("  %s\n", o.Aggregation.Summary)
		}
	}
	for _, w := range o.Workers {
		fmt.Printf("  worker %s [%s] retries=%d\n", w.WorkerID, w.Status, w.RetryCount)
	}
	return nil
}

func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --var %q, expected KEY=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}
