package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/maestro/internal/engine"
	"github.com/zjrosen/maestro/internal/log"
)

var daemonRearm bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestration engine in the foreground",
	Long: `Run the orchestration engine: restores persisted orchestrators, polls
worker sessions, tracks subsessions, and watches the template directory.

Restored orchestrators stay dormant unless --rearm is given, in which case
monitoring resumes for every non-terminal orchestrator.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().BoolVar(&daemonRearm, "rearm", false,
		"resume monitoring for restored non-terminal orchestrators")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cleanup, err := initLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	if daemonRearm {
		for _, o := range eng.Manager.List() {
			if o.Status.Terminal() {
				continue
			}
			if err := eng.Manager.Rearm(ctx, o.ID); err != nil {
				log.Warn(log.CatOrch, "rearm failed", "id", o.ID, "error", err)
			}
		}
	}

	// Mirror engine events to stdout until interrupted.
	events := eng.Dispatcher.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return eng.Shutdown(shutdownCtx)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e := ev.Payload
			fmt.Printf("%s %s orch=%s worker=%s session=%s\n",
				e.Time.Format(time.TimeOnly), e.Name, e.OrchestratorID, e.WorkerID, e.SessionID)
		}
	}
}
