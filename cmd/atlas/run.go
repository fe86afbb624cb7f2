package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlas-research/atlas/internal/plan"
	"github.com/atlas-research/atlas/internal/store"
)

var (
	stepDelay time.Duration
	noArchive bool
	runAsJSON bool
)

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a plan definition",
	Long: `Loads a plan definition from YAML, executes it with the built-in echo
executor, and archives the final snapshot. The echo executor performs no real
work; it sleeps for --step-delay per step and reports success. Wire a real
step executor through the plan package to do actual research.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlan(cmd.Context(), args[0])
	},
}

func init() {
	runCmd.Flags().DurationVar(&stepDelay, "step-delay", 0, "artificial delay per step")
	runCmd.Flags().BoolVar(&noArchive, "no-archive", false, "skip archiving the final snapshot")
	runCmd.Flags().BoolVar(&runAsJSON, "json", false, "print the final snapshot as JSON")
	rootCmd.AddCommand(runCmd)
}

func runPlan(ctx context.Context, path string) error {
	def, err := plan.LoadDefinition(path)
	if err != nil {
		return err
	}

	controller := plan.NewController(plan.WithLogger(slog.Default()))

	state, err := controller.RegisterPlan(ctx, def)
	if err != nil {
		return err
	}
	slog.Info("plan registered", "plan_id", state.PlanID, "steps", state.TotalSteps)

	summary, execErr := controller.Execute(ctx, def.ID, echoExecutor(stepDelay))

	snapshot, snapErr := controller.GetSnapshot(def.ID)
	if snapErr != nil {
		return snapErr
	}

	if runAsJSON {
		data, err := snapshot.ToJSON()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		fmt.Println(snapshot.Summary())
	}

	if !noArchive && cfg.Archive.Path != "" {
		if err := archiveSnapshot(ctx, snapshot); err != nil {
			slog.Warn("failed to archive snapshot", "error", err)
		}
	}

	if execErr != nil {
		return execErr
	}

	slog.Info("plan finished",
		"plan_id", summary.PlanID,
		"status", summary.Status,
		"completed", summary.CompletedSteps,
		"total", summary.TotalSteps,
		"duration", summary.Duration,
	)
	return nil
}

// echoExecutor is the built-in demo executor: it logs the step, waits the
// configured delay, and reports success.
func echoExecutor(delay time.Duration) plan.StepExecutor {
	return func(ctx context.Context, step plan.Step) (*plan.StepResult, error) {
		start := time.Now()
		slog.Info("running step", "step_id", step.ID, "action", step.Action)

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return &plan.StepResult{
			StepID:   step.ID,
			Status:   plan.StepResultSuccess,
			Output:   map[string]any{"echo": step.Action},
			Duration: time.Since(start),
		}, nil
	}
}

func archiveSnapshot(ctx context.Context, snapshot *plan.Snapshot) error {
	archive, err := openArchive()
	if err != nil {
		return err
	}
	defer archive.Close()

	data, err := snapshot.ToJSON()
	if err != nil {
		return err
	}

	return archive.Save(ctx, store.SnapshotRecord{
		ID:         snapshot.ID.String(),
		PlanID:     snapshot.PlanID,
		Status:     string(snapshot.Status),
		Data:       data,
		ArchivedAt: snapshot.CapturedAt,
	})
}
