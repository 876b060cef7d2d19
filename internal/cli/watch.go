package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/dbplane/dbplane/internal/engine"
	"github.com/dbplane/dbplane/internal/eval"
	"github.com/dbplane/dbplane/internal/registry"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch [config-path]",
	Short: "Re-plan whenever the configuration changes",
	Long: `Watches the configuration directory and re-runs validation and planning
whenever a .pkl file changes. Nothing is ever applied; this is a fast
feedback loop while editing configuration.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "Quiet period before re-planning after a change")
}

func runWatch(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkdir(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(wd); err != nil {
		return fmt.Errorf("failed to watch %s: %w", wd, err)
	}

	replan := func() {
		fmt.Printf("\n--- %s ---\n", time.Now().Format(time.TimeOnly))

		evaluator := eval.NewEvaluator(wd)
		cfg, err := evaluator.LoadConfig(ctx, entryPoint, nil)
		if err != nil {
			destroyColor.Printf("config invalid: %v\n", err)
			return
		}

		store, err := loadStateStore(wd, evaluator)
		if err != nil {
			destroyColor.Printf("state unavailable: %v\n", err)
			return
		}
		currentState, err := store.Read(ctx)
		if err != nil {
			destroyColor.Printf("failed to read state: %v\n", err)
			return
		}

		eng := engine.NewEngine(registry.NewRegistry())
		plan, err := eng.CreatePlan(ctx, cfg, planningContext(ctx, cfg), currentState)
		if err != nil {
			destroyColor.Printf("plan failed: %v\n", err)
			return
		}

		if len(plan.Changes) == 0 {
			createColor.Println("No changes. Infrastructure is up-to-date.")
			return
		}
		renderPlanChanges(plan)
		renderPlanSummary(plan)
	}

	fmt.Printf("Watching %s for changes (Ctrl-C to stop)...\n", wd)
	replan()

	// Editors fire bursts of events per save; a debounce timer collapses
	// each burst into one re-plan.
	var timer *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".pkl") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			destroyColor.Printf("watch error: %v\n", err)

		case <-pending:
			replan()
		}
	}
}
