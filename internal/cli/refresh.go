package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sync"

	"github.com/dbplane/dbplane/internal/applier"
	"github.com/dbplane/dbplane/internal/eval"
	"github.com/dbplane/dbplane/internal/ir"
	"github.com/dbplane/dbplane/internal/registry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// refreshParallelism bounds concurrent Read calls against the applier.
const refreshParallelism = 5

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Update state to match real infrastructure",
	Long: `Reads the live state of all managed resources from their applier and
updates the state file to reflect actual infrastructure.

This detects drift between what dbplane thinks exists and what actually
exists.`,
	RunE: runRefresh,
}

func runRefresh(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	store, err := loadStateStore(wd, evaluator)
	if err != nil {
		return err
	}
	reg := registry.NewRegistry()

	if err := store.Lock(); err != nil {
		return err
	}
	defer store.Unlock()

	fmt.Print("Reading state... ")
	currentState, err := store.Read(ctx)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to read state: %w", err)
	}
	fmt.Println("OK")

	if len(currentState.Resources) == 0 {
		fmt.Println("No resources to refresh.")
		return nil
	}

	for _, res := range currentState.Resources {
		if err := reg.Load(res.Applier); err != nil {
			return fmt.Errorf("failed to load applier %s: %w", res.Applier, err)
		}
	}

	fmt.Printf("Refreshing %d resource(s)...\n\n", len(currentState.Resources))

	var (
		mu        sync.Mutex
		drifted   int
		goneAddrs = make(map[string]bool)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshParallelism)

	for _, res := range currentState.Resources {
		res := res
		g.Go(func() error {
			addr := res.Address()
			a, err := reg.Get(res.Applier)
			if err != nil {
				fmt.Printf("  %s: SKIP (applier %s not available)\n", addr, res.Applier)
				return nil
			}

			var resourceID string
			if id, ok := res.Outputs["id"]; ok {
				resourceID = fmt.Sprintf("%v", id)
			}

			var currentJSON []byte
			if res.Outputs != nil {
				currentJSON, _ = json.Marshal(res.Outputs)
			}

			resp, err := a.Read(gctx, &applier.ReadRequest{
				Kind:        res.Kind,
				ID:          resourceID,
				CurrentJSON: currentJSON,
			})
			if err != nil {
				fmt.Printf("  %s: ERROR (%v)\n", addr, err)
				return nil
			}

			if !resp.Exists {
				destroyColor.Printf("  %s: DELETED (no longer exists)\n", addr)
				mu.Lock()
				goneAddrs[addr] = true
				mu.Unlock()
				return nil
			}

			if len(resp.OutputsJSON) > 0 {
				var newOutputs map[string]any
				if err := json.Unmarshal(resp.OutputsJSON, &newOutputs); err == nil {
					mu.Lock()
					if !reflect.DeepEqual(newOutputs, res.Outputs) {
						changeColor.Printf("  %s: DRIFTED (state updated)\n", addr)
						res.Outputs = newOutputs
						drifted++
					} else {
						fmt.Printf("  %s: OK\n", addr)
					}
					mu.Unlock()
					return nil
				}
			}
			fmt.Printf("  %s: OK\n", addr)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	// Drop state entries for resources that vanished out of band.
	if len(goneAddrs) > 0 {
		kept := make([]*ir.ResourceState, 0, len(currentState.Resources))
		for _, res := range currentState.Resources {
			if goneAddrs[res.Address()] {
				continue
			}
			kept = append(kept, res)
		}
		currentState.Resources = kept
	}

	if drifted > 0 || len(goneAddrs) > 0 {
		currentState.Serial++
		if err := store.Write(ctx, currentState); err != nil {
			return fmt.Errorf("failed to write state: %w", err)
		}
	}

	fmt.Printf("\nRefresh complete. %d drifted, %d deleted.\n", drifted, len(goneAddrs))
	return nil
}
