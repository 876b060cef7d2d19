package cli

import (
	"fmt"

	"github.com/dbplane/dbplane/internal/engine"
	"github.com/dbplane/dbplane/internal/eval"
	"github.com/emicklei/dot"
	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph [config-path]",
	Short: "Output the dependency graph in DOT format",
	Long: `Generates a visual representation of the resource dependency graph
in Graphviz DOT format. Pipe the output to 'dot' to generate an image:

  dbplane graph | dot -Tpng > graph.png`,
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkdir(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	cfg, err := evaluator.LoadConfig(ctx, entryPoint, nil)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// The graph reflects composition only, so a placeholder lineage is fine:
	// derived names change with lineage but edges do not.
	cp, err := engine.Compile(cfg, planningContext(ctx, cfg), "graph")
	if err != nil {
		return fmt.Errorf("failed to compile plan: %w", err)
	}
	if err := engine.ResolvePlanRefs(cp); err != nil {
		return fmt.Errorf("failed to resolve references: %w", err)
	}

	dag, err := engine.BuildDAG(cp.Specs)
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}

	g := dot.NewGraph(dot.Directed)
	g.Attr("rankdir", "BT")
	g.NodeInitializer(func(n dot.Node) {
		n.Attr("shape", "rect")
	})

	nodes := make(map[string]dot.Node)
	for _, spec := range cp.Specs {
		nodes[spec.Address()] = g.Node(spec.Address())
	}

	for _, spec := range cp.Specs {
		addr := spec.Address()
		for _, dep := range dag.Dependencies(addr) {
			if target, ok := nodes[dep]; ok {
				g.Edge(nodes[addr], target)
			}
		}
	}

	fmt.Println(g.String())
	return nil
}
