package main

import (
	"context"
	"fmt"

	"github.com/swarmguard/workflows/internal/workflow"
)

// demoDefinition builds a small map-fan-out workflow: fetch produces a
// list of items, process doubles each one in parallel, and the run's
// output is the run input merged with the output of process, the only
// leaf step (its per-task results collected under "items").
func demoDefinition() (*workflow.Definition, error) {
	specs := []workflow.StepSpec{
		{
			Slug: "fetch",
			Meta: workflow.Metadata{Type: workflow.StepSingle},
			Impl: workflow.StepFunc{
				SlugName: "fetch",
				Fn: func(_ context.Context, _ map[string]any) (map[string]any, error) {
					return map[string]any{"items": []any{10.0, 20.0, 30.0}}, nil
				},
			},
		},
		{
			Slug:      "process",
			DependsOn: []string{"fetch"},
			Meta:      workflow.Metadata{Type: workflow.StepMap, InitialTasks: 3},
			Impl: workflow.StepFunc{
				SlugName: "process",
				Fn: func(_ context.Context, input map[string]any) (map[string]any, error) {
					item, _ := input["item"].(float64)
					return map[string]any{"doubled": item * 2}, nil
				},
			},
		},
	}
	return workflow.Build("demo_fetch_process", workflow.DefaultMaxAttempts, workflow.DefaultTimeoutSecs, specs)
}

func printResult(output map[string]any) {
	fmt.Printf("run output: %v\n", output)
}
