package workflow

import (
	"github.com/swarmguard/workflows/internal/workflowerr"
)

const (
	DefaultMaxAttempts = 3
	DefaultTimeoutSecs = 60
)

// Build validates a set of StepSpecs and produces an immutable Definition:
// no cycles, no dangling dependency, no duplicate slugs, map steps with at
// most one dependency. The rest of the runtime assumes these hold.
func Build(workflowSlug string, maxAttempts, timeoutSecs int, specs []StepSpec) (*Definition, error) {
	if !ValidSlug(workflowSlug) {
		return nil, workflowerr.Validation("invalid workflow slug %q", workflowSlug)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if timeoutSecs <= 0 {
		timeoutSecs = DefaultTimeoutSecs
	}

	d := &Definition{
		Slug:        workflowSlug,
		MaxAttempts: maxAttempts,
		TimeoutSecs: timeoutSecs,
		deps:        make(map[string][]string),
		children:    make(map[string][]string),
		meta:        make(map[string]Metadata),
		impls:       make(map[string]Step),
	}

	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if !ValidSlug(s.Slug) {
			return nil, workflowerr.Validation("invalid step slug %q in workflow %q", s.Slug, workflowSlug)
		}
		if seen[s.Slug] {
			return nil, workflowerr.Validation("duplicate step slug %q in workflow %q", s.Slug, workflowSlug)
		}
		seen[s.Slug] = true
	}

	for _, s := range specs {
		meta := s.Meta
		if meta.Type == "" {
			meta.Type = StepSingle
		}
		if meta.Type == StepSingle {
			meta.InitialTasks = 1
		} else if meta.InitialTasks < 0 {
			return nil, workflowerr.Validation("step %q: initial_tasks must be non-negative", s.Slug)
		}
		if meta.MaxAttempts <= 0 {
			meta.MaxAttempts = maxAttempts
		}
		if meta.TimeoutSecs <= 0 {
			meta.TimeoutSecs = timeoutSecs
		}
		if meta.Type == StepMap && len(s.DependsOn) > 1 {
			return nil, workflowerr.Validation("step %q: map steps may have at most one dependency", s.Slug)
		}

		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return nil, workflowerr.Validation("step %q depends on unknown step %q", s.Slug, dep)
			}
		}

		d.order = append(d.order, s.Slug)
		d.deps[s.Slug] = append([]string(nil), s.DependsOn...)
		d.meta[s.Slug] = meta
		if s.Impl != nil {
			d.impls[s.Slug] = s.Impl
		}
		for _, dep := range s.DependsOn {
			d.children[dep] = append(d.children[dep], s.Slug)
		}
	}

	if err := detectCycle(d.order, d.deps); err != nil {
		return nil, err
	}

	return d, nil
}

// detectCycle runs a DFS coloring check. Authoring surfaces are expected
// to hand over acyclic graphs; this catches a Definition built directly.
func detectCycle(order []string, deps map[string][]string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(order))
	var visit func(node string) error
	visit = func(node string) error {
		color[node] = gray
		for _, dep := range deps[node] {
			switch color[dep] {
			case gray:
				return workflowerr.Validation("workflow has a cycle involving step %q", node)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[node] = black
		return nil
	}
	for _, n := range order {
		if color[n] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}
