package swarm

import (
	"fmt"
	"sort"
	"strings"
)

// validateGraph checks id uniqueness and that every dependency resolves
// within the submission. An unresolved reference is a configuration bug and
// fails the whole run before any stage executes; cycles are detected later,
// during stage resolution.
func validateGraph(tasks []Task) error {
	ids := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("task %d has an empty id", i)
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		ids[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("task %q depends on unknown task %q: %w", t.ID, dep, ErrUnresolvedDependency)
			}
		}
	}
	return nil
}

// nextStage collects every remaining task whose dependencies are all
// completed, preserving submission order. A task depending on itself is
// never ready and therefore surfaces through the cycle path.
func nextStage(tasks []Task, remaining map[string]bool, completed map[string]TaskResult) []Task {
	var stage []Task
	for _, t := range tasks {
		if !remaining[t.ID] {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if _, ok := completed[dep]; !ok {
				ready = false
				break
			}
		}
		if ready {
			stage = append(stage, t)
		}
	}
	return stage
}

// blockedIDs names the tasks stuck in a cycle, sorted for stable errors.
func blockedIDs(remaining map[string]bool) string {
	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ", ")
}

// dependencySnapshot copies the completed results a stage's tasks are
// allowed to observe. Every task in the stage shares the same snapshot.
func dependencySnapshot(completed map[string]TaskResult) map[string]TaskResult {
	snap := make(map[string]TaskResult, len(completed))
	for id, r := range completed {
		snap[id] = r
	}
	return snap
}
