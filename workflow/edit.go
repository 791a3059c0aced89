package workflow

import (
	"fmt"
	"slices"
	"strings"
)

// EditOp names a structured plan edit.
type EditOp string

const (
	EditAddTodo          EditOp = "add_todo"
	EditRemoveTodo       EditOp = "remove_todo"
	EditChangePriority   EditOp = "change_priority"
	EditAddDependency    EditOp = "add_dependency"
	EditRemoveDependency EditOp = "remove_dependency"
)

// Edit is one structured change to a plan's todo graph. Free-text edit
// instructions must be translated into edits before they reach the engine.
type Edit struct {
	Op EditOp `json:"op" yaml:"op"`

	// Todo is the new todo for add_todo.
	Todo *TodoSpec `json:"todo,omitempty" yaml:"todo,omitempty"`

	// TodoID targets remove_todo, change_priority and dependency edits.
	TodoID string `json:"todo_id,omitempty" yaml:"todo_id,omitempty"`

	// DependsOn is the dependency for add_dependency and remove_dependency.
	DependsOn string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Cascade lets remove_todo take its transitive dependents with it.
	Cascade bool `json:"cascade,omitempty" yaml:"cascade,omitempty"`
}

// Validate checks that the edit carries the fields its op needs.
func (e Edit) Validate() error {
	switch e.Op {
	case EditAddTodo:
		if e.Todo == nil {
			return fmt.Errorf("%s: todo is required", e.Op)
		}
	case EditRemoveTodo:
		if e.TodoID == "" {
			return fmt.Errorf("%s: todo_id is required", e.Op)
		}
	case EditChangePriority:
		if e.TodoID == "" {
			return fmt.Errorf("%s: todo_id is required", e.Op)
		}
		if e.Priority < MinPriority || e.Priority > MaxPriority {
			return fmt.Errorf("%s: priority %d outside [%d,%d]", e.Op, e.Priority, MinPriority, MaxPriority)
		}
	case EditAddDependency, EditRemoveDependency:
		if e.TodoID == "" || e.DependsOn == "" {
			return fmt.Errorf("%s: todo_id and depends_on are required", e.Op)
		}
	default:
		return fmt.Errorf("unknown edit op %q", e.Op)
	}
	return nil
}

func (e Edit) String() string {
	switch e.Op {
	case EditAddTodo:
		if e.Todo != nil {
			return fmt.Sprintf("%s %s", e.Op, e.Todo.ID)
		}
	case EditAddDependency, EditRemoveDependency:
		return fmt.Sprintf("%s %s -> %s", e.Op, e.TodoID, e.DependsOn)
	case EditChangePriority:
		return fmt.Sprintf("%s %s = %d", e.Op, e.TodoID, e.Priority)
	}
	return fmt.Sprintf("%s %s", e.Op, e.TodoID)
}

// DiffEdits computes the edits that turn the current todo set into the
// desired one. New todos are added without dependencies and wired with
// add_dependency afterwards so insertion order never matters. Todos that
// already started are never removed. Fields other than priority and
// dependencies are not editable and are ignored.
func DiffEdits(current []*Todo, desired []TodoSpec) []Edit {
	byID := make(map[string]*Todo, len(current))
	for _, t := range current {
		byID[t.ID] = t
	}
	want := make(map[string]TodoSpec, len(desired))
	for _, d := range desired {
		want[strings.TrimSpace(d.ID)] = d
	}

	var adds, depAdds, depRemoves, priorities, removes []Edit

	for _, id := range sortedKeys(want) {
		d := want[id]
		cur, exists := byID[id]
		if !exists {
			spec := d
			spec.ID = id
			spec.DependsOn = nil
			adds = append(adds, Edit{Op: EditAddTodo, Todo: &spec})
			for _, dep := range uniqueSorted(d.DependsOn) {
				depAdds = append(depAdds, Edit{Op: EditAddDependency, TodoID: id, DependsOn: dep})
			}
			continue
		}
		wantDeps := uniqueSorted(d.DependsOn)
		for _, dep := range wantDeps {
			if !slices.Contains(cur.DependsOn, dep) {
				depAdds = append(depAdds, Edit{Op: EditAddDependency, TodoID: id, DependsOn: dep})
			}
		}
		for _, dep := range uniqueSorted(cur.DependsOn) {
			if !slices.Contains(wantDeps, dep) {
				depRemoves = append(depRemoves, Edit{Op: EditRemoveDependency, TodoID: id, DependsOn: dep})
			}
		}
		if cur.Priority != d.Priority {
			priorities = append(priorities, Edit{Op: EditChangePriority, TodoID: id, Priority: d.Priority})
		}
	}

	var gone []*Todo
	for _, t := range current {
		if _, keep := want[t.ID]; !keep && !t.Started() {
			gone = append(gone, t)
		}
	}
	depth := dependencyDepths(current)
	// Dependents sit deeper than their dependencies, so removing deepest
	// first never trips over a surviving edge.
	slices.SortFunc(gone, func(a, b *Todo) int {
		if depth[a.ID] != depth[b.ID] {
			return depth[b.ID] - depth[a.ID]
		}
		return strings.Compare(a.ID, b.ID)
	})
	for _, t := range gone {
		removes = append(removes, Edit{Op: EditRemoveTodo, TodoID: t.ID})
	}

	edits := make([]Edit, 0, len(adds)+len(depRemoves)+len(depAdds)+len(priorities)+len(removes))
	edits = append(edits, adds...)
	edits = append(edits, depRemoves...)
	edits = append(edits, depAdds...)
	edits = append(edits, priorities...)
	edits = append(edits, removes...)
	return edits
}

func dependencyDepths(todos []*Todo) map[string]int {
	byID := make(map[string]*Todo, len(todos))
	for _, t := range todos {
		byID[t.ID] = t
	}
	depth := make(map[string]int, len(todos))
	visiting := make(map[string]bool)
	var visit func(id string) int
	visit = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		t, ok := byID[id]
		if !ok || visiting[id] {
			return 0
		}
		visiting[id] = true
		d := 0
		for _, dep := range t.DependsOn {
			if dd := visit(dep) + 1; dd > d {
				d = dd
			}
		}
		visiting[id] = false
		depth[id] = d
		return d
	}
	for _, t := range todos {
		visit(t.ID)
	}
	return depth
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func uniqueSorted(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
