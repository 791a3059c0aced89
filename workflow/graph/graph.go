// Package graph holds a plan's todos and their dependency edges.
//
// The graph is a pure data structure: no I/O and no locking. It is owned by a
// single writer (the plan's coordinator) and every mutation either succeeds
// completely or leaves the graph unchanged.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/c360studio/semplan/workflow"
)

// StatusOf looks up the current status of a todo.
type StatusOf func(id string) workflow.TodoStatus

// Satisfied decides whether a finished dependency lets its dependents run.
type Satisfied func(dep *workflow.Todo, status workflow.TodoStatus) bool

// Graph indexes todos by ID and keeps Todo.Blocks as the inverse of
// Todo.DependsOn.
type Graph struct {
	todos map[string]*workflow.Todo
}

// New builds a graph over the given todos, which it takes ownership of.
// Dependencies must reference todos in the set and the result must be acyclic.
func New(todos []*workflow.Todo) (*Graph, error) {
	g := &Graph{todos: make(map[string]*workflow.Todo, len(todos))}
	for _, t := range todos {
		if _, dup := g.todos[t.ID]; dup {
			return nil, fmt.Errorf("%w: %s", workflow.ErrDuplicateTodo, t.ID)
		}
		t.Blocks = nil
		g.todos[t.ID] = t
	}
	for _, t := range todos {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return nil, &workflow.CycleError{TodoID: t.ID, DependsOn: dep}
			}
			d, ok := g.todos[dep]
			if !ok {
				return nil, fmt.Errorf("todo %s depends on %s: %w", t.ID, dep, workflow.ErrUnknownTodo)
			}
			d.Blocks = insertSorted(d.Blocks, t.ID)
		}
	}
	if err := g.CycleCheck(); err != nil {
		return nil, err
	}
	return g, nil
}

// Len returns the number of todos.
func (g *Graph) Len() int {
	return len(g.todos)
}

// Has reports whether a todo exists.
func (g *Graph) Has(id string) bool {
	_, ok := g.todos[id]
	return ok
}

// Todo returns the live todo, or nil.
func (g *Graph) Todo(id string) *workflow.Todo {
	return g.todos[id]
}

// Todos returns the live todos ordered by ID.
func (g *Graph) Todos() []*workflow.Todo {
	out := make([]*workflow.Todo, 0, len(g.todos))
	for _, t := range g.todos {
		out = append(out, t)
	}
	workflow.SortTodos(out)
	return out
}

// Status returns the todo's own status. It is the default StatusOf.
func (g *Graph) Status(id string) workflow.TodoStatus {
	if t, ok := g.todos[id]; ok {
		return t.Status
	}
	return ""
}

// Dependencies returns the direct dependencies of a todo.
func (g *Graph) Dependencies(id string) []string {
	if t, ok := g.todos[id]; ok {
		return slices.Clone(t.DependsOn)
	}
	return nil
}

// Dependents returns the todos that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	if t, ok := g.todos[id]; ok {
		return slices.Clone(t.Blocks)
	}
	return nil
}

// Descendants returns every transitive dependent of id in breadth-first order
// over blocks edges.
func (g *Graph) Descendants(id string) []string {
	start, ok := g.todos[id]
	if !ok {
		return nil
	}
	seen := map[string]bool{id: true}
	queue := slices.Clone(start.Blocks)
	var out []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.todos[next].Blocks...)
	}
	return out
}

// AddTodo inserts a todo whose dependencies already exist. A new todo has no
// dependents, so it cannot close a cycle.
func (g *Graph) AddTodo(t *workflow.Todo) error {
	if _, dup := g.todos[t.ID]; dup {
		return fmt.Errorf("%w: %s", workflow.ErrDuplicateTodo, t.ID)
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return &workflow.CycleError{TodoID: t.ID, DependsOn: dep}
		}
		if _, ok := g.todos[dep]; !ok {
			return fmt.Errorf("todo %s depends on %s: %w", t.ID, dep, workflow.ErrUnknownTodo)
		}
	}
	t.Blocks = nil
	g.todos[t.ID] = t
	for _, dep := range t.DependsOn {
		g.todos[dep].Blocks = insertSorted(g.todos[dep].Blocks, t.ID)
	}
	return nil
}

// AddDependency makes todoID depend on dependsOn. It fails with a CycleError
// if dependsOn already reaches todoID, checked by a single search from
// dependsOn rather than a full re-traversal.
func (g *Graph) AddDependency(todoID, dependsOn string) error {
	t, ok := g.todos[todoID]
	if !ok {
		return fmt.Errorf("%w: %s", workflow.ErrUnknownTodo, todoID)
	}
	d, ok := g.todos[dependsOn]
	if !ok {
		return fmt.Errorf("%w: %s", workflow.ErrUnknownTodo, dependsOn)
	}
	if slices.Contains(t.DependsOn, dependsOn) {
		return nil
	}
	if todoID == dependsOn {
		return &workflow.CycleError{TodoID: todoID, DependsOn: dependsOn}
	}
	if path := g.pathTo(dependsOn, todoID); path != nil {
		return &workflow.CycleError{TodoID: todoID, DependsOn: dependsOn, Path: path}
	}
	t.DependsOn = append(t.DependsOn, dependsOn)
	t.Touch()
	d.Blocks = insertSorted(d.Blocks, todoID)
	return nil
}

// RemoveDependency drops the edge todoID -> dependsOn if present.
func (g *Graph) RemoveDependency(todoID, dependsOn string) error {
	t, ok := g.todos[todoID]
	if !ok {
		return fmt.Errorf("%w: %s", workflow.ErrUnknownTodo, todoID)
	}
	idx := slices.Index(t.DependsOn, dependsOn)
	if idx < 0 {
		return nil
	}
	t.DependsOn = slices.Delete(t.DependsOn, idx, idx+1)
	t.Touch()
	if d, ok := g.todos[dependsOn]; ok {
		d.Blocks = removeValue(d.Blocks, todoID)
	}
	return nil
}

// RemoveTodo deletes a todo. If other todos depend on it the call fails with
// DependentsExistError unless cascade is set, in which case every transitive
// dependent is removed too. It returns the removed IDs sorted.
func (g *Graph) RemoveTodo(id string, cascade bool) ([]string, error) {
	t, ok := g.todos[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownTodo, id)
	}
	if len(t.Blocks) > 0 && !cascade {
		return nil, &workflow.DependentsExistError{TodoID: id, Dependents: slices.Clone(t.Blocks)}
	}

	removed := append([]string{id}, g.Descendants(id)...)
	gone := make(map[string]bool, len(removed))
	for _, r := range removed {
		gone[r] = true
	}
	for _, r := range removed {
		for _, dep := range g.todos[r].DependsOn {
			if gone[dep] {
				continue
			}
			if d, ok := g.todos[dep]; ok {
				d.Blocks = removeValue(d.Blocks, r)
			}
		}
	}
	for _, r := range removed {
		delete(g.todos, r)
	}
	slices.Sort(removed)
	return removed, nil
}

// SetPriority changes a todo's tie-break priority.
func (g *Graph) SetPriority(id string, priority int) error {
	t, ok := g.todos[id]
	if !ok {
		return fmt.Errorf("%w: %s", workflow.ErrUnknownTodo, id)
	}
	if priority < workflow.MinPriority || priority > workflow.MaxPriority {
		return fmt.Errorf("%w: priority %d outside [%d,%d]", workflow.ErrInvalidTodo, priority, workflow.MinPriority, workflow.MaxPriority)
	}
	if t.Priority != priority {
		t.Priority = priority
		t.Touch()
	}
	return nil
}

// TopologicalOrder returns todos with dependencies first (Kahn's algorithm).
// Ties are broken by ID so the order is reproducible.
func (g *Graph) TopologicalOrder() ([]*workflow.Todo, error) {
	inDegree := make(map[string]int, len(g.todos))
	var queue []string
	for id, t := range g.todos {
		inDegree[id] = len(t.DependsOn)
		if len(t.DependsOn) == 0 {
			queue = append(queue, id)
		}
	}
	slices.Sort(queue)

	order := make([]*workflow.Todo, 0, len(g.todos))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		t := g.todos[id]
		order = append(order, t)
		for _, next := range t.Blocks {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = insertSorted(queue, next)
			}
		}
	}

	if len(order) != len(g.todos) {
		if err := g.CycleCheck(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d todos could not be ordered", workflow.ErrCycle, len(g.todos)-len(order))
	}
	return order, nil
}

// CycleCheck runs a full depth-first search with color marking and returns a
// CycleError describing the first cycle found.
func (g *Graph) CycleCheck() error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.todos))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)
		t := g.todos[id]
		deps := slices.Clone(t.DependsOn)
		slices.Sort(deps)
		for _, dep := range deps {
			switch color[dep] {
			case gray:
				start := slices.Index(stack, dep)
				path := append(slices.Clone(stack[start:]), dep)
				return &workflow.CycleError{TodoID: id, DependsOn: dep, Path: path}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	ids := make([]string, 0, len(g.todos))
	for id := range g.todos {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadySet returns every pending todo whose dependencies are all completed or
// skipped, ordered by ID.
func (g *Graph) ReadySet(statusOf StatusOf) []*workflow.Todo {
	return g.ReadySetFunc(statusOf, func(_ *workflow.Todo, s workflow.TodoStatus) bool {
		return s.Satisfies()
	})
}

// ReadySetFunc is ReadySet with a caller-supplied rule for when a dependency
// counts as satisfied.
func (g *Graph) ReadySetFunc(statusOf StatusOf, satisfied Satisfied) []*workflow.Todo {
	if statusOf == nil {
		statusOf = g.Status
	}
	var ready []*workflow.Todo
	for _, t := range g.todos {
		if statusOf(t.ID) != workflow.TodoStatusPending {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if !satisfied(g.todos[dep], statusOf(dep)) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	workflow.SortTodos(ready)
	return ready
}

// Clone returns a deep copy of the graph and its todos.
func (g *Graph) Clone() *Graph {
	c := &Graph{todos: make(map[string]*workflow.Todo, len(g.todos))}
	for id, t := range g.todos {
		c.todos[id] = t.Clone()
	}
	return c
}

// pathTo searches depends_on edges from `from` and returns the chain that
// reaches `to`, or nil.
func (g *Graph) pathTo(from, to string) []string {
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == to {
			var path []string
			for cur := to; cur != ""; cur = prev[cur] {
				path = append(path, cur)
			}
			slices.Reverse(path)
			return path
		}
		for _, dep := range g.todos[id].DependsOn {
			if _, seen := prev[dep]; !seen {
				prev[dep] = id
				queue = append(queue, dep)
			}
		}
	}
	return nil
}

func (g *Graph) String() string {
	var b strings.Builder
	for _, t := range g.Todos() {
		fmt.Fprintf(&b, "%s[%s] <- %v\n", t.ID, t.Status, t.DependsOn)
	}
	return b.String()
}

func insertSorted(s []string, v string) []string {
	i, found := slices.BinarySearch(s, v)
	if found {
		return s
	}
	return slices.Insert(s, i, v)
}

func removeValue(s []string, v string) []string {
	if i := slices.Index(s, v); i >= 0 {
		return slices.Delete(s, i, i+1)
	}
	return s
}
