package versions

import (
	"fmt"
	"slices"
	"strings"

	"github.com/c360studio/semplan/workflow"
)

// Diff lists todo IDs that differ between two versions.
type Diff struct {
	From    int      `json:"from"`
	To      int      `json:"to"`
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`
}

// Compare diffs two versions of the same plan. A todo counts as changed when
// its status, priority, or dependencies differ, or its version counter moved.
func Compare(a, b *workflow.PlanVersion) Diff {
	d := Diff{}
	if a != nil {
		d.From = a.Number
	}
	if b != nil {
		d.To = b.Number
	}
	before := index(a)
	after := index(b)

	for id, t := range after {
		old, ok := before[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case changed(old, t):
			d.Changed = append(d.Changed, id)
		}
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	slices.Sort(d.Added)
	slices.Sort(d.Removed)
	slices.Sort(d.Changed)
	return d
}

// Empty reports whether the versions hold the same todos.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Summary renders the diff for humans.
func (d Diff) Summary() string {
	if d.Empty() {
		return fmt.Sprintf("v%d -> v%d: no changes", d.From, d.To)
	}
	var parts []string
	if len(d.Added) > 0 {
		parts = append(parts, fmt.Sprintf("added %d (%s)", len(d.Added), strings.Join(d.Added, ", ")))
	}
	if len(d.Removed) > 0 {
		parts = append(parts, fmt.Sprintf("removed %d (%s)", len(d.Removed), strings.Join(d.Removed, ", ")))
	}
	if len(d.Changed) > 0 {
		parts = append(parts, fmt.Sprintf("changed %d (%s)", len(d.Changed), strings.Join(d.Changed, ", ")))
	}
	return fmt.Sprintf("v%d -> v%d: %s", d.From, d.To, strings.Join(parts, "; "))
}

func index(v *workflow.PlanVersion) map[string]*workflow.Todo {
	out := make(map[string]*workflow.Todo)
	if v == nil {
		return out
	}
	for _, t := range v.Todos {
		out[t.ID] = t
	}
	return out
}

func changed(a, b *workflow.Todo) bool {
	if a.Version != b.Version || a.Status != b.Status || a.Priority != b.Priority {
		return true
	}
	da := slices.Clone(a.DependsOn)
	db := slices.Clone(b.DependsOn)
	slices.Sort(da)
	slices.Sort(db)
	return !slices.Equal(da, db)
}
