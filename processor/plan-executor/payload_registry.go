package planexecutor

import "github.com/c360studio/semstreams/component"

func init() {
	registrations := []*component.PayloadRegistration{
		{
			Domain:      "semplan",
			Category:    "submit",
			Version:     "v1",
			Description: "Submit a plan to the orchestration engine",
			Factory:     func() any { return &SubmitCommand{} },
		},
		{
			Domain:      "semplan",
			Category:    "control",
			Version:     "v1",
			Description: "Approve, start, pause, resume or cancel a plan, or skip a todo",
			Factory:     func() any { return &ControlCommand{} },
		},
		{
			Domain:      "semplan",
			Category:    "decision",
			Version:     "v1",
			Description: "Human decision resolving a pending HITL event",
			Factory:     func() any { return &DecisionCommand{} },
		},
		{
			Domain:      "semplan",
			Category:    "edit",
			Version:     "v1",
			Description: "Structured edits applied to a plan as a new version",
			Factory:     func() any { return &EditCommand{} },
		},
	}
	for _, reg := range registrations {
		if err := component.RegisterPayload(reg); err != nil {
			panic("failed to register " + reg.Category + " command: " + err.Error())
		}
	}
}
