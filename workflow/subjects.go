package workflow

import "strings"

// Stream and subject layout on NATS.
const (
	// StreamName holds inbound commands and outbound engine events.
	StreamName = "SEMPLAN"

	SubjectPlanSubmit   = "semplan.plan.submit"
	SubjectPlanControl  = "semplan.plan.control"
	SubjectPlanEdit     = "semplan.plan.edit"
	SubjectHITLDecision = "semplan.hitl.decision"

	// SubjectEventPrefix is followed by the plan ID and the event type,
	// e.g. semplan.events.<plan>.todo.status.
	SubjectEventPrefix = "semplan.events"

	// SubjectExecutePrefix is followed by the layer for executor request/reply.
	SubjectExecutePrefix = "semplan.execute"
)

// StreamSubjects returns the subjects captured by the SEMPLAN stream.
func StreamSubjects() []string {
	return []string{
		"semplan.plan.>",
		SubjectHITLDecision,
		SubjectEventPrefix + ".>",
	}
}

// CommandSubjects returns the inbound command subjects.
func CommandSubjects() []string {
	return []string{SubjectPlanSubmit, SubjectPlanControl, SubjectPlanEdit, SubjectHITLDecision}
}

// EventSubject returns the subject an event is published on.
func EventSubject(planID string, typ EventType) string {
	return SubjectEventPrefix + "." + SubjectToken(planID) + "." + string(typ)
}

// ExecuteSubject returns the request subject for a layer's executors.
func ExecuteSubject(layer Layer) string {
	return SubjectExecutePrefix + "." + string(layer)
}

// SubjectToken makes an arbitrary ID safe to use as one subject token.
func SubjectToken(id string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(id)
}
