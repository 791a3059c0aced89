package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/semstreams/message"
	"github.com/nats-io/nats.go/jetstream"

	planexecutor "github.com/c360studio/semplan/processor/plan-executor"
	"github.com/c360studio/semplan/source/planfile"
	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/coordinator"
)

type planLookup interface {
	Plan(planID string) (*workflow.Plan, error)
}

type commandPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// planSync turns plan file changes into commands on the SEMPLAN stream: a
// new plan ID is submitted, a known one gets a user_edit replan holding the
// structured diff between the running graph and the file.
type planSync struct {
	engine    planLookup
	publisher commandPublisher
	hold      bool
	logger    *slog.Logger
}

func (s *planSync) apply(ctx context.Context, change planfile.Change) error {
	if change.Err != nil {
		return change.Err
	}
	if change.Operation == planfile.OpDelete {
		s.logger.Info("Plan file removed, plan left as is", "path", change.Path)
		return nil
	}

	subject, cmd, err := s.command(change)
	if err != nil || cmd == nil {
		return err
	}
	data, err := planexecutor.NewCommandMessage(cmd, appName)
	if err != nil {
		return err
	}
	if _, err := s.publisher.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	s.logger.Info("Plan file change published",
		"path", change.Path,
		"plan_id", change.Spec.ID,
		"subject", subject)
	return nil
}

// command returns the command a change implies, or nil when the running
// plan already matches the file.
func (s *planSync) command(change planfile.Change) (string, message.Payload, error) {
	spec := change.Spec
	if err := planfile.Validate(spec); err != nil {
		return "", nil, err
	}

	plan, err := s.engine.Plan(spec.ID)
	if errors.Is(err, workflow.ErrUnknownPlan) {
		return workflow.SubjectPlanSubmit, &planexecutor.SubmitCommand{Plan: spec, Start: !s.hold}, nil
	}
	if err != nil {
		return "", nil, err
	}
	if plan.Status.IsTerminal() {
		s.logger.Info("Plan finished, file change ignored", "plan_id", plan.ID, "status", plan.Status)
		return "", nil, nil
	}

	edits := workflow.DiffEdits(plan.Todos, spec.Todos)
	if len(edits) == 0 {
		s.logger.Debug("Plan file matches running plan", "plan_id", plan.ID)
		return "", nil, nil
	}
	return workflow.SubjectPlanEdit, &planexecutor.EditCommand{
		PlanID: plan.ID,
		ReplanRequest: coordinator.ReplanRequest{
			BaseVersion: plan.CurrentVersion,
			ChangeType:  workflow.ChangeUserEdit,
			Reason:      fmt.Sprintf("plan file %s changed", change.Path),
			Responder:   "planfile:" + change.Path,
			Edits:       edits,
		},
	}, nil
}
