package action

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/nugget/monocod/internal/events"
	"github.com/nugget/monocod/internal/monocoerr"
)

// AgentTask is the subset of scheduler.Task the SpawnAgentAction builds;
// duplicated here (rather than importing internal/scheduler) to keep
// action dependency-free of the scheduler's process-supervision
// machinery — only the Scheduler interface below is needed.
type AgentTask struct {
	Role     string
	IssueID  string
	Prompt   string
	Engine   string
	Timeout  time.Duration
	Metadata map[string]any
}

// Scheduler is the subset of the agent scheduler's API the action
// package depends on, so that action does not import internal/scheduler
// directly. The scheduler/bus/router cycle is broken by injecting the
// bus into both sides at construction and registering the router as a
// subscriber afterwards.
type Scheduler interface {
	Schedule(ctx context.Context, task AgentTask) (sessionID string, err error)
}

// SpawnAgentAction materializes a prompt from payload fields and a
// text/template template, then hands a task to the Scheduler for Role.
type SpawnAgentAction struct {
	Role           string
	PromptTemplate string
	Engine         string
	Timeout        time.Duration
	Scheduler      Scheduler
	Bus            *events.Bus

	tmpl *template.Template
}

// NewSpawnAgentAction parses promptTemplate once at construction.
func NewSpawnAgentAction(role, promptTemplate, engine string, timeout time.Duration, sched Scheduler, bus *events.Bus) (*SpawnAgentAction, error) {
	tmpl, err := template.New(role).Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("action: parse prompt template for role %s: %w", role, err)
	}
	return &SpawnAgentAction{
		Role: role, PromptTemplate: promptTemplate, Engine: engine, Timeout: timeout,
		Scheduler: sched, Bus: bus, tmpl: tmpl,
	}, nil
}

func (a *SpawnAgentAction) Name() string { return "SpawnAgentAction(" + a.Role + ")" }

func (a *SpawnAgentAction) CanExecute(payload map[string]any) bool {
	return a.Scheduler != nil
}

func (a *SpawnAgentAction) Execute(ctx context.Context, payload map[string]any) (Result, error) {
	var buf bytes.Buffer
	if err := a.tmpl.Execute(&buf, payload); err != nil {
		return Result{}, fmt.Errorf("action: render prompt for role %s: %w", a.Role, err)
	}
	issueID, _ := payload["id"].(string)
	task := AgentTask{
		Role: a.Role, IssueID: issueID, Prompt: buf.String(),
		Engine: a.Engine, Timeout: a.Timeout, Metadata: payload,
	}
	_, err := a.Scheduler.Schedule(ctx, task)
	if err != nil {
		if monocoerr.IsQuotaExhausted(err) {
			if a.Bus != nil {
				a.Bus.Publish(events.Event{Type: events.ActionDeclined, Payload: map[string]any{
					"role": a.Role, "reason": "quota_exhausted",
				}})
			}
			return Result{Declined: true, Detail: "quota exhausted"}, nil
		}
		return Result{}, err
	}
	return Result{}, nil
}

// CommandRunner abstracts the process-execution primitive RunCommandAction
// uses, so the action package does not depend on internal/procexec's
// concrete Spec/Result types.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, timeout time.Duration) (stdout, stderr string, exitCode int, err error)
}

// RunCommandAction is a generic external-process action. New action
// types register their own Action implementation; this one covers the
// common "run argv, report exit code" shape.
type RunCommandAction struct {
	ActionName string
	Argv       []string
	Timeout    time.Duration
	Runner     CommandRunner
}

func (a *RunCommandAction) Name() string { return a.ActionName }

func (a *RunCommandAction) CanExecute(payload map[string]any) bool {
	return a.Runner != nil && len(a.Argv) > 0
}

func (a *RunCommandAction) Execute(ctx context.Context, payload map[string]any) (Result, error) {
	_, stderr, exitCode, err := a.Runner.Run(ctx, a.Argv, a.Timeout)
	if err != nil {
		return Result{}, err
	}
	if exitCode != 0 {
		return Result{Declined: true, Detail: stderr}, nil
	}
	return Result{}, nil
}
