package authflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/veridian-id/veridian/pkg/events"
	"github.com/veridian-id/veridian/pkg/session"
	"github.com/veridian-id/veridian/pkg/throttle"
	"github.com/veridian-id/veridian/pkg/user"
)

// Step is a single stage of the login pipeline.
type Step interface {
	// Name returns the unique name of this step
	Name() string

	// Order returns the execution order (lower numbers execute first)
	Order() int

	// Execute performs the step's logic
	Execute(ctx context.Context, flowContext *FlowContext) (*StepResult, error)

	// ShouldSkip determines if this step should be skipped based on current context
	ShouldSkip(ctx context.Context, flowContext *FlowContext) bool
}

// Request is the raw login attempt as the transport layer received it.
type Request struct {
	Email     string
	Password  string
	Remember  bool
	IPAddress string
	SessionID string
}

// Result is what the pipeline hands back to the transport layer.
type Result struct {
	// UserID is set once credentials are validated.
	UserID uuid.UUID

	// TwoFactorRequired means the session holds a pending challenge and
	// the caller must redirect to challenge resolution.
	TwoFactorRequired bool

	// SessionID is the session's ID after the pipeline ran. It changes when
	// authentication succeeds and the session is regenerated.
	SessionID string

	// Err is the failure that stopped the pipeline, nil on success.
	Err error
}

// FlowContext carries state between pipeline steps.
type FlowContext struct {
	Request Request
	Result  *Result

	// User is set once credentials are validated.
	User *user.User

	// ThrottleKey caches the limiter key for the attempt.
	ThrottleKey string

	// Step-specific data (can be used by steps to store intermediate results)
	StepData map[string]interface{}

	// Services (injected by the flow executor)
	Services *Services
}

// StepResult represents the result of executing a pipeline step.
type StepResult struct {
	// Continue indicates whether the flow should continue to the next step
	Continue bool

	// EarlyReturn indicates the flow should return immediately with the current result
	EarlyReturn bool

	// Err stops the flow and becomes the pipeline's failure
	Err error

	// Data can contain step-specific data to be stored in FlowContext.StepData
	Data map[string]interface{}
}

// Services contains everything the pipeline steps need.
type Services struct {
	Users    user.Repository
	Sessions session.Store
	Limiter  *throttle.Limiter
	Sink     events.Sink
}

// StepRegistry manages and orders pipeline steps.
type StepRegistry struct {
	steps []Step
}

func NewStepRegistry() *StepRegistry {
	return &StepRegistry{
		steps: make([]Step, 0),
	}
}

// AddStep adds a step to the registry
func (r *StepRegistry) AddStep(step Step) *StepRegistry {
	r.steps = append(r.steps, step)
	return r
}

// GetOrderedSteps returns steps sorted by their order
func (r *StepRegistry) GetOrderedSteps() []Step {
	orderedSteps := make([]Step, len(r.steps))
	copy(orderedSteps, r.steps)

	sort.Slice(orderedSteps, func(i, j int) bool {
		return orderedSteps[i].Order() < orderedSteps[j].Order()
	})

	return orderedSteps
}

// FlowExecutor orchestrates the execution of pipeline steps.
type FlowExecutor struct {
	registry *StepRegistry
	services *Services
}

func NewFlowExecutor(registry *StepRegistry, services *Services) *FlowExecutor {
	return &FlowExecutor{
		registry: registry,
		services: services,
	}
}

// Execute runs the complete login pipeline.
func (e *FlowExecutor) Execute(ctx context.Context, request Request) Result {
	flowContext := &FlowContext{
		Request:  request,
		Result:   &Result{SessionID: request.SessionID},
		StepData: make(map[string]interface{}),
		Services: e.services,
	}

	for _, step := range e.registry.GetOrderedSteps() {
		if step.ShouldSkip(ctx, flowContext) {
			continue
		}

		stepResult, err := step.Execute(ctx, flowContext)
		if err != nil {
			flowContext.Result.Err = fmt.Errorf("step %q failed: %w", step.Name(), err)
			return *flowContext.Result
		}

		if stepResult.Err != nil {
			flowContext.Result.Err = stepResult.Err
			return *flowContext.Result
		}

		if stepResult.Data != nil {
			for key, value := range stepResult.Data {
				flowContext.StepData[key] = value
			}
		}

		if stepResult.EarlyReturn {
			return *flowContext.Result
		}

		if !stepResult.Continue {
			break
		}
	}

	return *flowContext.Result
}

// FlowBuilder provides a fluent interface for assembling pipelines.
type FlowBuilder struct {
	registry *StepRegistry
}

func NewFlowBuilder() *FlowBuilder {
	return &FlowBuilder{
		registry: NewStepRegistry(),
	}
}

// AddStep adds a step to the flow
func (b *FlowBuilder) AddStep(step Step) *FlowBuilder {
	b.registry.AddStep(step)
	return b
}

// Build creates a flow executor with the configured steps
func (b *FlowBuilder) Build(services *Services) *FlowExecutor {
	return NewFlowExecutor(b.registry, services)
}

// NewDefaultFlow assembles the standard login pipeline: throttle check,
// email canonicalization, two-factor redirect, credential authentication,
// session preparation.
func NewDefaultFlow(services *Services) *FlowExecutor {
	return NewFlowBuilder().
		AddStep(NewEnsureNotThrottledStep()).
		AddStep(NewCanonicalizeEmailStep()).
		AddStep(NewRedirectIfTwoFactorStep()).
		AddStep(NewAttemptAuthenticateStep()).
		AddStep(NewPrepareSessionStep()).
		Build(services)
}

// Step orders for the standard pipeline.
const (
	OrderEnsureNotThrottled  = 100
	OrderCanonicalizeEmail   = 200
	OrderRedirectIfTwoFactor = 300
	OrderAttemptAuthenticate = 400
	OrderPrepareSession      = 500
)
