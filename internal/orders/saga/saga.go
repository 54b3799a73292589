package saga

import "context"

// Status captures the lifecycle of a single saga instance.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Step outcomes recorded against an instance.
const (
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
)

// Step is one completed (or failed) step of a saga.
type Step struct {
	Name    string
	Outcome string
	Detail  string
}

// Compensation is an action that semantically undoes a previously
// succeeded step. Registered immediately after the effect it undoes, so
// the list always reflects exactly what must be rolled back.
type Compensation struct {
	Name string
	Run  func(ctx context.Context) error
}

// CompensationError pairs a failed compensation with its cause.
type CompensationError struct {
	Name string
	Err  error
}

func (e CompensationError) Error() string {
	return "compensation " + e.Name + ": " + e.Err.Error()
}

func (e CompensationError) Unwrap() error { return e.Err }

// Instance is the per-request saga state. It is owned by the goroutine
// executing the saga and must not be shared across sagas.
type Instance struct {
	OrderID       string
	Status        Status
	Steps         []Step
	compensations []Compensation
}

// New starts a saga instance for the given order id.
func New(orderID string) *Instance {
	return &Instance{
		OrderID: orderID,
		Status:  StatusStarted,
	}
}

// RecordStep appends a step outcome to the instance's history.
func (i *Instance) RecordStep(name, outcome, detail string) {
	i.Steps = append(i.Steps, Step{Name: name, Outcome: outcome, Detail: detail})
}

// RegisterCompensation appends an undo action for an effect that just
// succeeded. Read-only steps never register one.
func (i *Instance) RegisterCompensation(name string, run func(ctx context.Context) error) {
	i.compensations = append(i.compensations, Compensation{Name: name, Run: run})
}

// Compensate runs every registered compensation in strict reverse
// registration order. A failed compensation never prevents attempting
// the next; all failures are collected and returned for logging.
func (i *Instance) Compensate(ctx context.Context) []CompensationError {
	var failures []CompensationError
	for idx := len(i.compensations) - 1; idx >= 0; idx-- {
		comp := i.compensations[idx]
		if err := comp.Run(ctx); err != nil {
			failures = append(failures, CompensationError{Name: comp.Name, Err: err})
		}
	}
	return failures
}

// Complete marks the instance terminal-successful.
func (i *Instance) Complete() { i.Status = StatusCompleted }

// Fail marks the instance terminal-failed.
func (i *Instance) Fail() { i.Status = StatusFailed }
