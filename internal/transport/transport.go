package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetops/fleetd/internal/model"
)

// FailureKind classifies a transport failure
type FailureKind string

const (
	FailureTimeout           FailureKind = "timeout"
	FailureConnectionRefused FailureKind = "connection_refused"
	FailureProtocolError     FailureKind = "protocol_error"
)

// Failure is a classified transport-level error. Pollers and dispatchers
// branch on Kind to decide backoff and retry behavior.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("transport failure (%s): %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("transport failure (%s)", f.Kind)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient reports whether the failure is worth retrying
func (f *Failure) Transient() bool {
	return f.Kind == FailureTimeout || f.Kind == FailureConnectionRefused
}

// NewFailure wraps err with a failure classification
func NewFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// AsFailure extracts a *Failure from an error chain
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// ActionResult is the transport-level result of a successfully acknowledged
// action. Status, when present, is the host's self-reported post-action
// status and is applied to the fleet snapshot by the dispatcher.
type ActionResult struct {
	Detail string
	Status *model.HostStatus
}

// Adapter performs a single status fetch or action call against one host.
// Implementations hold no retry logic and no per-host state; one call is one
// attempt. Callers bound each call with a context deadline; exceeding it must
// surface as a FailureTimeout, never a hang. Concurrent calls for distinct
// hosts must be safe.
type Adapter interface {
	// FetchStatus performs a single status fetch for the host
	FetchStatus(ctx context.Context, host model.Host) (model.HostStatus, error)

	// InvokeAction performs a single action invocation on the host
	InvokeAction(ctx context.Context, host model.Host, kind model.ActionKind) (*ActionResult, error)
}
