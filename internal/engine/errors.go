package engine

import "fmt"

// ErrorKind classifies a plan failure for transport mapping.
type ErrorKind string

const (
	// KindInputInvalid: the request itself cannot be planned.
	KindInputInvalid ErrorKind = "input_invalid"

	// KindPlaceNotFound: an endpoint name resolves to nothing, even
	// after seeding.
	KindPlaceNotFound ErrorKind = "place_not_found"

	// KindNoRoute: the graph cannot connect the endpoints and the
	// external router could not either.
	KindNoRoute ErrorKind = "no_route"

	// KindUpstreamUnavailable: an external dependency failed in a way
	// no cache tier could absorb.
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"

	// KindInternal: anything else.
	KindInternal ErrorKind = "internal"
)

// PlanError is the typed failure of a PlanRoute call.
type PlanError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *PlanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *PlanError) Unwrap() error {
	return e.Err
}

func planErr(kind ErrorKind, reason string, err error) *PlanError {
	return &PlanError{Kind: kind, Reason: reason, Err: err}
}
