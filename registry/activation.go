package registry

import "fmt"

// ActivationState tracks the outcome of a device-activation request. The
// approval flow itself runs outside the pipeline (an OS-level extension
// approval): the embedding application submits the request, observes the
// platform's approval outcome, and constructs the resulting status here for
// its presentation layer. The pipeline only carries the status; nothing in
// it produces one.
type ActivationState uint8

const (
	// ActivationUnknown indicates no activation request was made yet.
	ActivationUnknown ActivationState = iota
	// ActivationPending indicates a request is awaiting approval.
	ActivationPending
	// ActivationActivated indicates the device host was approved.
	ActivationActivated
	// ActivationFailed indicates the request was denied or errored.
	ActivationFailed
)

// ActivationStatus pairs a state with a failure reason, if any.
type ActivationStatus struct {
	State  ActivationState
	Reason string
}

// String renders the status the way the presentation layer displays it.
func (s ActivationStatus) String() string {
	switch s.State {
	case ActivationUnknown:
		return "unknown"
	case ActivationPending:
		return "pending"
	case ActivationActivated:
		return "activated"
	case ActivationFailed:
		return fmt.Sprintf("failed: %s", s.Reason)
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s.State))
	}
}
