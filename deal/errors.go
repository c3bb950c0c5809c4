package deal

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned for unknown users and deals
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when the caller is not the party of record
	ErrUnauthorized = errors.New("unauthorized")
	// ErrGuardViolation is returned when a precondition of a transition does not hold
	ErrGuardViolation = errors.New("guard violation")
)

// Rejection is a refused command. Its message is meant for the user and
// it unwraps to one of the sentinel errors above.
type Rejection struct {
	Kind error
	Msg  string
}

func (r *Rejection) Error() string { return r.Msg }

// Unwrap exposes the sentinel
func (r *Rejection) Unwrap() error { return r.Kind }

func reject(kind error, format string, args ...interface{}) error {
	return &Rejection{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// UserMessage turns any error from the service into text safe to show
func UserMessage(err error) string {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Msg
	}
	return "Something went wrong, please try again later."
}
