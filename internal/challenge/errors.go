package challenge

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/nexlevel/internal/store"
	"github.com/hyperengineering/nexlevel/internal/validation"
)

// Domain errors. Callers match them with errors.Is; the messages are shown
// to end users and must stay stable.
var (
	ErrNotFound          = errors.New("challenge not found")
	ErrForbidden         = errors.New("you are not allowed to do this")
	ErrAlreadyActive     = errors.New("you already have an active instance of this challenge")
	ErrAlreadyCheckedIn  = errors.New("this check-in was already recorded")
	ErrProofRequired     = errors.New("a photo proof is required for this challenge")
	ErrNotScheduledToday = errors.New("this challenge is not scheduled today")
	ErrNotActive         = errors.New("this challenge is no longer active")
	ErrConflict          = errors.New("the request conflicts with the current state")
	ErrUnavailable       = errors.New("service temporarily unavailable")
)

// ValidationError reports malformed input field by field.
type ValidationError = validation.Error

func invalid(errs []validation.ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}

func invalidField(field, message string) error {
	return &ValidationError{Errors: []validation.ValidationError{{Field: field, Message: message}}}
}

// storeErr translates persistence errors into domain errors.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrAlreadyEnrolled):
		return ErrAlreadyActive
	case errors.Is(err, store.ErrDuplicateEntry):
		return ErrAlreadyCheckedIn
	case errors.Is(err, store.ErrTaskInUse):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
