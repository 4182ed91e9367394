package errs

import (
	"errors"
	"fmt"
)

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrInvalidTransition = errors.New("invalid ticket transition")
	ErrStaleTargetAgent  = errors.New("target agent is offline")
	ErrRatingExists      = errors.New("ticket already rated")
	ErrRatingNotFound    = errors.New("rating not found")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// TransitionError уточняет ErrInvalidTransition: откуда, куда и почему переход отклонён.
type TransitionError struct {
	TicketID string
	From     string
	To       string
	Reason   string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("ticket %s: %s -> %s", e.TicketID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// InvalidArgument оборачивает ErrInvalidArgument текстом для клиента.
func InvalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// IsDomain — ошибки предметной области; повтор операции их не исправит.
func IsDomain(err error) bool {
	return errors.Is(err, ErrTicketNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrStaleTargetAgent) ||
		errors.Is(err, ErrRatingExists) ||
		errors.Is(err, ErrRatingNotFound) ||
		errors.Is(err, ErrInvalidArgument)
}
