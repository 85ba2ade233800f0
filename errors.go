package pondhub

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrManagerClosed is returned when operating on a closed Manager.
	ErrManagerClosed = errors.New("pondhub: manager closed")

	// ErrSubscriptionClosed is returned when operating on a closed Subscription.
	ErrSubscriptionClosed = errors.New("pondhub: subscription closed")

	// ErrInvalidTopic is returned for empty topics and malformed topic filters.
	ErrInvalidTopic = errors.New("pondhub: invalid topic")

	// ErrInvalidMessage is returned when a nil message is published.
	ErrInvalidMessage = errors.New("pondhub: invalid message")

	// ErrPublishQueueFull is returned by Publish when the bounded publish queue is
	// full and the manager uses FullModeReject.
	ErrPublishQueueFull = errors.New("pondhub: publish queue full")

	// ErrDuplicateSubscription is returned when a subscription id is already in use.
	ErrDuplicateSubscription = errors.New("pondhub: duplicate subscription id")
)

func (e *Error) Error() string {
	var b strings.Builder

	if e.SubscriptionID != "" {
		fmt.Fprintf(&b, "subscription %s: ", e.SubscriptionID)
	}
	if e.Topic != "" {
		fmt.Fprintf(&b, "topic %q: ", e.Topic)
	}
	fmt.Fprintf(&b, "%s (code: %d)", e.Message, e.Code)

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) withTopic(topic string) *Error {
	e.Topic = topic
	return e
}

func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			SubscriptionID: e.SubscriptionID,
			Topic:          e.Topic,
			Message:        fmt.Sprintf("%s: %s", message, e.Message),
			Code:           e.Code,
			Temporary:      e.Temporary,
			Details:        e.Details,
			cause:          e.cause,
		}
	}
	return &Error{
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalError,
		cause:   err,
	}
}

func wrapF(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

func invalidTopic(topic, message string) *Error {
	return &Error{
		Topic:   topic,
		Message: message,
		Code:    StatusBadRequest,
		cause:   ErrInvalidTopic,
	}
}

func invalidMessage(message string) *Error {
	return &Error{
		Message: message,
		Code:    StatusBadRequest,
		cause:   ErrInvalidMessage,
	}
}

func conflict(subscriptionID, message string) *Error {
	return &Error{
		SubscriptionID: subscriptionID,
		Message:        message,
		Code:           StatusConflict,
		cause:          ErrDuplicateSubscription,
	}
}

func subscriptionClosed(subscriptionID string) *Error {
	return &Error{
		SubscriptionID: subscriptionID,
		Message:        "subscription is closed",
		Code:           StatusGone,
		cause:          ErrSubscriptionClosed,
	}
}

func managerClosed(subscriptionID string) *Error {
	return &Error{
		SubscriptionID: subscriptionID,
		Message:        "manager is closed",
		Code:           StatusGone,
		cause:          ErrManagerClosed,
	}
}

func queueFull(queue string, capacity int) *Error {
	return &Error{
		Message:   fmt.Sprintf("%s queue is full", queue),
		Code:      StatusTooManyRequests,
		Temporary: true,
		Details:   map[string]interface{}{"capacity": capacity},
		cause:     ErrPublishQueueFull,
	}
}

// IsTemporary reports whether err is a hub error that may succeed if retried.
func IsTemporary(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Temporary
	}
	return false
}

// MultiError collects several errors, typically from lifecycle hooks that run
// independently of each other.
type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

// Combine joins the non-nil errors into one. It returns nil when every error is nil
// and the error itself when only one is non-nil.
func Combine(errs ...error) error {
	var combined error

	for _, err := range errs {
		combined = addError(combined, err)
	}
	return combined
}

func addError(base, new error) error {
	if base == nil {
		return new
	}
	if new == nil {
		return base
	}

	var me *MultiError
	if errors.As(base, &me) {
		me.errors = append(me.errors, new)

		return me
	}
	return &MultiError{errors: []error{base, new}}
}
