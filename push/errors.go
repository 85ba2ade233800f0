package push

import (
	"context"
	"errors"
	"net/http"

	"github.com/eleven-am/pondhub"
)

func errorEvent(requestID, topic string, err error) Event {
	return Event{
		Action:    ActionError,
		Topic:     topic,
		RequestID: requestID,
		Error: &ErrorPayload{
			Code:    statusOf(err),
			Message: err.Error(),
		},
	}
}

func badRequest(message string) *ErrorPayload {
	return &ErrorPayload{Code: http.StatusBadRequest, Message: message}
}

// statusOf maps hub errors to HTTP status codes.
func statusOf(err error) int {
	var hubErr *pondhub.Error
	var payload *ErrorPayload

	switch {
	case errors.As(err, &payload):
		return payload.Code
	case errors.As(err, &hubErr) && hubErr.Code != 0:
		return hubErr.Code
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
