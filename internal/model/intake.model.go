package model

// Intake error codes returned to clients.
const (
	ErrorCodeInvalidSender     = "InvalidSender"
	ErrorCodeProhibitedContent = "ProhibitedContent"
	ErrorCodeInvalidRecipient  = "InvalidRecipient"
	ErrorCodeEmptyText         = "EmptyText"
	ErrorCodeTextTooLong       = "TextTooLong"
)

// IntakeResult is the outcome of a send request. It is what the idempotency
// store memoizes, so replays return exactly the same response.
type IntakeResult struct {
	StatusCode int           `json:"status_code"`
	MessageID  string        `json:"message_id,omitempty"`
	Status     MessageStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}
