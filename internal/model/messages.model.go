package model

import (
	"strings"
	"time"
)

// MessageStatus is the lifecycle state of a message.
type MessageStatus string

const (
	MessageStatusQueued      MessageStatus = "QUEUED"
	MessageStatusSent        MessageStatus = "SENT"
	MessageStatusDelivered   MessageStatus = "DELIVERED"
	MessageStatusFailed      MessageStatus = "FAILED"
	MessageStatusUndelivered MessageStatus = "UNDELIVERED"
	// MessageStatusRejected only ever appears in intake results; rejected
	// requests never become stored messages.
	MessageStatusRejected MessageStatus = "REJECTED"
)

var transitions = map[MessageStatus][]MessageStatus{
	MessageStatusQueued: {MessageStatusSent, MessageStatusFailed},
	MessageStatusSent:   {MessageStatusDelivered, MessageStatusUndelivered},
}

// CanTransition reports whether the lifecycle allows moving from -> to.
func CanTransition(from, to MessageStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s MessageStatus) IsTerminal() bool {
	switch s {
	case MessageStatusDelivered, MessageStatusFailed, MessageStatusUndelivered, MessageStatusRejected:
		return true
	}
	return false
}

func (s MessageStatus) Valid() bool {
	switch s {
	case MessageStatusQueued, MessageStatusSent, MessageStatusDelivered,
		MessageStatusFailed, MessageStatusUndelivered, MessageStatusRejected:
		return true
	}
	return false
}

func ParseStatus(v string) (MessageStatus, bool) {
	s := MessageStatus(strings.ToUpper(strings.TrimSpace(v)))
	return s, s.Valid()
}

type Message struct {
	ID                string        `json:"id"`
	IdempotencyKey    string        `json:"-"`
	SenderID          string        `json:"sender_id"`
	Recipient         string        `json:"recipient"`
	Text              string        `json:"text"`
	Status            MessageStatus `json:"status"`
	ProviderReference *string       `json:"provider_reference,omitempty"`
	FailureReason     *string       `json:"failure_reason,omitempty"`
	Attempts          int           `json:"attempts"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `json:"delivered_at,omitempty"`
}

// MessageCreateRequest is the client-supplied part of a send request.
type MessageCreateRequest struct {
	SenderID  string `json:"sender_id"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// TransitionFields are the optional columns written alongside a status change.
type TransitionFields struct {
	ProviderReference *string
	FailureReason     *string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	Attempts          *int
	// Reason is recorded on the audit event only.
	Reason string
}

// MessageFilter controls List queries.
type MessageFilter struct {
	Statuses  []MessageStatus
	SenderID  *string
	Recipient *string
	From      *time.Time
	To        *time.Time
	Limit     int // default 50
	Offset    int
	Desc      bool
}
