package fixtures

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/sms-dispatch/internal/model"
	"github.com/nimasrn/sms-dispatch/internal/validation"
)

const (
	KeyPrefix     = "send_msg:"
	WebhookSecret = "e2e-webhook-secret"
)

var (
	ValidSenders       = []string{"ACME", "BANK"}
	ProhibitedKeywords = []string{"STOP", "CASINO"}

	ValidRecipients = []string{
		"+15551234567",
		"+447911123456",
		"+33612345678",
		"+819012345678",
	}

	InvalidRecipients = []string{
		"",
		"123",
		"invalid",
		"+",
		"+0123",
	}
)

func ValidationConfig() validation.Config {
	return validation.Config{
		Senders:       ValidSenders,
		Keywords:      ProhibitedKeywords,
		MaxTextLength: 160,
	}
}

// IdempotencyKey returns a well-formed key unique to n.
func IdempotencyKey(n int) string {
	return fmt.Sprintf("%s%d-%d", KeyPrefix, time.Now().UnixNano(), n)
}

func SendRequest() model.MessageCreateRequest {
	return model.MessageCreateRequest{SenderID: "ACME", Recipient: ValidRecipients[0], Text: "Your code is 123456"}
}

func SendRequestUnknownSender() model.MessageCreateRequest {
	req := SendRequest()
	req.SenderID = "NOBODY"
	return req
}

func SendRequestProhibited() model.MessageCreateRequest {
	req := SendRequest()
	req.Text = "reply stop to opt out"
	return req
}

func SendRequestBadRecipient() model.MessageCreateRequest {
	req := SendRequest()
	req.Recipient = InvalidRecipients[2]
	return req
}

// QueuedMessage is a stored message that has not been dispatched yet.
func QueuedMessage(key string) *model.Message {
	req := SendRequest()
	return &model.Message{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		SenderID:       req.SenderID,
		Recipient:      req.Recipient,
		Text:           req.Text,
		Status:         model.MessageStatusQueued,
	}
}

func FilterByStatus(statuses ...model.MessageStatus) model.MessageFilter {
	return model.MessageFilter{Statuses: statuses, Limit: 50}
}
