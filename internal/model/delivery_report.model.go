package model

import "time"

// DeliveryReport is the audit row for one verified receipt that matched a message.
type DeliveryReport struct {
	ID                int64         `json:"id"`
	MessageID         string        `json:"message_id"`
	ProviderReference string        `json:"provider_reference"`
	ProviderStatus    string        `json:"provider_status"`
	MappedStatus      MessageStatus `json:"mapped_status"`
	Applied           bool          `json:"applied"`
	ReceivedAt        time.Time     `json:"received_at"`
}

// MessageEvent records one applied status change.
type MessageEvent struct {
	ID         int64         `json:"id"`
	MessageID  string        `json:"message_id"`
	FromStatus MessageStatus `json:"from_status"`
	ToStatus   MessageStatus `json:"to_status"`
	Reason     string        `json:"reason,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}
