package model

// DispatchJob is the payload carried on the dispatch stream. Attempt counts
// provider calls already made for the message.
type DispatchJob struct {
	MessageID string `json:"message_id"`
	Attempt   int    `json:"attempt"`
}
