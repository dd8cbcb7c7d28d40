package validation

import (
	"strings"
	"testing"

	"github.com/nimasrn/sms-dispatch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultPipeline() *Pipeline {
	return Default(Config{
		Senders:       []string{"ACME", "BANK"},
		Keywords:      []string{"STOP"},
		MaxTextLength: 20,
	})
}

func TestPipeline_Validate(t *testing.T) {
	p := defaultPipeline()

	tests := []struct {
		name string
		req  Request
		code string
	}{
		{"valid", Request{SenderID: "ACME", Recipient: "+15551234567", Text: "hello"}, ""},
		{"valid without plus", Request{SenderID: "BANK", Recipient: "15551234567", Text: "hello"}, ""},
		{"unknown sender", Request{SenderID: "EVIL", Recipient: "+15551234567", Text: "hello"}, model.ErrorCodeInvalidSender},
		{"sender is case sensitive", Request{SenderID: "acme", Recipient: "+15551234567", Text: "hello"}, model.ErrorCodeInvalidSender},
		{"keyword upper", Request{SenderID: "ACME", Recipient: "+15551234567", Text: "reply STOP"}, model.ErrorCodeProhibitedContent},
		{"keyword lower", Request{SenderID: "ACME", Recipient: "+15551234567", Text: "please stop"}, model.ErrorCodeProhibitedContent},
		{"keyword inside word", Request{SenderID: "ACME", Recipient: "+15551234567", Text: "nonstop"}, model.ErrorCodeProhibitedContent},
		{"bad recipient", Request{SenderID: "ACME", Recipient: "call-me", Text: "hello"}, model.ErrorCodeInvalidRecipient},
		{"empty text", Request{SenderID: "ACME", Recipient: "+15551234567", Text: "   "}, model.ErrorCodeEmptyText},
		{"too long", Request{SenderID: "ACME", Recipient: "+15551234567", Text: strings.Repeat("a", 21)}, model.ErrorCodeTextTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(tt.req)
			if tt.code == "" {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tt.code, err.Code)
			assert.NotEmpty(t, err.Detail)
		})
	}
}

func TestPipeline_SenderCheckedBeforeContent(t *testing.T) {
	err := defaultPipeline().Validate(Request{SenderID: "EVIL", Recipient: "+15551234567", Text: "STOP"})
	require.NotNil(t, err)
	assert.Equal(t, model.ErrorCodeInvalidSender, err.Code)
}

func TestPipeline_EmptyWhitelistRejectsEverything(t *testing.T) {
	p := Default(Config{})
	err := p.Validate(Request{SenderID: "ACME", Recipient: "+15551234567", Text: "hi"})
	require.NotNil(t, err)
	assert.Equal(t, model.ErrorCodeInvalidSender, err.Code)
}

func TestTextLength_CountsRunes(t *testing.T) {
	c := NewTextLength(3)
	assert.Nil(t, c.Check(Request{Text: "héé"}))
	assert.NotNil(t, c.Check(Request{Text: "hééé"}))
}

type countingCheck struct{ calls int }

func (c *countingCheck) Name() string { return "counting" }
func (c *countingCheck) Check(Request) *ValidationError {
	c.calls++
	return nil
}

func TestPipeline_ShortCircuits(t *testing.T) {
	after := &countingCheck{}
	p := NewPipeline(NewSenderWhitelist(nil), after)

	require.NotNil(t, p.Validate(Request{SenderID: "x"}))
	assert.Equal(t, 0, after.calls)
}
