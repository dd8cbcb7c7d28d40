// Package validation holds the ordered policy checks every send request
// passes before a message is created.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/nimasrn/sms-dispatch/internal/model"
)

// ValidationError is a policy rejection. Code is one of the model.ErrorCode values.
type ValidationError struct {
	Code   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Request is what the checks look at.
type Request struct {
	SenderID  string
	Recipient string
	Text      string
}

// Check inspects a request and returns nil to pass or a *ValidationError to reject.
type Check interface {
	Name() string
	Check(req Request) *ValidationError
}

// Pipeline runs its checks in order and stops at the first rejection.
type Pipeline struct {
	checks []Check
}

func NewPipeline(checks ...Check) *Pipeline {
	return &Pipeline{checks: checks}
}

type Config struct {
	Senders       []string
	Keywords      []string
	MaxTextLength int
}

// Default builds the standard order: sender, content, recipient, length.
func Default(cfg Config) *Pipeline {
	return NewPipeline(
		NewSenderWhitelist(cfg.Senders),
		NewContentPolicy(cfg.Keywords),
		NewRecipientFormat(),
		NewTextLength(cfg.MaxTextLength),
	)
}

func (p *Pipeline) Validate(req Request) *ValidationError {
	for _, c := range p.checks {
		if err := c.Check(req); err != nil {
			return err
		}
	}
	return nil
}

type SenderWhitelist struct {
	allowed map[string]struct{}
}

func NewSenderWhitelist(senders []string) *SenderWhitelist {
	allowed := make(map[string]struct{}, len(senders))
	for _, s := range senders {
		allowed[strings.TrimSpace(s)] = struct{}{}
	}
	return &SenderWhitelist{allowed: allowed}
}

func (SenderWhitelist) Name() string { return "sender_whitelist" }

func (c *SenderWhitelist) Check(req Request) *ValidationError {
	if _, ok := c.allowed[req.SenderID]; ok {
		return nil
	}
	return &ValidationError{
		Code:   model.ErrorCodeInvalidSender,
		Detail: fmt.Sprintf("sender %q is not authorized", req.SenderID),
	}
}

// ContentPolicy rejects text containing any keyword, ignoring case.
type ContentPolicy struct {
	keywords []string
}

func NewContentPolicy(keywords []string) *ContentPolicy {
	upper := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			upper = append(upper, strings.ToUpper(k))
		}
	}
	return &ContentPolicy{keywords: upper}
}

func (ContentPolicy) Name() string { return "content_policy" }

func (c *ContentPolicy) Check(req Request) *ValidationError {
	text := strings.ToUpper(req.Text)
	for _, k := range c.keywords {
		if strings.Contains(text, k) {
			return &ValidationError{
				Code:   model.ErrorCodeProhibitedContent,
				Detail: fmt.Sprintf("text contains prohibited keyword %q", k),
			}
		}
	}
	return nil
}

// RecipientFormat accepts E.164 numbers, with or without the leading plus.
type RecipientFormat struct {
	validate *validator.Validate
}

func NewRecipientFormat() *RecipientFormat {
	return &RecipientFormat{validate: validator.New()}
}

func (RecipientFormat) Name() string { return "recipient_format" }

func (c *RecipientFormat) Check(req Request) *ValidationError {
	number := req.Recipient
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	if err := c.validate.Var(number, "required,e164"); err != nil {
		return &ValidationError{
			Code:   model.ErrorCodeInvalidRecipient,
			Detail: fmt.Sprintf("recipient %q is not a valid phone number", req.Recipient),
		}
	}
	return nil
}

type TextLength struct {
	max int
}

func NewTextLength(max int) *TextLength {
	return &TextLength{max: max}
}

func (TextLength) Name() string { return "text_length" }

func (c *TextLength) Check(req Request) *ValidationError {
	if strings.TrimSpace(req.Text) == "" {
		return &ValidationError{Code: model.ErrorCodeEmptyText, Detail: "text must not be empty"}
	}
	if n := utf8.RuneCountInString(req.Text); c.max > 0 && n > c.max {
		return &ValidationError{
			Code:   model.ErrorCodeTextTooLong,
			Detail: fmt.Sprintf("text has %d characters, limit is %d", n, c.max),
		}
	}
	return nil
}
