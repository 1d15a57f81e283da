package llm

import (
	"context"
	"strings"
)

// Canned replies keyed by topic. Replies reference tokens only, never raw
// values, so the simulated provider behaves like a well-behaved upstream
// model during demos and tests.
const (
	simulatedAccountReply = "I understand you're having trouble accessing your account. " +
		"I've initiated a password reset and sent a verification link to <EMAIL_1>. " +
		"Please also verify your identity using <PHONE_1>. Is there anything else I can help you with?"
	simulatedPaymentReply = "I can see the payment issue. I've flagged the transaction on card " +
		"ending in <CC_1> for review. Our billing team will contact you at <EMAIL_1> within 24 hours."
	simulatedDefaultReply = "Thank you for contacting support. I've noted your concern and will " +
		"ensure our team follows up at your registered contact details. " +
		"Is there anything specific you'd like me to address?"
)

// SimulatedProvider answers with canned support replies. It is the fallback
// when no API key is configured and the fixture provider for tests.
type SimulatedProvider struct{}

// NewSimulatedProvider creates a simulated provider.
func NewSimulatedProvider() *SimulatedProvider {
	return &SimulatedProvider{}
}

// Name returns the provider identifier.
func (p *SimulatedProvider) Name() string {
	return "simulated"
}

// Generate routes the most recent user message to a canned reply by keyword.
func (p *SimulatedProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var message string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			message = req.Messages[i].Content
			break
		}
	}

	lower := strings.ToLower(message)
	content := simulatedDefaultReply
	switch {
	case strings.Contains(lower, "account"), strings.Contains(lower, "login"), strings.Contains(lower, "access"):
		content = simulatedAccountReply
	case strings.Contains(lower, "payment"), strings.Contains(lower, "card"), strings.Contains(lower, "charge"):
		content = simulatedPaymentReply
	}

	return &Response{
		Content:      content,
		FinishReason: "stop",
		Model:        "simulated",
	}, nil
}
