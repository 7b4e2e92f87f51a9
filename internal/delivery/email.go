package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/models"
)

// sesAPI is the slice of the SES client the adapter uses.
type sesAPI interface {
	SendEmail(ctx context.Context, input *ses.SendEmailInput) (*ses.SendEmailOutput, error)
}

// EmailAdapter sends solicitation emails through SES. The template ID maps
// to a subject/body pair managed outside the engine; the adapter passes it
// through as a message tag for downstream rendering and attribution.
type EmailAdapter struct {
	ses      sesAPI
	contacts ContactResolver
	sender   string
	logger   logger.Logger
}

func NewEmailAdapter(sesClient sesAPI, contacts ContactResolver, sender string, log logger.Logger) *EmailAdapter {
	return &EmailAdapter{
		ses:      sesClient,
		contacts: contacts,
		sender:   sender,
		logger:   log.WithFields(map[string]interface{}{"component": "email-adapter"}),
	}
}

func (a *EmailAdapter) Channel() string { return ChannelEmail }

func (a *EmailAdapter) Send(ctx context.Context, cand *models.Candidate, templateID string) (string, error) {
	address, err := a.contacts.EmailAddress(ctx, cand.CustomerID)
	if err != nil {
		return "", fmt.Errorf("resolve email address: %w", err)
	}

	subject := fmt.Sprintf("Share your experience with your recent %s", cand.Subject.Type)
	body := fmt.Sprintf("Template %s for subject %s", templateID, cand.Subject.ID)

	out, err := a.ses.SendEmail(ctx, &ses.SendEmailInput{
		Source: aws.String(a.sender),
		Destination: &types.Destination{
			ToAddresses: []string{address},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
			},
		},
		Tags: []types.MessageTag{
			{Name: aws.String("templateId"), Value: aws.String(templateID)},
			{Name: aws.String("programId"), Value: aws.String(cand.ProgramID())},
		},
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}

func (a *EmailAdapter) HealthCheck(ctx context.Context) error {
	if a.ses == nil {
		return fmt.Errorf("ses client not configured")
	}
	return nil
}
