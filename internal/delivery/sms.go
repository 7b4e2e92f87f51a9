package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/models"
)

type snsAPI interface {
	Publish(ctx context.Context, input *sns.PublishInput) (*sns.PublishOutput, error)
}

// SMSAdapter sends solicitation texts through SNS.
type SMSAdapter struct {
	sns      snsAPI
	contacts ContactResolver
	logger   logger.Logger
}

func NewSMSAdapter(snsClient snsAPI, contacts ContactResolver, log logger.Logger) *SMSAdapter {
	return &SMSAdapter{
		sns:      snsClient,
		contacts: contacts,
		logger:   log.WithFields(map[string]interface{}{"component": "sms-adapter"}),
	}
}

func (a *SMSAdapter) Channel() string { return ChannelSMS }

func (a *SMSAdapter) Send(ctx context.Context, cand *models.Candidate, templateID string) (string, error) {
	phone, err := a.contacts.PhoneNumber(ctx, cand.CustomerID)
	if err != nil {
		return "", fmt.Errorf("resolve phone number: %w", err)
	}

	out, err := a.sns.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(fmt.Sprintf("Template %s for subject %s", templateID, cand.Subject.ID)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"templateId": {DataType: aws.String("String"), StringValue: aws.String(templateID)},
			"programId":  {DataType: aws.String("String"), StringValue: aws.String(cand.ProgramID())},
		},
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}

func (a *SMSAdapter) HealthCheck(ctx context.Context) error {
	if a.sns == nil {
		return fmt.Errorf("sns client not configured")
	}
	return nil
}
