package sqsqueue

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type Producer struct {
	SQS      *sqs.Client
	QueueURL string
}

// DispatchJob hands a created command to the dispatcher.
type DispatchJob struct {
	CommandID   string `json:"commandId"`
	ModeratorID string `json:"moderatorId"`
	MessageID   string `json:"messageId,omitempty"`
}

func (p *Producer) EnqueueDispatch(ctx context.Context, job DispatchJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	// FIFO per moderator keeps a device's commands in creation order;
	// dedup on the command id makes sweep redrives harmless.
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               &p.QueueURL,
		MessageBody:            str(string(body)),
		MessageGroupId:         str("moderator:" + job.ModeratorID),
		MessageDeduplicationId: str(job.CommandID),
	})
	return err
}

func str(s string) *string { return &s }
