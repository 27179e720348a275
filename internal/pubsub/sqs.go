// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"k8s.io/utils/clock"

	"github.com/cardinalhq/leaserunner/internal/logctx"
)

const (
	// SQS caps long polls at 20 seconds and visibility at 12 hours.
	sqsMaxWait       = 20 * time.Second
	sqsMaxVisibility = 12 * time.Hour

	// DefaultProvisionalLease is held between receive and the size-based lease.
	DefaultProvisionalLease = 5 * time.Minute

	deadLetterReasonAttribute = "dead_letter_reason"
)

// SQSAPI is the subset of the SQS client used by SQSBroker.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

var _ SQSAPI = (*sqs.Client)(nil)

// SQSBroker leases jobs through the SQS visibility timeout. The receipt
// handle is the lease token.
type SQSBroker struct {
	client   SQSAPI
	queueURL string
	dlqURL   string
	clk      clock.Clock

	provisional time.Duration
}

var _ Broker = (*SQSBroker)(nil)

type SQSBrokerOption func(*SQSBroker)

// WithSQSDeadLetterQueue sets the queue that exhausted jobs are moved to.
// Without it, DeadLetter returns ErrNoDeadLetter and the queue's own
// redrive policy is expected to take over.
func WithSQSDeadLetterQueue(url string) SQSBrokerOption {
	return func(b *SQSBroker) {
		b.dlqURL = url
	}
}

// WithSQSProvisionalLease sets the visibility requested on receive, before
// the job's declared size is known.
func WithSQSProvisionalLease(d time.Duration) SQSBrokerOption {
	return func(b *SQSBroker) {
		if d > 0 {
			b.provisional = d
		}
	}
}

func WithSQSClock(clk clock.Clock) SQSBrokerOption {
	return func(b *SQSBroker) {
		b.clk = clk
	}
}

func NewSQSBroker(client SQSAPI, queueURL string, opts ...SQSBrokerOption) (*SQSBroker, error) {
	if queueURL == "" {
		return nil, errors.New("SQS queue URL is required")
	}
	b := &SQSBroker{
		client:      client,
		queueURL:    queueURL,
		clk:         clock.RealClock{},
		provisional: DefaultProvisionalLease,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *SQSBroker) Name() string {
	return string(BackendTypeSQS)
}

func (b *SQSBroker) Receive(ctx context.Context, opts ReceiveOptions) (*Delivery, error) {
	wait := min(opts.Wait, sqsMaxWait)

	start := b.clk.Now()
	result, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(b.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(wait / time.Second),
		VisibilityTimeout:   visibilitySeconds(b.provisional),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receive from SQS: %w", err)
	}
	if len(result.Messages) == 0 {
		return nil, nil
	}

	msg := result.Messages[0]
	if msg.ReceiptHandle == nil {
		return nil, errors.New("SQS message without receipt handle")
	}

	job, err := DecodeJob([]byte(aws.ToString(msg.Body)))
	if err != nil {
		b.discardPoison(ctx, msg, err)
		return nil, nil
	}
	job.Attempt = receiveCount(msg.Attributes)

	lease := Lease{
		Token:     *msg.ReceiptHandle,
		ClaimedAt: start,
		ExpiresAt: start.Add(b.provisional),
		HeldBy:    opts.HeldBy,
	}

	if opts.LeaseFor != nil {
		leaseFor := min(opts.LeaseFor(job), sqsMaxVisibility)
		changeStart := b.clk.Now()
		_, err := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(b.queueURL),
			ReceiptHandle:     msg.ReceiptHandle,
			VisibilityTimeout: visibilitySeconds(leaseFor),
		})
		if err != nil {
			return nil, fmt.Errorf("set initial lease for job %s: %w", job.ID, mapSQSError(err))
		}
		lease.ExpiresAt = changeStart.Add(leaseFor)
	}

	return &Delivery{Job: job, Lease: lease}, nil
}

// discardPoison moves an undecodable message out of the way so it does
// not cycle forever.
func (b *SQSBroker) discardPoison(ctx context.Context, msg types.Message, cause error) {
	ll := logctx.FromContext(ctx).With(slog.String("messageId", aws.ToString(msg.MessageId)))
	ll.Warn("Discarding malformed job message", slog.Any("error", cause))

	if b.dlqURL != "" {
		_, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:          aws.String(b.dlqURL),
			MessageBody:       msg.Body,
			MessageAttributes: reasonAttributes(cause.Error()),
		})
		if err != nil {
			ll.Error("Failed to dead-letter malformed message, leaving it on the queue", slog.Any("error", err))
			return
		}
	}

	if _, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		ll.Error("Failed to delete malformed message", slog.Any("error", err))
	}
}

func (b *SQSBroker) Extend(ctx context.Context, lease Lease, additional time.Duration) (Lease, error) {
	now := b.clk.Now()
	if !now.Before(lease.ExpiresAt) {
		return lease, ErrInvalidToken
	}

	newExpiry := lease.ExpiresAt.Add(additional)
	visibility := newExpiry.Sub(now)
	if visibility > sqsMaxVisibility {
		return lease, fmt.Errorf("extension to %s exceeds the SQS visibility limit", visibility)
	}

	_, err := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(b.queueURL),
		ReceiptHandle:     aws.String(lease.Token),
		VisibilityTimeout: visibilitySeconds(visibility),
	})
	if err != nil {
		return lease, mapSQSError(err)
	}

	lease.ExpiresAt = newExpiry
	return lease, nil
}

func (b *SQSBroker) Delete(ctx context.Context, lease Lease) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL),
		ReceiptHandle: aws.String(lease.Token),
	})
	return mapSQSError(err)
}

func (b *SQSBroker) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	if b.dlqURL == "" {
		return ErrNoDeadLetter
	}

	body, err := EncodeJob(d.Job)
	if err != nil {
		return err
	}
	if _, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(b.dlqURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: reasonAttributes(reason),
	}); err != nil {
		return fmt.Errorf("send job %s to dead-letter queue: %w", d.Job.ID, err)
	}

	return b.Delete(ctx, d.Lease)
}

func (b *SQSBroker) Occupancy(ctx context.Context) (Occupancy, error) {
	out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(b.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return Occupancy{}, fmt.Errorf("get SQS queue attributes: %w", err)
	}

	unclaimed, err := intAttribute(out.Attributes, string(types.QueueAttributeNameApproximateNumberOfMessages))
	if err != nil {
		return Occupancy{}, err
	}
	claimed, err := intAttribute(out.Attributes, string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible))
	if err != nil {
		return Occupancy{}, err
	}
	return Occupancy{Claimed: claimed, Unclaimed: unclaimed}, nil
}

func (b *SQSBroker) Send(ctx context.Context, job Job) error {
	body, err := EncodeJob(job)
	if err != nil {
		return err
	}
	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send job %s: %w", job.ID, err)
	}
	return nil
}

// mapSQSError converts the ways SQS reports a dead receipt handle into
// ErrInvalidToken. Other errors pass through.
func mapSQSError(err error) error {
	if err == nil {
		return nil
	}

	var invalidHandle *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalidHandle) {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var notInflight *types.MessageNotInflight
	if errors.As(err, &notInflight) {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ReceiptHandleIsInvalid", "AWS.SimpleQueueService.MessageNotInflight":
			return fmt.Errorf("%w: %v", ErrInvalidToken, err)
		case "InvalidParameterValue":
			// "Value ... for parameter ReceiptHandle is invalid. Reason: The receipt handle has expired."
			if strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "receipthandle") {
				return fmt.Errorf("%w: %v", ErrInvalidToken, err)
			}
		}
	}
	return err
}

func visibilitySeconds(d time.Duration) int32 {
	return int32(math.Ceil(d.Seconds()))
}

func receiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func intAttribute(attrs map[string]string, name string) (int, error) {
	v, ok := attrs[name]
	if !ok {
		return 0, fmt.Errorf("SQS queue attribute %s missing", name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("SQS queue attribute %s: %w", name, err)
	}
	return n, nil
}

func reasonAttributes(reason string) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		deadLetterReasonAttribute: {
			DataType:    aws.String("String"),
			StringValue: aws.String(reason),
		},
	}
}
