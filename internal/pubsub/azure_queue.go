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
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"
	"k8s.io/utils/clock"

	"github.com/cardinalhq/leaserunner/internal/logctx"
)

// Azure caps the visibility timeout at seven days.
const azureMaxVisibility = 7 * 24 * time.Hour

// AzureQueueAPI is the subset of the azqueue client used by AzureQueueBroker.
type AzureQueueAPI interface {
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	UpdateMessage(ctx context.Context, messageID string, popReceipt string, content string, o *azqueue.UpdateMessageOptions) (azqueue.UpdateMessageResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error)
}

var _ AzureQueueAPI = (*azqueue.QueueClient)(nil)

// AzureQueueBroker leases jobs through Azure Queue Storage visibility.
// Every UpdateMessage issues a new pop receipt, so the lease token is
// "<messageID>|<popReceipt>" and is replaced on each extension.
type AzureQueueBroker struct {
	queue  AzureQueueAPI
	poison AzureQueueAPI
	clk    clock.Clock

	provisional time.Duration

	// UpdateMessage rewrites the message body, so the original text is
	// kept for the life of each lease. Entries whose lease has lapsed are
	// swept on the next poll.
	mu    sync.Mutex
	texts map[string]leasedText
}

type leasedText struct {
	text      string
	expiresAt time.Time
}

var _ Broker = (*AzureQueueBroker)(nil)

type AzureQueueOption func(*AzureQueueBroker)

// WithAzurePoisonQueue sets the queue exhausted jobs are moved to.
func WithAzurePoisonQueue(q AzureQueueAPI) AzureQueueOption {
	return func(b *AzureQueueBroker) {
		b.poison = q
	}
}

func WithAzureProvisionalLease(d time.Duration) AzureQueueOption {
	return func(b *AzureQueueBroker) {
		if d > 0 {
			b.provisional = d
		}
	}
}

func WithAzureClock(clk clock.Clock) AzureQueueOption {
	return func(b *AzureQueueBroker) {
		b.clk = clk
	}
}

func NewAzureQueueBroker(queue AzureQueueAPI, opts ...AzureQueueOption) *AzureQueueBroker {
	b := &AzureQueueBroker{
		queue:       queue,
		clk:         clock.RealClock{},
		provisional: DefaultProvisionalLease,
		texts:       make(map[string]leasedText),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *AzureQueueBroker) Name() string {
	return string(BackendTypeAzure)
}

func (b *AzureQueueBroker) Receive(ctx context.Context, opts ReceiveOptions) (*Delivery, error) {
	// Azure has no server-side long poll, so an empty queue is polled
	// once per second until the wait runs out.
	deadline := b.clk.Now().Add(opts.Wait)
	for {
		d, err := b.receiveOnce(ctx, opts)
		if err != nil || d != nil {
			return d, err
		}
		if !b.clk.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.clk.After(min(time.Second, deadline.Sub(b.clk.Now()))):
		}
	}
}

func (b *AzureQueueBroker) receiveOnce(ctx context.Context, opts ReceiveOptions) (*Delivery, error) {
	start := b.clk.Now()
	b.sweep(start)
	provisional := visibilitySeconds(b.provisional)
	resp, err := b.queue.DequeueMessage(ctx, &azqueue.DequeueMessageOptions{
		VisibilityTimeout: &provisional,
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue from Azure queue: %w", err)
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}

	msg := resp.Messages[0]
	if msg.MessageID == nil || msg.PopReceipt == nil {
		return nil, errors.New("azure queue message without id or pop receipt")
	}

	text := ""
	if msg.MessageText != nil {
		text = *msg.MessageText
	}
	job, err := DecodeJob(decodeIfBase64(text))
	if err != nil {
		b.discardPoison(ctx, *msg.MessageID, *msg.PopReceipt, text, err)
		return nil, nil
	}
	job.Attempt = 1
	if msg.DequeueCount != nil && *msg.DequeueCount > 0 {
		job.Attempt = int(*msg.DequeueCount)
	}

	lease := Lease{
		Token:     azureToken(*msg.MessageID, *msg.PopReceipt),
		ClaimedAt: start,
		ExpiresAt: start.Add(b.provisional),
		HeldBy:    opts.HeldBy,
	}
	b.remember(*msg.MessageID, text, lease.ExpiresAt)

	if opts.LeaseFor != nil {
		leaseFor := min(opts.LeaseFor(job), azureMaxVisibility)
		updated, err := b.update(ctx, lease, b.clk.Now().Add(leaseFor))
		if err != nil {
			b.forget(*msg.MessageID)
			return nil, fmt.Errorf("set initial lease for job %s: %w", job.ID, err)
		}
		lease = updated
	}

	return &Delivery{Job: job, Lease: lease}, nil
}

func (b *AzureQueueBroker) discardPoison(ctx context.Context, id, popReceipt, text string, cause error) {
	ll := logctx.FromContext(ctx).With(slog.String("messageId", id))
	ll.Warn("Discarding malformed job message", slog.Any("error", cause))

	if b.poison != nil {
		if _, err := b.poison.EnqueueMessage(ctx, text, nil); err != nil {
			ll.Error("Failed to move malformed message to poison queue, leaving it on the queue", slog.Any("error", err))
			return
		}
	}
	if _, err := b.queue.DeleteMessage(ctx, id, popReceipt, nil); err != nil {
		ll.Error("Failed to delete malformed message", slog.Any("error", err))
	}
}

func (b *AzureQueueBroker) Extend(ctx context.Context, lease Lease, additional time.Duration) (Lease, error) {
	if !b.clk.Now().Before(lease.ExpiresAt) {
		return lease, ErrInvalidToken
	}
	return b.update(ctx, lease, lease.ExpiresAt.Add(additional))
}

// update moves the message's visibility to newExpiry and returns the lease
// carrying the fresh pop receipt.
func (b *AzureQueueBroker) update(ctx context.Context, lease Lease, newExpiry time.Time) (Lease, error) {
	id, popReceipt, err := splitAzureToken(lease.Token)
	if err != nil {
		return lease, err
	}

	visibility := newExpiry.Sub(b.clk.Now())
	if visibility <= 0 {
		return lease, ErrInvalidToken
	}
	if visibility > azureMaxVisibility {
		return lease, fmt.Errorf("extension to %s exceeds the Azure visibility limit", visibility)
	}

	secs := visibilitySeconds(visibility)
	resp, err := b.queue.UpdateMessage(ctx, id, popReceipt, b.text(id), &azqueue.UpdateMessageOptions{
		VisibilityTimeout: &secs,
	})
	if err != nil {
		err = mapAzureError(err)
		if errors.Is(err, ErrInvalidToken) {
			b.forget(id)
		}
		return lease, err
	}
	if resp.PopReceipt == nil {
		return lease, errors.New("azure UpdateMessage returned no pop receipt")
	}

	lease.Token = azureToken(id, *resp.PopReceipt)
	lease.ExpiresAt = newExpiry
	b.touch(id, newExpiry)
	return lease, nil
}

func (b *AzureQueueBroker) Delete(ctx context.Context, lease Lease) error {
	id, popReceipt, err := splitAzureToken(lease.Token)
	if err != nil {
		return err
	}
	if _, err := b.queue.DeleteMessage(ctx, id, popReceipt, nil); err != nil {
		return mapAzureError(err)
	}
	b.forget(id)
	return nil
}

func (b *AzureQueueBroker) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	if b.poison == nil {
		return ErrNoDeadLetter
	}
	body, err := EncodeJob(d.Job)
	if err != nil {
		return err
	}
	if _, err := b.poison.EnqueueMessage(ctx, string(body), nil); err != nil {
		return fmt.Errorf("send job %s to poison queue (%s): %w", d.Job.ID, reason, err)
	}
	return b.Delete(ctx, d.Lease)
}

// Occupancy reports the approximate message count. Azure does not split
// visible from invisible messages, so the total is reported as unclaimed.
func (b *AzureQueueBroker) Occupancy(ctx context.Context) (Occupancy, error) {
	props, err := b.queue.GetProperties(ctx, nil)
	if err != nil {
		return Occupancy{}, fmt.Errorf("get Azure queue properties: %w", err)
	}
	if props.ApproximateMessagesCount == nil {
		return Occupancy{}, errors.New("azure queue properties missing approximate message count")
	}
	return Occupancy{Unclaimed: int(*props.ApproximateMessagesCount)}, nil
}

func (b *AzureQueueBroker) Send(ctx context.Context, job Job) error {
	body, err := EncodeJob(job)
	if err != nil {
		return err
	}
	if _, err := b.queue.EnqueueMessage(ctx, string(body), nil); err != nil {
		return fmt.Errorf("send job %s: %w", job.ID, err)
	}
	return nil
}

func (b *AzureQueueBroker) remember(id, text string, expiresAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.texts[id] = leasedText{text: text, expiresAt: expiresAt}
}

func (b *AzureQueueBroker) touch(id string, expiresAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.texts[id]; ok {
		t.expiresAt = expiresAt
		b.texts[id] = t
	}
}

func (b *AzureQueueBroker) sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.texts {
		if !now.Before(t.expiresAt) {
			delete(b.texts, id)
		}
	}
}

func (b *AzureQueueBroker) retained() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.texts)
}

func (b *AzureQueueBroker) forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.texts, id)
}

func (b *AzureQueueBroker) text(id string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.texts[id].text
}

func azureToken(id, popReceipt string) string {
	return id + "|" + popReceipt
}

func splitAzureToken(token string) (string, string, error) {
	id, popReceipt, ok := strings.Cut(token, "|")
	if !ok || id == "" || popReceipt == "" {
		return "", "", fmt.Errorf("%w: malformed Azure lease token", ErrInvalidToken)
	}
	return id, popReceipt, nil
}

func mapAzureError(err error) error {
	if queueerror.HasCode(err, queueerror.MessageNotFound, queueerror.PopReceiptMismatch) {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return err
}
