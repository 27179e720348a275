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
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

type mockAzureQueue struct {
	mock.Mock
}

func (m *mockAzureQueue) DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error) {
	args := m.Called(ctx, o)
	return args.Get(0).(azqueue.DequeueMessagesResponse), args.Error(1)
}

func (m *mockAzureQueue) UpdateMessage(ctx context.Context, messageID, popReceipt, content string, o *azqueue.UpdateMessageOptions) (azqueue.UpdateMessageResponse, error) {
	args := m.Called(ctx, messageID, popReceipt, content, o)
	return args.Get(0).(azqueue.UpdateMessageResponse), args.Error(1)
}

func (m *mockAzureQueue) DeleteMessage(ctx context.Context, messageID, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error) {
	args := m.Called(ctx, messageID, popReceipt, o)
	return args.Get(0).(azqueue.DeleteMessageResponse), args.Error(1)
}

func (m *mockAzureQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	args := m.Called(ctx, content, o)
	return args.Get(0).(azqueue.EnqueueMessagesResponse), args.Error(1)
}

func (m *mockAzureQueue) GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error) {
	args := m.Called(ctx, o)
	return args.Get(0).(azqueue.GetQueuePropertiesResponse), args.Error(1)
}

func TestAzureQueueBroker_ExtendUsesLatestPopReceipt(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	q := &mockAzureQueue{}
	b := NewAzureQueueBroker(q, WithAzureClock(clk))

	lease := Lease{Token: azureToken("msg-1", "pop-1"), ClaimedAt: epoch, ExpiresAt: epoch.Add(10 * time.Minute)}
	clk.Step(2 * time.Minute)

	q.On("UpdateMessage", mock.Anything, "msg-1", "pop-1", mock.Anything, mock.MatchedBy(func(o *azqueue.UpdateMessageOptions) bool {
		return *o.VisibilityTimeout == int32((8*time.Minute+150*time.Second)/time.Second)
	})).Return(azqueue.UpdateMessageResponse{PopReceipt: to("pop-2")}, nil).Once()

	extended, err := b.Extend(context.Background(), lease, 150*time.Second)
	require.NoError(t, err)
	assert.Equal(t, azureToken("msg-1", "pop-2"), extended.Token)
	assert.Equal(t, epoch.Add(10*time.Minute+150*time.Second), extended.ExpiresAt)

	clk.Step(2 * time.Minute)
	q.On("UpdateMessage", mock.Anything, "msg-1", "pop-2", mock.Anything, mock.Anything).
		Return(azqueue.UpdateMessageResponse{PopReceipt: to("pop-3")}, nil).Once()

	extended, err = b.Extend(context.Background(), extended, 150*time.Second)
	require.NoError(t, err)
	assert.Equal(t, azureToken("msg-1", "pop-3"), extended.Token)
	q.AssertExpectations(t)
}

func TestAzureQueueBroker_StaleReceipt(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	q := &mockAzureQueue{}
	b := NewAzureQueueBroker(q, WithAzureClock(clk))

	stale := &azcore.ResponseError{ErrorCode: string(queueerror.PopReceiptMismatch), StatusCode: 400}
	q.On("UpdateMessage", mock.Anything, "msg-1", "pop-old", mock.Anything, mock.Anything).
		Return(azqueue.UpdateMessageResponse{}, stale)
	q.On("DeleteMessage", mock.Anything, "msg-1", "pop-old", mock.Anything).
		Return(azqueue.DeleteMessageResponse{}, &azcore.ResponseError{ErrorCode: string(queueerror.MessageNotFound), StatusCode: 404})

	lease := Lease{Token: azureToken("msg-1", "pop-old"), ExpiresAt: epoch.Add(time.Minute)}
	_, err := b.Extend(context.Background(), lease, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, b.Delete(context.Background(), lease), ErrInvalidToken)
}

func TestAzureQueueBroker_TransientErrorPassesThrough(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	q := &mockAzureQueue{}
	b := NewAzureQueueBroker(q, WithAzureClock(clk))

	q.On("UpdateMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(azqueue.UpdateMessageResponse{}, errors.New("503 server busy"))

	_, err := b.Extend(context.Background(), Lease{Token: azureToken("m", "p"), ExpiresAt: epoch.Add(time.Minute)}, time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

func TestSplitAzureToken(t *testing.T) {
	id, pop, err := splitAzureToken("abc|def")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, "def", pop)

	for _, bad := range []string{"", "abc", "|def", "abc|"} {
		_, _, err := splitAzureToken(bad)
		assert.ErrorIs(t, err, ErrInvalidToken, bad)
	}
}

func TestAzureQueueBroker_DeadLetter(t *testing.T) {
	q := &mockAzureQueue{}
	d := Delivery{Job: Job{ID: uuid.New(), DeclaredSizeBytes: 1}, Lease: Lease{Token: azureToken("msg-1", "pop-1")}}

	assert.ErrorIs(t, NewAzureQueueBroker(q).DeadLetter(context.Background(), d, "exhausted"), ErrNoDeadLetter)

	poison := &mockAzureQueue{}
	poison.On("EnqueueMessage", mock.Anything, mock.Anything, mock.Anything).Return(azqueue.EnqueueMessagesResponse{}, nil)
	q.On("DeleteMessage", mock.Anything, "msg-1", "pop-1", mock.Anything).Return(azqueue.DeleteMessageResponse{}, nil)

	require.NoError(t, NewAzureQueueBroker(q, WithAzurePoisonQueue(poison)).DeadLetter(context.Background(), d, "exhausted"))
	poison.AssertExpectations(t)
	q.AssertExpectations(t)
}

func TestAzureQueueBroker_LapsedLeaseTextIsReleased(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	q := &mockAzureQueue{}
	b := NewAzureQueueBroker(q, WithAzureClock(clk), WithAzureProvisionalLease(time.Minute))

	body, err := EncodeJob(Job{ID: uuid.New(), DeclaredSizeBytes: 1})
	require.NoError(t, err)
	q.On("DequeueMessage", mock.Anything, mock.Anything).Return(azqueue.DequeueMessagesResponse{
		Messages: []*azqueue.DequeuedMessage{{
			MessageID:    to("msg-1"),
			PopReceipt:   to("pop-1"),
			MessageText:  to(string(body)),
			DequeueCount: to(int64(1)),
		}},
	}, nil).Once()
	q.On("DequeueMessage", mock.Anything, mock.Anything).Return(azqueue.DequeueMessagesResponse{}, nil)

	// the holder dies without extending or deleting
	d, err := b.Receive(context.Background(), ReceiveOptions{})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, b.retained())

	clk.Step(30 * time.Second)
	_, err = b.Receive(context.Background(), ReceiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, b.retained())

	clk.Step(30 * time.Second)
	_, err = b.Receive(context.Background(), ReceiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, b.retained())
}

func TestAzureQueueBroker_StaleExtendReleasesText(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	q := &mockAzureQueue{}
	b := NewAzureQueueBroker(q, WithAzureClock(clk))
	b.remember("msg-1", "{}", epoch.Add(time.Minute))

	q.On("UpdateMessage", mock.Anything, "msg-1", "pop-old", "{}", mock.Anything).
		Return(azqueue.UpdateMessageResponse{}, &azcore.ResponseError{ErrorCode: string(queueerror.PopReceiptMismatch), StatusCode: 400})

	_, err := b.Extend(context.Background(), Lease{Token: azureToken("msg-1", "pop-old"), ExpiresAt: epoch.Add(time.Minute)}, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, 0, b.retained())
}

func TestAzureQueueBroker_Occupancy(t *testing.T) {
	q := &mockAzureQueue{}
	b := NewAzureQueueBroker(q)

	q.On("GetProperties", mock.Anything, mock.Anything).
		Return(azqueue.GetQueuePropertiesResponse{ApproximateMessagesCount: to(int32(5))}, nil)

	occ, err := b.Occupancy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, occ.Total())
}

func to[T any](v T) *T {
	return &v
}
