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

package azureclient

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"go.opentelemetry.io/otel/trace"
)

type QueueClient struct {
	QueueClient *azqueue.QueueClient
	Tracer      trace.Tracer
}

type queueConfig struct {
	StorageAccount string
	QueueName      string
	Endpoint       string
}

type QueueOption func(*queueConfig)

func WithQueueStorageAccount(storageAccount string) QueueOption {
	return func(c *queueConfig) {
		c.StorageAccount = storageAccount
	}
}

func WithQueueName(name string) QueueOption {
	return func(c *queueConfig) {
		c.QueueName = name
	}
}

// WithQueueEndpoint overrides the default
// https://<account>.queue.core.windows.net service URL (e.g. for Azurite).
func WithQueueEndpoint(endpoint string) QueueOption {
	return func(c *queueConfig) {
		c.Endpoint = endpoint
	}
}

type clientKey struct {
	StorageAccount string
	QueueName      string
}

func (m *Manager) GetQueue(_ context.Context, opts ...QueueOption) (*QueueClient, error) {
	qc := queueConfig{}
	for _, o := range opts {
		o(&qc)
	}

	if qc.StorageAccount == "" {
		return nil, fmt.Errorf("storage account is required")
	}
	if qc.QueueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if qc.Endpoint == "" {
		qc.Endpoint = fmt.Sprintf("https://%s.queue.core.windows.net", qc.StorageAccount)
	}

	key := clientKey{StorageAccount: qc.StorageAccount, QueueName: qc.QueueName}
	m.RLock()
	client, ok := m.clients[key]
	m.RUnlock()
	if ok {
		return client, nil
	}

	m.Lock()
	defer m.Unlock()
	if client, ok = m.clients[key]; ok {
		return client, nil
	}

	queueURL := fmt.Sprintf("%s/%s", qc.Endpoint, qc.QueueName)
	qclient, err := azqueue.NewQueueClient(queueURL, m.baseCred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue client: %w", err)
	}

	client = &QueueClient{QueueClient: qclient, Tracer: m.tracer}
	m.clients[key] = client
	return client, nil
}
