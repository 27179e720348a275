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

package awsclient

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager() *Manager {
	base := aws.Config{
		Region:      "us-east-2",
		Credentials: credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
	}
	return &Manager{
		baseCfg:     base,
		stsClient:   sts.NewFromConfig(base),
		sessionName: "test",
		providers:   map[roleKey]aws.CredentialsProvider{},
	}
}

func TestConfigFor_DefaultsRegionAndCachesProviders(t *testing.T) {
	m := testManager()

	cfg := m.configFor("", "")
	assert.Equal(t, "us-east-2", cfg.Region)
	assert.Equal(t, m.baseCfg.Credentials, cfg.Credentials)

	assumed := m.configFor("eu-west-1", "arn:aws:iam::123456789012:role/scaler")
	assert.Equal(t, "eu-west-1", assumed.Region)
	assert.IsType(t, &aws.CredentialsCache{}, assumed.Credentials)

	again := m.configFor("eu-west-1", "arn:aws:iam::123456789012:role/scaler")
	assert.Same(t, assumed.Credentials, again.Credentials)
	assert.Len(t, m.providers, 2)
}

func TestGetClients(t *testing.T) {
	m := testManager()

	sqsClient, err := m.GetSQS(context.Background(),
		WithSQSRegion("us-west-2"),
		WithSQSEndpoint("http://localhost:4566"))
	require.NoError(t, err)
	require.NotNil(t, sqsClient.Client)
	assert.Equal(t, "us-west-2", sqsClient.Client.Options().Region)
	assert.Equal(t, "http://localhost:4566", aws.ToString(sqsClient.Client.Options().BaseEndpoint))

	ecsClient, err := m.GetECS(context.Background(), WithECSRegion("ap-south-1"))
	require.NoError(t, err)
	assert.Equal(t, "ap-south-1", ecsClient.Options().Region)
}
