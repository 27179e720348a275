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

package idgen

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlakeGenerator_NextIDIncreases(t *testing.T) {
	gen, err := NewFlakeGenerator()
	require.NoError(t, err)

	a, err := gen.NextID()
	require.NoError(t, err)
	b, err := gen.NextID()
	require.NoError(t, err)
	assert.Greater(t, b, a)
}

func TestFlakeGenerator_WorkerID(t *testing.T) {
	t.Setenv("HOSTNAME", "Worker_Pod.example.internal")
	gen, err := NewFlakeGenerator()
	require.NoError(t, err)

	id1, err := gen.WorkerID()
	require.NoError(t, err)
	id2, err := gen.WorkerID()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(id1, "workerpod-"), id1)
	assert.NotEqual(t, id1, id2)
}

func TestNewFlakeGenerator_NoPrivateAddressFallsBack(t *testing.T) {
	noPrivateIP := func() (uint16, error) {
		return 0, errors.New("no private ip address")
	}
	gen, err := newFlakeGenerator(noPrivateIP)
	require.NoError(t, err)

	a, err := gen.NextID()
	require.NoError(t, err)
	b, err := gen.NextID()
	require.NoError(t, err)
	assert.Greater(t, b, a)
}

func TestMachineIDFor(t *testing.T) {
	assert.Equal(t, machineIDFor("edge-01", 7), machineIDFor("edge-01", 7))
	assert.NotEqual(t, machineIDFor("edge-01", 7), machineIDFor("edge-02", 7))
	assert.NotEqual(t, machineIDFor("edge-01", 7), machineIDFor("edge-01", 8))

	id, err := hostMachineID()
	require.NoError(t, err)
	assert.Equal(t, machineIDFor(hostname(), os.Getpid()), id)
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"edge-01":         "edge-01",
		"EDGE01.local":    "edge01",
		"ip-10-0-0-1.ec2": "ip-10-0-0-1",
		"weird_name!":     "weirdname",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitize(in), in)
	}
}
