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

package jobbody

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/leaserunner/internal/pubsub"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func TestNewCommandProcessor_RequiresCommand(t *testing.T) {
	_, err := NewCommandProcessor(nil)
	assert.Error(t, err)
	_, err = NewCommandProcessor([]string{""})
	assert.Error(t, err)
}

func TestProcess_PassesJobToCommand(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	p, err := NewCommandProcessor([]string{"sh", "-c",
		`cat > payload.json && printf '%s %s %s %s' "$JOB_ID" "$JOB_ATTEMPT" "$JOB_DECLARED_SIZE_BYTES" "$EXTRA" > env.txt`},
		WithDir(dir), WithEnv("EXTRA=yes"))
	require.NoError(t, err)

	job := pubsub.Job{
		ID:                uuid.New(),
		DeclaredSizeBytes: 4 << 30,
		Attempt:           2,
		Payload:           json.RawMessage(`{"media_id":"m-1"}`),
	}
	require.NoError(t, p.Process(context.Background(), job))

	payload, err := os.ReadFile(filepath.Join(dir, "payload.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"media_id":"m-1"}`, string(payload))

	env, err := os.ReadFile(filepath.Join(dir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, job.ID.String()+" 2 4294967296 yes", string(env))
}

func TestProcess_NonZeroExitIsFailure(t *testing.T) {
	requireShell(t)
	p, err := NewCommandProcessor([]string{"sh", "-c", "echo 'codec not supported' >&2; exit 3"})
	require.NoError(t, err)

	err = p.Process(context.Background(), pubsub.Job{ID: uuid.New(), DeclaredSizeBytes: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "codec not supported")
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestProcess_MissingExecutable(t *testing.T) {
	p, err := NewCommandProcessor([]string{filepath.Join(t.TempDir(), "does-not-exist")})
	require.NoError(t, err)
	assert.Error(t, p.Process(context.Background(), pubsub.Job{ID: uuid.New()}))
}

func TestTailBuffer_KeepsLastBytes(t *testing.T) {
	b := &tailBuffer{limit: 8}
	n, err := b.Write([]byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = b.Write([]byte("world"))
	assert.Equal(t, "lo world", b.String())

	_, _ = b.Write([]byte(strings.Repeat("x", 20)))
	assert.Equal(t, strings.Repeat("x", 8), b.String())
}
