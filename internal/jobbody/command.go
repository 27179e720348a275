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

// Package jobbody runs the job body as an external command. The command
// receives the job payload on stdin and the job identity in its environment.
package jobbody

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cardinalhq/leaserunner/internal/logctx"
	"github.com/cardinalhq/leaserunner/internal/pubsub"
)

const maxOutputTail = 4096

// CommandProcessor runs one process per job attempt.
type CommandProcessor struct {
	argv []string
	env  []string
	dir  string
}

type Option func(*CommandProcessor)

// WithEnv adds KEY=VALUE entries on top of the worker's environment.
func WithEnv(env ...string) Option {
	return func(p *CommandProcessor) {
		p.env = append(p.env, env...)
	}
}

func WithDir(dir string) Option {
	return func(p *CommandProcessor) {
		p.dir = dir
	}
}

func NewCommandProcessor(argv []string, opts ...Option) (*CommandProcessor, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("job command is required")
	}
	p := &CommandProcessor{argv: append([]string(nil), argv...)}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process runs the command to completion. A non-zero exit is a failure and
// the error carries the tail of stderr.
func (p *CommandProcessor) Process(ctx context.Context, job pubsub.Job) error {
	ll := logctx.FromContext(ctx)

	cmd := exec.CommandContext(ctx, p.argv[0], p.argv[1:]...)
	cmd.Dir = p.dir
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Env = append(cmd.Env,
		"JOB_ID="+job.ID.String(),
		"JOB_ATTEMPT="+strconv.Itoa(job.Attempt),
		"JOB_DECLARED_SIZE_BYTES="+strconv.FormatInt(job.DeclaredSizeBytes, 10),
	)
	cmd.Stdin = bytes.NewReader(job.Payload)

	stdout := &tailBuffer{limit: maxOutputTail}
	stderr := &tailBuffer{limit: maxOutputTail}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	ll.Debug("Starting job command", slog.String("command", p.argv[0]))
	if err := cmd.Run(); err != nil {
		tail := strings.TrimSpace(stderr.String())
		if tail != "" {
			return fmt.Errorf("job command %s failed: %w: %s", p.argv[0], err, tail)
		}
		return fmt.Errorf("job command %s failed: %w", p.argv[0], err)
	}

	if out := strings.TrimSpace(stdout.String()); out != "" {
		ll.Debug("Job command output", slog.String("stdout", out))
	}
	return nil
}

// tailBuffer keeps only the last limit bytes written.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
