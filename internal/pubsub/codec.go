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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMalformedMessage marks a queue message that can never be processed.
var ErrMalformedMessage = errors.New("malformed job message")

// EncodeJob renders a job as a queue message body.
func EncodeJob(job Job) ([]byte, error) {
	if job.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing job_id", ErrMalformedMessage)
	}
	return json.Marshal(job)
}

// DecodeJob parses a queue message body. Declared size is not validated
// here; a non-positive size is handled by the worker.
func DecodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if job.ID == uuid.Nil {
		return Job{}, fmt.Errorf("%w: missing job_id", ErrMalformedMessage)
	}
	return job, nil
}

// Azure Queue messages are often base64 encoded by the producer SDK
func decodeIfBase64(s string) []byte {
	// Quick reject: must be multiple of 4
	if len(s)%4 != 0 {
		return []byte(s)
	}

	for _, c := range s {
		if !(('A' <= c && c <= 'Z') ||
			('a' <= c && c <= 'z') ||
			('0' <= c && c <= '9') ||
			c == '+' || c == '/' || c == '=') {
			return []byte(s)
		}
	}

	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return []byte(s)
	}

	return decoded
}
