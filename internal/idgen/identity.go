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

// Package idgen names worker processes. The name is recorded as the lease
// holder and in the outcome ledger's running marker.
package idgen

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sony/sonyflake"
)

// FlakeGenerator produces roughly time-ordered unique ids.
type FlakeGenerator struct {
	sf *sonyflake.Sonyflake
}

var flakeEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// NewFlakeGenerator derives the machine id from the lower 16 bits of the
// private IPv4 address. Hosts without one (IPv6-only or public-address
// nodes) fall back to a hash of the hostname and pid.
func NewFlakeGenerator() (*FlakeGenerator, error) {
	return newFlakeGenerator(nil)
}

func newFlakeGenerator(machineID func() (uint16, error)) (*FlakeGenerator, error) {
	sf, err := sonyflake.New(sonyflake.Settings{
		StartTime: flakeEpoch,
		MachineID: machineID,
	})
	if err != nil {
		sf, err = sonyflake.New(sonyflake.Settings{
			StartTime: flakeEpoch,
			MachineID: hostMachineID,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Sonyflake instance: %w", err)
	}
	if sf == nil {
		return nil, errors.New("failed to create Sonyflake instance")
	}
	return &FlakeGenerator{sf: sf}, nil
}

func hostMachineID() (uint16, error) {
	return machineIDFor(hostname(), os.Getpid()), nil
}

func machineIDFor(host string, pid int) uint16 {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%s/%d", host, pid)
	sum := h.Sum32()
	return uint16(sum>>16) ^ uint16(sum)
}

func (g *FlakeGenerator) NextID() (uint64, error) {
	return g.sf.NextID()
}

// WorkerID returns "<host>-<id>", where id is a base36 flake id. The host
// part comes from HOSTNAME or os.Hostname and is dropped when neither is set.
func (g *FlakeGenerator) WorkerID() (string, error) {
	id, err := g.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate worker id: %w", err)
	}
	suffix := strconv.FormatUint(id, 36)
	host := hostname()
	if host == "" {
		return suffix, nil
	}
	return host + "-" + suffix, nil
}

func hostname() string {
	if h := os.Getenv("HOSTNAME"); h != "" {
		return sanitize(h)
	}
	if h, err := os.Hostname(); err == nil {
		return sanitize(h)
	}
	return ""
}

func sanitize(h string) string {
	h, _, _ = strings.Cut(h, ".")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return -1
		}
	}, h)
}
