// Copyright 2026 The Butler Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// maxStagger caps the dispersal window for co-scheduled tasks.
const maxStagger = 900 * time.Second

// StaggerOffset disperses tasks that share a cadence. The offset is a
// pure function of the key: SHA-256 of the key modulo
// min(maxStagger, cadence-1), so identical keys land on identical offsets
// across restarts and the offset is always strictly inside the cadence.
func StaggerOffset(key string, cadence time.Duration) time.Duration {
	if key == "" || cadence <= time.Second {
		return 0
	}

	window := min(maxStagger, cadence-time.Second)
	modulus := int64(window / time.Second)
	if modulus <= 0 {
		return 0
	}

	sum := sha256.Sum256([]byte(key))
	hash := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(hash%uint64(modulus)) * time.Second
}

// NextRun computes the staggered next occurrence of expr strictly after
// the given instant. Cron expressions are 5-field and evaluated in UTC.
func NextRun(expr, staggerKey string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: invalid cron %q: %w", expr, err)
	}

	first := sched.Next(after.UTC())
	if first.IsZero() {
		return time.Time{}, fmt.Errorf("scheduler: cron %q has no future occurrence", expr)
	}
	cadence := sched.Next(first).Sub(first)
	return first.Add(StaggerOffset(staggerKey, cadence)), nil
}

// ValidateCron rejects malformed expressions at write time.
func ValidateCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("scheduler: invalid cron %q: %w", expr, err)
	}
	return nil
}
