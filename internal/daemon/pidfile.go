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

package daemon

import (
	"fmt"
	"os"
	"path/filepath"
)

// writePIDFile records the daemon's pid for process supervisors. A
// stale file from a crashed predecessor is overwritten.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("daemon: pid dir: %w", err)
	}
	pid := fmt.Sprintf("%d\n", os.Getpid())
	if err := os.WriteFile(path, []byte(pid), 0o600); err != nil {
		return fmt.Errorf("daemon: pid file: %w", err)
	}
	return nil
}

func removePIDFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		// Nothing actionable; the next start overwrites it anyway.
		_ = err
	}
}
