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

package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	internallog "github.com/stafford/butler/internal/log"
)

// Watch logs a restart hint when the configuration file changes on disk.
// Configuration is immutable after load, so changes only take effect on the
// next daemon start; the hint keeps operators from waiting on a live reload
// that will never happen. Watch returns when the context is cancelled.
func Watch(ctx context.Context, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				logger.Info("configuration changed on disk; restart the daemon to apply",
					slog.String("path", event.Name))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", internallog.Error(err))
		}
	}
}
