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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/stafford/butler/internal/router"
	"github.com/stafford/butler/internal/switchboard"
)

// registerRetryInterval paces registration attempts against a
// switchboard that is down or not yet up.
const registerRetryInterval = 30 * time.Second

// registerWithSwitchboard announces this butler to the fleet registry,
// retrying until it lands or the daemon stops. Re-registration after a
// switchboard restart rides on the heartbeat revival path.
func (d *Daemon) registerWithSwitchboard(ctx context.Context) {
	b := &d.cfg.Butler

	moduleNames := []string{}
	for _, m := range d.registry.StartedModules() {
		moduleNames = append(moduleNames, m.Name())
	}
	payload, err := json.Marshal(switchboard.RegisterRequest{
		Name:               b.Name,
		EndpointURL:        fmt.Sprintf("http://localhost:%d/mcp", b.Port),
		Description:        b.Description,
		Modules:            moduleNames,
		LivenessTTLSeconds: b.LivenessTTLSeconds,
	})
	if err != nil {
		d.logger.Error("registration payload", "error", err)
		return
	}

	client := &http.Client{Timeout: 10 * time.Second}
	target := b.SwitchboardURL + "/api/register"
	for {
		if err := postRegistration(ctx, client, target, payload); err != nil {
			d.logger.Warn("switchboard registration failed", "error", err)
		} else {
			d.logger.Info("registered with switchboard", "url", b.SwitchboardURL)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(registerRetryInterval):
		}
	}
}

func postRegistration(ctx context.Context, client *http.Client, target string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("switchboard returned %s", resp.Status)
	}
	return nil
}

// listenAddr extracts the listen address from the switchboard URL. The
// port must be explicit; guessing scheme defaults would silently bind
// the wrong socket.
func listenAddr(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("daemon: switchboard url: %w", err)
	}
	if u.Port() == "" {
		return "", fmt.Errorf("daemon: switchboard url %q has no explicit port", rawURL)
	}
	return ":" + u.Port(), nil
}

// ingressHandler accepts canonical ingress records from connectors and
// runs the accept phase synchronously.
func (d *Daemon) ingressHandler(rt *router.Router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ingress router.Ingress
		if err := json.NewDecoder(r.Body).Decode(&ingress); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if ingress.Content == "" || ingress.SourceChannel == "" {
			http.Error(w, "content and source_channel are required", http.StatusBadRequest)
			return
		}

		started := time.Now()
		result, err := rt.Route(r.Context(), ingress)
		if err != nil {
			http.Error(w, err.Error(), ingressStatus(err))
			return
		}
		d.provider.Metrics().RouteAccepted(r.Context(), result.TargetButler, time.Since(started))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(result)
	})
}

func ingressStatus(err error) int {
	switch {
	case errors.Is(err, router.ErrNoTarget),
		errors.Is(err, router.ErrUnparsableClassification):
		return http.StatusUnprocessableEntity
	case errors.Is(err, router.ErrTargetQuarantined):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
