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

// Package heartbeat reports liveness to the switchboard. Failures are
// warnings, never fatal: a butler keeps running through switchboard
// outages and re-enters the registry on the next successful beat.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// firstBeatDelay bounds how soon after startup the first beat goes out.
const firstBeatDelay = 5 * time.Second

// Beat is the POST /api/heartbeat body.
type Beat struct {
	ButlerName string `json:"butler_name"`
}

// BeatResponse reports the butler's current eligibility as seen by the
// switchboard. Quarantined is still a 200.
type BeatResponse struct {
	EligibilityState string `json:"eligibility_state"`
}

// Reporter periodically posts liveness to the switchboard.
type Reporter struct {
	logger     *slog.Logger
	client     *http.Client
	url        string
	butlerName string
	interval   time.Duration
}

// New constructs a reporter aimed at the switchboard base URL.
func New(switchboardURL, butlerName string, interval time.Duration, logger *slog.Logger) *Reporter {
	return &Reporter{
		logger:     logger.With("component", "heartbeat"),
		client:     &http.Client{Timeout: 10 * time.Second},
		url:        switchboardURL + "/api/heartbeat",
		butlerName: butlerName,
		interval:   interval,
	}
}

// Run beats until ctx is cancelled: first beat within five seconds of
// startup, then every interval. Cancellation sends no final beat.
func (r *Reporter) Run(ctx context.Context) {
	r.logger.Info("heartbeat reporter started", "interval", r.interval.String())

	select {
	case <-ctx.Done():
		return
	case <-time.After(firstBeatDelay):
		r.beat(ctx)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("heartbeat reporter stopped")
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

// beat posts one heartbeat. Transport failures log at warning and the
// loop continues.
func (r *Reporter) beat(ctx context.Context) {
	state, err := r.send(ctx)
	if err != nil {
		r.logger.Warn("heartbeat failed", "error", err)
		return
	}
	r.logger.Debug("heartbeat acknowledged", "eligibility_state", state)
}

func (r *Reporter) send(ctx context.Context) (string, error) {
	body, err := json.Marshal(Beat{ButlerName: r.butlerName})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("heartbeat: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var ack BeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", fmt.Errorf("heartbeat: decode response: %w", err)
	}
	return ack.EligibilityState, nil
}
