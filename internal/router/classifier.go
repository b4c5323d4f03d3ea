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

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stafford/butler/internal/spawner"
	"github.com/stafford/butler/internal/store"
)

// ErrUnparsableClassification is returned when the classifier session
// completes but its output cannot be read as a routing decision.
var ErrUnparsableClassification = errors.New("router: unparsable classification")

// SessionRunner is the slice of the spawner the classifier needs.
type SessionRunner interface {
	Invoke(ctx context.Context, p spawner.InvokeParams) (*store.Session, error)
}

// LLMClassifier routes by asking the switchboard's own model which
// registered butler should handle the message.
type LLMClassifier struct {
	logger   *slog.Logger
	runner   SessionRunner
	registry *store.RegistryStore
}

// NewLLMClassifier constructs the spawner-backed classifier.
func NewLLMClassifier(runner SessionRunner, registry *store.RegistryStore, logger *slog.Logger) *LLMClassifier {
	return &LLMClassifier{
		logger:   logger.With("component", "classifier"),
		runner:   runner,
		registry: registry,
	}
}

type classification struct {
	Target         string `json:"target"`
	Classification string `json:"classification"`
}

// Classify runs one classification session. The prompt enumerates the
// registered butlers and their modules so the model picks from real
// targets only.
func (c *LLMClassifier) Classify(ctx context.Context, ingress Ingress) (string, string, error) {
	entries, err := c.registry.List(ctx)
	if err != nil {
		return "", "", fmt.Errorf("router: list registry: %w", err)
	}

	eligible := make(map[string]bool, len(entries))
	var roster strings.Builder
	for _, e := range entries {
		if e.EligibilityState == store.EligibilityQuarantined {
			continue
		}
		eligible[e.Name] = true
		fmt.Fprintf(&roster, "- %s: %s (modules: %s)\n",
			e.Name, e.Description, strings.Join(e.Modules, ", "))
	}
	if len(eligible) == 0 {
		return "", "", ErrNoTarget
	}

	session, err := c.runner.Invoke(ctx, spawner.InvokeParams{
		TriggerSource: store.TriggerRoute,
		Prompt:        classifyPrompt(roster.String(), ingress),
	})
	if err != nil {
		return "", "", err
	}
	if session.Success == nil || !*session.Success {
		return "", "", fmt.Errorf("router: classification session failed: %s", session.Error)
	}

	decision, err := parseClassification(session.Result)
	if err != nil {
		return "", "", err
	}
	if !eligible[decision.Target] {
		return "", "", fmt.Errorf("%w: classifier chose %q", ErrNoTarget, decision.Target)
	}
	return decision.Target, decision.Classification, nil
}

func classifyPrompt(roster string, ingress Ingress) string {
	return fmt.Sprintf(`You are the switchboard for a household of butlers. Decide which butler should handle the incoming message.

Registered butlers:
%s
Message from channel %q, sender %q:
%s

Respond with only a JSON object: {"target": "<butler name>", "classification": "<one short phrase describing the request>"}`,
		roster, ingress.SourceChannel, ingress.SenderIdentity, ingress.Content)
}

// parseClassification tolerates models that wrap the JSON in prose or a
// code fence by scanning for the outermost object.
func parseClassification(text string) (*classification, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: %q", ErrUnparsableClassification, text)
	}

	var decision classification
	if err := json.Unmarshal([]byte(text[start:end+1]), &decision); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsableClassification, err)
	}
	if decision.Target == "" {
		return nil, fmt.Errorf("%w: missing target", ErrUnparsableClassification)
	}
	return &decision, nil
}
