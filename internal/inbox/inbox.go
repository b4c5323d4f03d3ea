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

// Package inbox implements the target-side half of routing: accept a
// route durably, acknowledge fast, then process it in the background.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stafford/butler/internal/spawner"
	"github.com/stafford/butler/internal/store"
)

// SessionRunner is the slice of the spawner the worker needs.
type SessionRunner interface {
	Invoke(ctx context.Context, p spawner.InvokeParams) (*store.Session, error)
}

// Worker accepts routed messages and processes them sequentially. The
// accept path only writes a row and signals; everything slow happens on
// the background goroutine.
type Worker struct {
	logger *slog.Logger
	inbox  *store.InboxStore
	runner SessionRunner
	tracer trace.Tracer

	wake chan struct{}

	mu      sync.Mutex
	pending []queueItem
}

// queueItem is one queued request. recovered marks rows re-dispatched
// after a crash so their spans are distinguishable from fresh accepts.
type queueItem struct {
	requestID string
	recovered bool
}

// New constructs an inbox worker.
func New(inbox *store.InboxStore, runner SessionRunner, logger *slog.Logger) *Worker {
	return &Worker{
		logger: logger.With("component", "inbox"),
		inbox:  inbox,
		runner: runner,
		tracer: otel.Tracer("butler/inbox"),
		wake:   make(chan struct{}, 1),
	}
}

// AcceptParams is the route.execute payload.
type AcceptParams struct {
	RequestID              string
	SourceChannel          string
	SourceEndpointIdentity string
	SenderIdentity         string
	Prompt                 string
	Classification         string
	TraceContext           json.RawMessage
}

// Accept durably persists the route and queues it for processing. The
// switchboard's ack depends on this returning, so nothing slow happens
// here.
func (w *Worker) Accept(ctx context.Context, p AcceptParams) error {
	if p.RequestID == "" {
		return fmt.Errorf("inbox: request_id is required")
	}
	if p.Prompt == "" {
		return fmt.Errorf("inbox: prompt is required")
	}

	err := w.inbox.Accept(ctx, &store.InboxMessage{
		RequestID:              p.RequestID,
		SourceChannel:          p.SourceChannel,
		SourceEndpointIdentity: p.SourceEndpointIdentity,
		SenderIdentity:         p.SenderIdentity,
		Prompt:                 p.Prompt,
		Classification:         p.Classification,
		TraceContext:           p.TraceContext,
	})
	if err != nil {
		return err
	}

	w.enqueue(queueItem{requestID: p.RequestID})
	w.logger.Info("route accepted", "request_id", p.RequestID,
		"source_channel", p.SourceChannel)
	return nil
}

// Run drains the queue until ctx is cancelled. On startup it first
// recovers rows stranded mid-flight by a previous crash.
func (w *Worker) Run(ctx context.Context) {
	w.recover(ctx)

	for {
		item, ok := w.dequeue()
		if ok {
			w.process(ctx, item)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}
	}
}

// recover re-queues accepted and dispatching rows left over from a
// previous run, oldest first.
func (w *Worker) recover(ctx context.Context) {
	ctx, span := w.tracer.Start(ctx, "route.process.recovery")
	defer span.End()

	msgs, err := w.inbox.PendingRecovery(ctx)
	if err != nil {
		w.logger.Error("inbox recovery failed", "error", err)
		return
	}
	span.SetAttributes(attribute.Int("recovered", len(msgs)))
	if len(msgs) == 0 {
		return
	}

	w.logger.Info("recovering stranded inbox messages", "count", len(msgs))
	for _, msg := range msgs {
		w.enqueue(queueItem{requestID: msg.RequestID, recovered: true})
	}
}

// process runs one message through its lifecycle. Errors finish the row
// as errored; the worker itself never stops on a bad message.
func (w *Worker) process(ctx context.Context, item queueItem) {
	requestID := item.requestID
	ctx, span := w.tracer.Start(ctx, "route.process",
		trace.WithAttributes(
			attribute.String("request_id", requestID),
			attribute.Bool("recovered", item.recovered),
		))
	defer span.End()

	msg, err := w.inbox.Get(ctx, requestID)
	if err != nil {
		w.logger.Error("inbox row vanished", "request_id", requestID, "error", err)
		return
	}

	if err := w.inbox.SetState(ctx, requestID, store.InboxDispatching); err != nil {
		w.logger.Error("inbox transition failed", "request_id", requestID, "error", err)
		return
	}
	if err := w.inbox.SetState(ctx, requestID, store.InboxInProgress); err != nil {
		w.logger.Error("inbox transition failed", "request_id", requestID, "error", err)
		return
	}

	session, err := w.runner.Invoke(ctx, spawner.InvokeParams{
		Prompt:        routePrompt(msg),
		TriggerSource: store.TriggerRoute,
		RequestID:     requestID,
	})
	if err != nil {
		w.finish(ctx, requestID, store.InboxErrored, map[string]any{"error": err.Error()})
		return
	}

	results := map[string]any{"session_id": session.ID}
	state := store.InboxParsed
	if session.Success == nil || !*session.Success {
		state = store.InboxErrored
		results["error"] = session.Error
	}
	w.finish(ctx, requestID, state, results)
}

func (w *Worker) finish(ctx context.Context, requestID, state string, results map[string]any) {
	data, err := json.Marshal(results)
	if err != nil {
		data = []byte(`{}`)
	}
	if err := w.inbox.Finish(ctx, requestID, state, data); err != nil {
		w.logger.Error("inbox finish failed", "request_id", requestID, "error", err)
		return
	}
	w.logger.Info("route processed", "request_id", requestID, "state", state)
}

// routePrompt frames the routed message for the session. The sender and
// channel travel with the prompt so the model can reply appropriately.
func routePrompt(msg *store.InboxMessage) string {
	prompt := fmt.Sprintf("Message routed from channel %q", msg.SourceChannel)
	if msg.SenderIdentity != "" {
		prompt += fmt.Sprintf(", sent by %q", msg.SenderIdentity)
	}
	if msg.Classification != "" {
		prompt += fmt.Sprintf(" (classified as: %s)", msg.Classification)
	}
	return prompt + ":\n\n" + msg.Prompt
}

func (w *Worker) enqueue(item queueItem) {
	w.mu.Lock()
	w.pending = append(w.pending, item)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) dequeue() (queueItem, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		return queueItem{}, false
	}
	item := w.pending[0]
	w.pending = w.pending[1:]
	return item, true
}
