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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Inbox lifecycle states. A row in accepted or dispatching at startup is
// recoverable: the process phase re-dispatches it after a restart.
const (
	InboxAccepted    = "accepted"
	InboxDispatching = "dispatching"
	InboxInProgress  = "in_progress"
	InboxParsed      = "parsed"
	InboxErrored     = "errored"
)

// InboxMessage is the accept-phase handoff persisted on the target butler.
type InboxMessage struct {
	RequestID              string          `json:"request_id"`
	SourceChannel          string          `json:"source_channel"`
	SourceEndpointIdentity string          `json:"source_endpoint_identity,omitempty"`
	SenderIdentity         string          `json:"sender_identity,omitempty"`
	Prompt                 string          `json:"prompt"`
	TraceContext           json.RawMessage `json:"trace_context,omitempty"`
	LifecycleState         string          `json:"lifecycle_state"`
	Classification         string          `json:"classification,omitempty"`
	RoutingResults         json.RawMessage `json:"routing_results,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
}

// InboxStore persists the message inbox.
type InboxStore struct {
	db *sql.DB
}

// Accept durably inserts the accept-phase row. The caller acknowledges the
// switchboard only after this returns.
func (s *InboxStore) Accept(ctx context.Context, msg *InboxMessage) error {
	msg.LifecycleState = InboxAccepted
	msg.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_inbox (request_id, source_channel, source_endpoint_identity,
			sender_identity, prompt, trace_context, lifecycle_state, classification,
			routing_results, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.RequestID, msg.SourceChannel, nullString(msg.SourceEndpointIdentity),
		nullString(msg.SenderIdentity), msg.Prompt, rawJSON(msg.TraceContext),
		msg.LifecycleState, nullString(msg.Classification), rawJSON(msg.RoutingResults),
		formatTime(msg.CreatedAt), formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inbox: accept %s: %w", msg.RequestID, err)
	}
	return nil
}

// Get returns one inbox row by request id.
func (s *InboxStore) Get(ctx context.Context, requestID string) (*InboxMessage, error) {
	row := s.db.QueryRowContext(ctx, inboxColumns+` WHERE request_id = ?`, requestID)
	msg, err := scanInbox(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: inbox %s", ErrNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("inbox: get %s: %w", requestID, err)
	}
	return msg, nil
}

// SetState transitions one row's lifecycle state.
func (s *InboxStore) SetState(ctx context.Context, requestID, state string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE message_inbox SET lifecycle_state = ?, updated_at = ? WHERE request_id = ?`,
		state, formatTime(time.Now()), requestID)
	if err != nil {
		return fmt.Errorf("inbox: set state %s: %w", requestID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: inbox %s", ErrNotFound, requestID)
	}
	return nil
}

// Finish records the terminal state alongside the processing outcome.
func (s *InboxStore) Finish(ctx context.Context, requestID, state string, results json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE message_inbox SET lifecycle_state = ?, routing_results = ?, updated_at = ?
		 WHERE request_id = ?`,
		state, rawJSON(results), formatTime(time.Now()), requestID)
	if err != nil {
		return fmt.Errorf("inbox: finish %s: %w", requestID, err)
	}
	return nil
}

// PendingRecovery returns rows stranded in accepted or dispatching, oldest
// first, for re-dispatch after a daemon restart.
func (s *InboxStore) PendingRecovery(ctx context.Context) ([]*InboxMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		inboxColumns+` WHERE lifecycle_state IN (?, ?) ORDER BY created_at`,
		InboxAccepted, InboxDispatching)
	if err != nil {
		return nil, fmt.Errorf("inbox: pending recovery: %w", err)
	}
	defer rows.Close()

	var msgs []*InboxMessage
	for rows.Next() {
		msg, err := scanInbox(rows)
		if err != nil {
			return nil, fmt.Errorf("inbox: pending recovery: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

const inboxColumns = `SELECT request_id, source_channel, source_endpoint_identity, sender_identity,
	prompt, trace_context, lifecycle_state, classification, routing_results, created_at
	FROM message_inbox`

func scanInbox(row rowScanner) (*InboxMessage, error) {
	var msg InboxMessage
	var sourceEndpoint, sender, traceContext, classification, routingResults sql.NullString
	var createdAt string

	err := row.Scan(&msg.RequestID, &msg.SourceChannel, &sourceEndpoint, &sender,
		&msg.Prompt, &traceContext, &msg.LifecycleState, &classification,
		&routingResults, &createdAt)
	if err != nil {
		return nil, err
	}

	msg.SourceEndpointIdentity = sourceEndpoint.String
	msg.SenderIdentity = sender.String
	msg.Classification = classification.String
	if traceContext.Valid {
		msg.TraceContext = json.RawMessage(traceContext.String)
	}
	if routingResults.Valid {
		msg.RoutingResults = json.RawMessage(routingResults.String)
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &msg, nil
}
