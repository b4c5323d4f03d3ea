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

package toolserver

import (
	"context"
	"net/http"
)

type sessionIDKey struct{}

// withSessionID lifts the spawner's session_id query parameter into the
// request context so tool handlers can attribute calls to their session.
func withSessionID(ctx context.Context, r *http.Request) context.Context {
	if id := r.URL.Query().Get("session_id"); id != "" {
		return context.WithValue(ctx, sessionIDKey{}, id)
	}
	return ctx
}

// SessionIDFromContext returns the calling session's id, if any.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}
