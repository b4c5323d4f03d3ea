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

package module

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModule struct {
	name       string
	deps       []string
	tools      []Tool
	creds      []string
	configErr  error
	startupErr error

	startups  *[]string
	shutdowns *[]string
}

func (m *fakeModule) Name() string                             { return m.name }
func (m *fakeModule) Dependencies() []string                   { return m.deps }
func (m *fakeModule) ValidateConfig(decode DecodeConfig) error { return m.configErr }
func (m *fakeModule) Credentials() []string                    { return m.creds }
func (m *fakeModule) Migrations() []string                     { return nil }
func (m *fakeModule) Tools() []Tool                            { return m.tools }

func (m *fakeModule) OnStartup(ctx context.Context, deps *Deps) error {
	if m.startupErr != nil {
		return m.startupErr
	}
	if m.startups != nil {
		*m.startups = append(*m.startups, m.name)
	}
	return nil
}

func (m *fakeModule) OnShutdown(ctx context.Context) error {
	if m.shutdowns != nil {
		*m.shutdowns = append(*m.shutdowns, m.name)
	}
	return nil
}

func newTestRegistry(t *testing.T, modules ...*fakeModule) *Registry {
	t.Helper()
	r := NewRegistry(slog.New(slog.DiscardHandler))
	for _, m := range modules {
		require.NoError(t, r.Register(m))
	}
	return r
}

func noDeps(string) *Deps          { return &Deps{} }
func noConfig(string) DecodeConfig { return func(any) (bool, error) { return false, nil } }

func TestRegistryDuplicateName(t *testing.T) {
	r := newTestRegistry(t, &fakeModule{name: "calendar"})
	err := r.Register(&fakeModule{name: "calendar"})
	assert.ErrorIs(t, err, ErrDuplicateModule)
}

func TestResolveDeterministicOrder(t *testing.T) {
	// Two independent roots and a diamond below them; ties break
	// lexicographically at every stratum.
	modules := []*fakeModule{
		{name: "zeta"},
		{name: "alpha"},
		{name: "mid-a", deps: []string{"zeta"}},
		{name: "mid-b", deps: []string{"alpha"}},
		{name: "leaf", deps: []string{"mid-a", "mid-b"}},
	}

	for i := 0; i < 3; i++ {
		r := newTestRegistry(t, modules...)
		require.NoError(t, r.Resolve())
		assert.Equal(t, []string{"alpha", "zeta", "mid-a", "mid-b", "leaf"}, r.Order())
	}
}

func TestResolveMissingDependency(t *testing.T) {
	r := newTestRegistry(t, &fakeModule{name: "a", deps: []string{"ghost"}})
	assert.ErrorIs(t, r.Resolve(), ErrMissingDependency)
}

func TestResolveCycleWitness(t *testing.T) {
	r := newTestRegistry(t,
		&fakeModule{name: "a", deps: []string{"b"}},
		&fakeModule{name: "b", deps: []string{"c"}},
		&fakeModule{name: "c", deps: []string{"a"}},
		&fakeModule{name: "standalone"},
	)

	err := r.Resolve()
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	// The witness is a closed path: first and last element coincide.
	require.GreaterOrEqual(t, len(cycle.Witness), 4)
	assert.Equal(t, cycle.Witness[0], cycle.Witness[len(cycle.Witness)-1])
	assert.NotContains(t, cycle.Witness, "standalone")
}

func TestStartupFailureIsolation(t *testing.T) {
	var startups []string
	modules := []*fakeModule{
		{name: "base", startups: &startups},
		{name: "broken", startupErr: errors.New("boom"), startups: &startups},
		{name: "dependent", deps: []string{"broken"}, startups: &startups},
		{name: "grandchild", deps: []string{"dependent"}, startups: &startups},
		{name: "unrelated", deps: []string{"base"}, startups: &startups},
	}
	r := newTestRegistry(t, modules...)
	require.NoError(t, r.Resolve())

	r.Startup(context.Background(), noDeps)

	assert.Equal(t, []string{"base", "unrelated"}, startups)

	states := map[string]string{}
	for _, s := range r.States() {
		states[s.Name] = s.State
	}
	assert.Equal(t, StateStarted, states["base"])
	assert.Equal(t, StateFailed, states["broken"])
	assert.Equal(t, StateCascadeFailed, states["dependent"])
	assert.Equal(t, StateCascadeFailed, states["grandchild"])
	assert.Equal(t, StateStarted, states["unrelated"])
}

func TestShutdownReverseOrder(t *testing.T) {
	var startups, shutdowns []string
	modules := []*fakeModule{
		{name: "a", startups: &startups, shutdowns: &shutdowns},
		{name: "b", deps: []string{"a"}, startups: &startups, shutdowns: &shutdowns},
		{name: "c", deps: []string{"b"}, startups: &startups, shutdowns: &shutdowns},
	}
	r := newTestRegistry(t, modules...)
	require.NoError(t, r.Resolve())

	r.Startup(context.Background(), noDeps)
	require.Equal(t, []string{"a", "b", "c"}, startups)

	r.Shutdown(context.Background())
	assert.Equal(t, []string{"c", "b", "a"}, shutdowns)
}

func TestValidateConfigsIsolates(t *testing.T) {
	var startups []string
	modules := []*fakeModule{
		{name: "good", startups: &startups},
		{name: "bad", configErr: errors.New("missing token"), startups: &startups},
		{name: "child", deps: []string{"bad"}, startups: &startups},
	}
	r := newTestRegistry(t, modules...)
	require.NoError(t, r.Resolve())

	r.ValidateConfigs(noConfig)
	r.Startup(context.Background(), noDeps)

	assert.Equal(t, []string{"good"}, startups)
}

func TestChannelEgressOwnership(t *testing.T) {
	r := newTestRegistry(t, &fakeModule{
		name: "telegram",
		tools: []Tool{
			{Name: "telegram_send_message"},
			{Name: "telegram_list_chats"},
		},
	})
	require.NoError(t, r.Resolve())

	// The messenger butler may own egress tools; anyone else may not.
	require.NoError(t, r.ValidateTools(true))

	err := r.ValidateTools(false)
	var egress *ChannelEgressError
	require.ErrorAs(t, err, &egress)
	assert.Equal(t, "telegram_send_message", egress.Tool)
}

func TestChannelEgressPattern(t *testing.T) {
	forbidden := []string{
		"telegram_send_message",
		"telegram_reply_to_message",
		"gmail_send_email",
		"slack_reply_to_thread",
	}
	for _, name := range forbidden {
		assert.True(t, channelEgressPattern.MatchString(name), name)
	}

	allowed := []string{
		"telegram_read_messages",
		"send_message",
		"notify",
		"email_draft",
	}
	for _, name := range allowed {
		assert.False(t, channelEgressPattern.MatchString(name), name)
	}
}

func TestSetEnabled(t *testing.T) {
	var startups []string
	r := newTestRegistry(t, &fakeModule{name: "optional", startups: &startups})
	require.NoError(t, r.Resolve())

	require.NoError(t, r.SetEnabled("optional", false))
	r.Startup(context.Background(), noDeps)
	assert.Empty(t, startups)

	assert.ErrorIs(t, r.SetEnabled("ghost", true), ErrUnknownModule)
}

func TestDeclaredCredentials(t *testing.T) {
	r := newTestRegistry(t,
		&fakeModule{name: "a", creds: []string{"TELEGRAM_TOKEN", "SHARED_KEY"}},
		&fakeModule{name: "b", creds: []string{"SHARED_KEY", "IMAP_PASSWORD"}},
	)
	require.NoError(t, r.Resolve())
	r.Startup(context.Background(), noDeps)

	assert.Equal(t, []string{"IMAP_PASSWORD", "SHARED_KEY", "TELEGRAM_TOKEN"}, r.DeclaredCredentials())
}
