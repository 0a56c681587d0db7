// Copyright 2026 The Pgvpd Authors
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

package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pgvpd/pgvpd/internal/resolver"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(Config{
		Port:  9930,
		Clock: clockwork.NewFakeClock(),
	}, Deps{
		ResolverCache: resolver.NewCache(0),
		ResolverNames: []string{"tenant_lookup"},
	})
	require.NoError(t, err)
	return s
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.handleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestHandleStatusReportsConfiguredResolvers(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	s.handleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload statusPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, []string{"tenant_lookup"}, payload.ResolversConfigured)
	require.Equal(t, 0, payload.Resolvers["cache_size"])
}

func TestNewRejectsMissingPort(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
