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

package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testIdentityConfig() IdentityConfig {
	return IdentityConfig{
		TenantSeparator:  '.',
		ValueSeparator:   ':',
		ContextVariables: []string{"app.current_tenant_id", "app.current_user_id"},
		SuperuserBypass:  map[string]bool{"postgres": true},
	}
}

func TestParseIdentityBypass(t *testing.T) {
	id, err := ParseIdentity("postgres", testIdentityConfig())
	require.NoError(t, err)
	require.True(t, id.Bypass)
	require.Equal(t, "postgres", id.Role)
	require.Empty(t, id.Values)
}

func TestParseIdentityTenant(t *testing.T) {
	id, err := ParseIdentity("app_user.acme-corp:u-42", testIdentityConfig())
	require.NoError(t, err)
	require.False(t, id.Bypass)
	require.Equal(t, "app_user", id.Role)
	require.Equal(t, []string{"acme-corp", "u-42"}, id.Values)
}

func TestParseIdentityRejectsMissingSeparator(t *testing.T) {
	_, err := ParseIdentity("app_user", testIdentityConfig())
	require.Error(t, err)
}

func TestParseIdentityRejectsWrongValueCount(t *testing.T) {
	_, err := ParseIdentity("app_user.acme-corp", testIdentityConfig())
	require.Error(t, err)
}

func TestParseIdentityRejectsEmptyValue(t *testing.T) {
	_, err := ParseIdentity("app_user.acme-corp:", testIdentityConfig())
	require.Error(t, err)
}

func TestParseIdentityRejectsEmptyRole(t *testing.T) {
	_, err := ParseIdentity(".acme-corp:u-42", testIdentityConfig())
	require.Error(t, err)
}

func TestParseIdentityRejectsEmptyUser(t *testing.T) {
	_, err := ParseIdentity("", testIdentityConfig())
	require.Error(t, err)
}
