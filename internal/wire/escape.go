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

package wire

import (
	"regexp"
	"strings"

	"github.com/gravitational/trace"
)

// literalPattern and identifierPattern are the trust boundary for every
// value the proxy ever substitutes into a SQL string it builds itself
// (injection SETs, resolver parameters). Anything outside these character
// classes is refused rather than escaped more cleverly: if a resolver's
// parameters could legitimately need such characters, the resolver
// configuration itself must be rejected at load time, not worked around at
// run time.
var (
	literalPattern    = regexp.MustCompile(`^[A-Za-z0-9_\-.]+$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// EscapeLiteral validates value against literalPattern and returns it as a
// single-quoted SQL string literal, doubling any internal single quotes
// (which literalPattern's character class never actually admits, but the
// doubling is kept for defense in depth against a future pattern change).
func EscapeLiteral(value string) (string, error) {
	if !literalPattern.MatchString(value) {
		return "", trace.BadParameter("value %q contains characters outside the allowed literal set", value)
	}
	return "'" + strings.ReplaceAll(value, "'", "''") + "'", nil
}

// EscapeIdentifier validates name against identifierPattern and returns it
// as a double-quoted SQL identifier.
func EscapeIdentifier(name string) (string, error) {
	if !identifierPattern.MatchString(name) {
		return "", trace.BadParameter("identifier %q contains characters outside the allowed identifier set", name)
	}
	return `"` + name + `"`, nil
}

// ValidLiteral reports whether value matches literalPattern, without
// producing the quoted form.
func ValidLiteral(value string) bool { return literalPattern.MatchString(value) }

// ValidIdentifier reports whether name matches identifierPattern, without
// producing the quoted form.
func ValidIdentifier(name string) bool { return identifierPattern.MatchString(name) }
