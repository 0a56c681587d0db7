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

package resolver

// SecurityContext is the ordered session-variable -> value mapping built
// from the parsed identity and, subsequently, resolver output. It is
// immutable for the lifetime of a connection once injection succeeds.
type SecurityContext struct {
	order []string
	vals  map[string]string
}

// NewSecurityContext returns an empty context.
func NewSecurityContext() *SecurityContext {
	return &SecurityContext{vals: make(map[string]string)}
}

// Set inserts or updates a session-variable value, appending to the order
// only on first insertion.
func (c *SecurityContext) Set(key, value string) {
	if _, ok := c.vals[key]; !ok {
		c.order = append(c.order, key)
	}
	c.vals[key] = value
}

// Get returns the value of key and whether it is set.
func (c *SecurityContext) Get(key string) (string, bool) {
	v, ok := c.vals[key]
	return v, ok
}

// Keys returns the session-variable names in declaration order.
func (c *SecurityContext) Keys() []string {
	return c.order
}

// Len returns the number of variables currently set.
func (c *SecurityContext) Len() int { return len(c.vals) }
