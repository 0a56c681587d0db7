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

package netio

import (
	"crypto/tls"

	"github.com/gravitational/trace"
)

// ServerTLSConfig builds the *tls.Config used to terminate TLS on the
// client-facing listener from a certificate/key pair and the configured
// minimum version floor.
func ServerTLSConfig(certFile, keyFile string, minVersion uint16) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, trace.Wrap(err, "failed to load TLS certificate/key")
	}
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}, nil
}

// UpstreamTLSConfig builds the *tls.Config used when pgvpd itself
// negotiates TLS to the upstream server.
func UpstreamTLSConfig(verify bool, caFile string) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: !verify}
	if caFile == "" {
		return cfg, nil
	}
	pool, err := loadCAFile(caFile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
