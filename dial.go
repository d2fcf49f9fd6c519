/*
 * Copyright 2026 The chwire Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package chwire

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/proxy"
)

// tlsConfig builds the client TLS configuration, or nil when defaults apply.
func tlsConfig(cfg *Config) (*tls.Config, error) {
	if cfg.SSLRootCert == "" && cfg.SSLCert == "" && cfg.SSLMode == SSLModeStrict && cfg.SSLSocketSNI == "" {
		return nil, nil
	}

	tc := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.SSLSocketSNI,
	}
	if cfg.SSLMode == SSLModeNone {
		tc.InsecureSkipVerify = true
	}

	if cfg.SSLRootCert != "" {
		pem, err := os.ReadFile(cfg.SSLRootCert)
		if err != nil {
			return nil, &ClientMisconfigurationError{Message: "cannot read " + KeySSLRootCert, Err: err}
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, misconfigured("no certificates found in %s", cfg.SSLRootCert)
		}
		tc.RootCAs = roots
	}

	if cfg.SSLCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.SSLCert, cfg.SSLKey)
		if err != nil {
			return nil, &ClientMisconfigurationError{Message: "cannot load client certificate", Err: err}
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

// baseDialer returns the dialer for new connections: direct, or through a
// SOCKS5 proxy. HTTP proxies are handled by the transport.
func baseDialer(cfg *Config) (proxy.ContextDialer, error) {
	direct := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	if cfg.ProxyType != ProxySOCKS {
		return direct, nil
	}

	var auth *proxy.Auth
	if cfg.ProxyUser != "" {
		auth = &proxy.Auth{User: cfg.ProxyUser, Password: cfg.ProxyPassword}
	}
	addr := net.JoinHostPort(cfg.ProxyHost, fmt.Sprint(cfg.ProxyPort))
	d, err := proxy.SOCKS5("tcp", addr, auth, direct)
	if err != nil {
		return nil, &ClientMisconfigurationError{Message: "cannot create SOCKS proxy dialer", Err: err}
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, misconfigured("SOCKS dialer does not support contexts")
	}
	return cd, nil
}
