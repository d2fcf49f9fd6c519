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
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chwire/chwire-go/compress"
)

// Configuration keys accepted by ParseConfig.
const (
	KeyEndpoint                 = "endpoint"
	KeyUser                     = "user"
	KeyPassword                 = "password"
	KeyDatabase                 = "database"
	KeyAccessToken              = "access_token"
	KeyUseBasicAuth             = "http_use_basic_auth"
	KeySSLAuthentication        = "ssl_authentication"
	KeyConnectTimeout           = "connection_timeout"
	KeyConnectionRequestTimeout = "connection_request_timeout"
	KeySocketTimeout            = "socket_timeout"
	KeyRequestTimeout           = "request_timeout"
	KeyPoolEnabled              = "connection_pool_enabled"
	KeyMaxOpenConnections       = "max_open_connections"
	KeyKeepAliveTimeout         = "http_keep_alive_timeout"
	KeyConnectionTTL            = "connection_ttl"
	KeyVentInterval             = "connection_vent_interval"
	KeySSLRootCert              = "sslrootcert"
	KeySSLCert                  = "sslcert"
	KeySSLKey                   = "ssl_key"
	KeySSLMode                  = "ssl_mode"
	KeySSLSocketSNI             = "ssl_socket_sni"
	KeyProxyType                = "proxy_type"
	KeyProxyHost                = "proxy_host"
	KeyProxyPort                = "proxy_port"
	KeyProxyUser                = "proxy_user"
	KeyProxyPassword            = "proxy_password"
	KeyRetryOnFailures          = "client_retry_on_failures"
	KeyRetry                    = "retry"
	KeyCompressServerResponse   = "compress"
	KeyCompressClientRequest    = "decompress"
	KeyUseHTTPCompression       = "client.use_http_compression"
	KeyHTTPCompressionEncoding  = "client.http_compression_encoding"
	KeyDisableNativeCompression = "disable_native_compression"
	KeyLZ4BufferSize            = "compression.lz4.uncompressed_buffer_size"
	KeyAppCompressedData        = "app_compressed_data"
	KeyCookiesEnabled           = "client.http.cookies_enabled"
	KeyClientName               = "client_name"
	KeyRoles                    = "session_db_roles"
	KeyFormat                   = "format"
	KeyMaxExecutionTime         = "max_execution_time"
	KeyMetricsName              = "metrics_name"
	KeyNoThrowOnUnknown         = "no_throw_on_unknown_config"

	// SettingPrefix marks keys passed to the server as settings.
	SettingPrefix = "clickhouse_setting_"
)

// SSL modes.
const (
	SSLModeStrict = "strict"
	SSLModeNone   = "none"
)

// Proxy types.
const (
	ProxyHTTP  = "http"
	ProxySOCKS = "socks"
)

// Config defines the configuration of a Client.
type Config struct {
	// Endpoint is the URL of the server, e.g. http://localhost:8123.
	Endpoint string

	User     string
	Password string
	Database string
	// AccessToken is sent as a bearer token.
	AccessToken string
	// UseBasicAuth sends user and password as basic auth rather than
	// X-ClickHouse-User and X-ClickHouse-Key headers.
	UseBasicAuth bool
	// SSLAuthentication authenticates with the client certificate only.
	SSLAuthentication bool

	// ConnectTimeout bounds establishing a TCP connection. Zero means no limit.
	ConnectTimeout time.Duration
	// ConnectionRequestTimeout bounds waiting for a pooled connection.
	ConnectionRequestTimeout time.Duration
	// SocketTimeout bounds the wait for response headers and for each read
	// of the response body. Zero means no limit.
	SocketTimeout time.Duration
	// RequestTimeout bounds a whole request attempt. Zero means no limit.
	RequestTimeout time.Duration

	PoolEnabled        bool
	MaxOpenConnections int
	// KeepAliveTimeout closes connections idle for longer. Zero means no limit.
	KeepAliveTimeout time.Duration
	// ConnectionTTL closes connections older than this. Zero means no limit.
	ConnectionTTL time.Duration
	// VentInterval is how often idle connections are swept.
	VentInterval time.Duration

	SSLRootCert  string
	SSLCert      string
	SSLKey       string
	SSLMode      string
	SSLSocketSNI string

	ProxyType     string
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string

	// RetryCauses are the fault causes a request is retried on.
	RetryCauses FaultCauses
	// Retry is the number of retries after the first attempt.
	Retry int

	// ServerCompression asks the server to compress responses.
	ServerCompression bool
	// ClientCompression compresses request bodies.
	ClientCompression bool
	// UseHTTPCompression selects standard HTTP content encoding instead of
	// the native framed compression.
	UseHTTPCompression bool
	// HTTPCompressionEncoding is the content encoding token in HTTP mode.
	HTTPCompressionEncoding string
	// DisableNativeCompression turns native compression off entirely.
	DisableNativeCompression bool
	// LZ4BufferSize is the block size of the native compressed stream.
	LZ4BufferSize int
	// AppCompressedData marks request bodies as already framed by the caller.
	AppCompressedData bool

	CookiesEnabled bool
	// ClientName is prepended to the User-Agent.
	ClientName string
	Roles      []string
	// Format is the default format of query results.
	Format string
	// MaxExecutionTime is sent as the max_execution_time setting when positive.
	MaxExecutionTime time.Duration
	// MetricsName names the pool in metrics.
	MetricsName string

	// Settings are passed to the server with every request.
	Settings map[string]string
}

// NewConfig creates a Config for endpoint with defaults applied.
func NewConfig(endpoint string) *Config {
	return &Config{
		Endpoint:                 endpoint,
		User:                     "default",
		Database:                 "default",
		UseBasicAuth:             true,
		ConnectionRequestTimeout: 10 * time.Second,
		PoolEnabled:              true,
		MaxOpenConnections:       10,
		VentInterval:             10 * time.Second,
		SSLMode:                  SSLModeStrict,
		RetryCauses:              DefaultRetryCauses,
		Retry:                    3,
		ServerCompression:        true,
		HTTPCompressionEncoding:  compress.EncodingLZ4,
		LZ4BufferSize:            compress.DefaultBlockSize,
		MetricsName:              "ch-http-pool",
		Settings:                 map[string]string{},
	}
}

func defaults(v *viper.Viper) {
	c := NewConfig("")
	v.SetDefault(KeyUser, c.User)
	v.SetDefault(KeyDatabase, c.Database)
	v.SetDefault(KeyUseBasicAuth, c.UseBasicAuth)
	v.SetDefault(KeyConnectionRequestTimeout, "10000")
	v.SetDefault(KeySocketTimeout, "0")
	v.SetDefault(KeyConnectTimeout, "0")
	v.SetDefault(KeyRequestTimeout, "0")
	v.SetDefault(KeyKeepAliveTimeout, "0")
	v.SetDefault(KeyConnectionTTL, "-1")
	v.SetDefault(KeyVentInterval, "10s")
	v.SetDefault(KeyMaxExecutionTime, "0")
	v.SetDefault(KeyPoolEnabled, c.PoolEnabled)
	v.SetDefault(KeyMaxOpenConnections, c.MaxOpenConnections)
	v.SetDefault(KeySSLMode, c.SSLMode)
	v.SetDefault(KeyRetryOnFailures, c.RetryCauses.String())
	v.SetDefault(KeyRetry, c.Retry)
	v.SetDefault(KeyCompressServerResponse, c.ServerCompression)
	v.SetDefault(KeyCompressClientRequest, c.ClientCompression)
	v.SetDefault(KeyHTTPCompressionEncoding, c.HTTPCompressionEncoding)
	v.SetDefault(KeyLZ4BufferSize, c.LZ4BufferSize)
	v.SetDefault(KeyMetricsName, c.MetricsName)
}

var knownKeys = map[string]struct{}{}

func init() {
	for _, k := range []string{
		KeyEndpoint, KeyUser, KeyPassword, KeyDatabase, KeyAccessToken, KeyUseBasicAuth,
		KeySSLAuthentication, KeyConnectTimeout, KeyConnectionRequestTimeout, KeySocketTimeout,
		KeyRequestTimeout, KeyPoolEnabled, KeyMaxOpenConnections, KeyKeepAliveTimeout,
		KeyConnectionTTL, KeyVentInterval, KeySSLRootCert, KeySSLCert, KeySSLKey, KeySSLMode,
		KeySSLSocketSNI, KeyProxyType, KeyProxyHost, KeyProxyPort, KeyProxyUser, KeyProxyPassword,
		KeyRetryOnFailures, KeyRetry, KeyCompressServerResponse, KeyCompressClientRequest,
		KeyUseHTTPCompression, KeyHTTPCompressionEncoding, KeyDisableNativeCompression,
		KeyLZ4BufferSize, KeyAppCompressedData, KeyCookiesEnabled, KeyClientName, KeyRoles,
		KeyFormat, KeyMaxExecutionTime, KeyMetricsName, KeyNoThrowOnUnknown,
	} {
		knownKeys[k] = struct{}{}
	}
}

func newViper() *viper.Viper {
	// keys such as client.use_http_compression are flat names, not paths
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	defaults(v)
	return v
}

// ParseConfig builds a Config from flat string properties.
//
// Durations accept integer milliseconds or Go duration strings; a negative
// duration disables the limit. Keys with the clickhouse_setting_ prefix are
// passed to the server as settings. Unknown keys fail unless
// no_throw_on_unknown_config is set.
func ParseConfig(props map[string]string) (*Config, error) {
	v := newViper()
	for k, val := range props {
		v.Set(strings.ToLower(k), val)
	}
	return fromViper(v)
}

// LoadConfigFile reads a YAML, TOML or JSON file of flat properties.
func LoadConfigFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, &ClientMisconfigurationError{Message: "cannot read config file " + path, Err: err}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	c := NewConfig(v.GetString(KeyEndpoint))

	if !v.GetBool(KeyNoThrowOnUnknown) {
		var unknown []string
		for _, k := range v.AllKeys() {
			if _, ok := knownKeys[k]; !ok && !strings.HasPrefix(k, SettingPrefix) {
				unknown = append(unknown, k)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return nil, misconfigured("unknown configuration keys: %s", strings.Join(unknown, ", "))
		}
	}

	c.User = v.GetString(KeyUser)
	c.Password = v.GetString(KeyPassword)
	c.Database = v.GetString(KeyDatabase)
	c.AccessToken = v.GetString(KeyAccessToken)
	c.UseBasicAuth = v.GetBool(KeyUseBasicAuth)
	c.SSLAuthentication = v.GetBool(KeySSLAuthentication)
	c.PoolEnabled = v.GetBool(KeyPoolEnabled)
	c.MaxOpenConnections = v.GetInt(KeyMaxOpenConnections)
	c.SSLRootCert = v.GetString(KeySSLRootCert)
	c.SSLCert = v.GetString(KeySSLCert)
	c.SSLKey = v.GetString(KeySSLKey)
	c.SSLMode = strings.ToLower(v.GetString(KeySSLMode))
	c.SSLSocketSNI = v.GetString(KeySSLSocketSNI)
	c.ProxyType = strings.ToLower(v.GetString(KeyProxyType))
	c.ProxyHost = v.GetString(KeyProxyHost)
	c.ProxyPort = v.GetInt(KeyProxyPort)
	c.ProxyUser = v.GetString(KeyProxyUser)
	c.ProxyPassword = v.GetString(KeyProxyPassword)
	c.Retry = v.GetInt(KeyRetry)
	c.ServerCompression = v.GetBool(KeyCompressServerResponse)
	c.ClientCompression = v.GetBool(KeyCompressClientRequest)
	c.UseHTTPCompression = v.GetBool(KeyUseHTTPCompression)
	c.HTTPCompressionEncoding = strings.ToLower(v.GetString(KeyHTTPCompressionEncoding))
	c.DisableNativeCompression = v.GetBool(KeyDisableNativeCompression)
	c.LZ4BufferSize = v.GetInt(KeyLZ4BufferSize)
	c.AppCompressedData = v.GetBool(KeyAppCompressedData)
	c.CookiesEnabled = v.GetBool(KeyCookiesEnabled)
	c.ClientName = v.GetString(KeyClientName)
	c.Format = v.GetString(KeyFormat)
	c.MetricsName = v.GetString(KeyMetricsName)
	for _, r := range strings.Split(v.GetString(KeyRoles), ",") {
		if r = strings.TrimSpace(r); r != "" {
			c.Roles = append(c.Roles, r)
		}
	}

	causes, err := ParseFaultCauses(v.GetString(KeyRetryOnFailures))
	if err != nil {
		return nil, &ClientMisconfigurationError{Message: "invalid " + KeyRetryOnFailures, Err: err}
	}
	c.RetryCauses = causes

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{KeyConnectTimeout, &c.ConnectTimeout},
		{KeyConnectionRequestTimeout, &c.ConnectionRequestTimeout},
		{KeySocketTimeout, &c.SocketTimeout},
		{KeyRequestTimeout, &c.RequestTimeout},
		{KeyKeepAliveTimeout, &c.KeepAliveTimeout},
		{KeyConnectionTTL, &c.ConnectionTTL},
		{KeyVentInterval, &c.VentInterval},
		{KeyMaxExecutionTime, &c.MaxExecutionTime},
	} {
		if *d.dst, err = parseDuration(v.GetString(d.key)); err != nil {
			return nil, &ClientMisconfigurationError{Message: "invalid " + d.key, Err: err}
		}
	}

	for _, k := range v.AllKeys() {
		if name, ok := strings.CutPrefix(k, SettingPrefix); ok && name != "" {
			c.Settings[name] = v.GetString(k)
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// parseDuration accepts integer milliseconds or a Go duration string.
// Negative values map to zero.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(ms) * time.Millisecond
	} else {
		if d, err = time.ParseDuration(s); err != nil {
			return 0, err
		}
	}
	return max(d, 0), nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return misconfigured("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return &ClientMisconfigurationError{Message: "invalid endpoint", Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return misconfigured("endpoint scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return misconfigured("endpoint %q has no host", c.Endpoint)
	}

	auth := 0
	for _, set := range []bool{c.Password != "", c.AccessToken != "", c.SSLAuthentication} {
		if set {
			auth++
		}
	}
	if auth > 1 {
		return misconfigured("only one of password, access token or SSL authentication can be used")
	}
	if c.SSLAuthentication && (c.SSLCert == "" || c.SSLKey == "") {
		return misconfigured("SSL authentication requires %s and %s", KeySSLCert, KeySSLKey)
	}
	if (c.SSLCert == "") != (c.SSLKey == "") {
		return misconfigured("%s and %s must be set together", KeySSLCert, KeySSLKey)
	}

	switch c.SSLMode {
	case SSLModeStrict, SSLModeNone:
	default:
		return misconfigured("unsupported %s %q", KeySSLMode, c.SSLMode)
	}

	switch c.ProxyType {
	case "":
	case ProxyHTTP, ProxySOCKS:
		if c.ProxyHost == "" || c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return misconfigured("proxy requires %s and a valid %s", KeyProxyHost, KeyProxyPort)
		}
	default:
		return misconfigured("unsupported %s %q", KeyProxyType, c.ProxyType)
	}

	if c.UseHTTPCompression && !compress.ValidEncoding(c.HTTPCompressionEncoding) {
		return misconfigured("unsupported %s %q", KeyHTTPCompressionEncoding, c.HTTPCompressionEncoding)
	}
	if c.MaxOpenConnections <= 0 {
		return misconfigured("%s must be positive", KeyMaxOpenConnections)
	}
	if c.Retry < 0 {
		return misconfigured("%s must not be negative", KeyRetry)
	}
	if c.LZ4BufferSize <= 0 || c.LZ4BufferSize > compress.MaxBlockSize {
		return misconfigured("%s out of range", KeyLZ4BufferSize)
	}
	return nil
}

// proxyURL renders the configured proxy, credentials included.
func (c *Config) proxyURL() *url.URL {
	if c.ProxyType == "" {
		return nil
	}
	scheme := "http"
	if c.ProxyType == ProxySOCKS {
		scheme = "socks5"
	}
	u := &url.URL{Scheme: scheme, Host: c.ProxyHost + ":" + strconv.Itoa(c.ProxyPort)}
	if c.ProxyUser != "" {
		u.User = url.UserPassword(c.ProxyUser, c.ProxyPassword)
	}
	return u
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{endpoint=%s user=%s database=%s}", c.Endpoint, c.User, c.Database)
}
