package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mtingers/fbmd/internal/fbm"
)

type Config struct {
	Host                string
	Port                int
	Path                string
	RecvBufferSize      int
	MaxHeaderBuffer     int
	ResponseBufferSize  int
	HeaderEncoding      string
	MaxMessageSize      int
	SendTimeout         time.Duration
	ContextPoolSize     int
	SerializerPoolSize  int
	MaxConnections      int
	MaxObjects          int
	MaxObjectSize       int
	ShutdownTimeout     time.Duration
	PingInterval        time.Duration
	TLSCert             string
	TLSKey              string
	AuthToken           string
	PooledMemory        bool
	AbortOnInvalid      bool
	AllowPartialHeaders bool
	Debug               bool
	Version             bool
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// envOrInt returns the environment variable value parsed as int, or the flag
// default if the env var is unset or unparseable.
func envOrInt(envKey string, flagVal int) int {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return flagVal
	}
	return n
}

// envOrBool returns the environment variable value parsed as bool, or the flag
// default if the env var is unset. Recognizes 1/yes/true as true and
// 0/no/false as false; unrecognized values fall back to the flag default.
func envOrBool(envKey string, flagVal bool) bool {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	switch strings.ToLower(v) {
	case "1", "yes", "true":
		return true
	case "0", "no", "false":
		return false
	default:
		return flagVal
	}
}

// envOrString returns the environment variable value, or the flag default if
// the env var is unset.
func envOrString(envKey string, flagVal string) string {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	return v
}

// envOrDuration returns envKey (or the flag value when unset) as a count of
// unit.
func envOrDuration(envKey string, flagVal int, unit time.Duration) time.Duration {
	return time.Duration(envOrInt(envKey, flagVal)) * unit
}

// loadAuthToken resolves the auth token from (in priority order):
//  1. --auth-token flag, when given explicitly
//  2. FBMD_AUTH_TOKEN env var
//  3. contents of --auth-token-file or FBMD_AUTH_TOKEN_FILE (trailing
//     whitespace stripped)
func loadAuthToken(flagToken, flagTokenFile string, explicit bool) (string, error) {
	if explicit && flagToken != "" {
		return flagToken, nil
	}
	if v := os.Getenv("FBMD_AUTH_TOKEN"); v != "" {
		return v, nil
	}
	if flagToken != "" {
		return flagToken, nil
	}
	path := flagTokenFile
	if path == "" {
		path = os.Getenv("FBMD_AUTH_TOKEN_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading auth token file %q: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", nil
}

// Load parses args (without the program name) on a private FlagSet.
// Explicit flags win over FBMD_* environment variables, which win over the
// flag defaults.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("fbmd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	host := fs.String("host", "127.0.0.1", "Bind address")
	port := fs.Int("port", 6390, "Bind port")
	path := fs.String("path", "/fbm", "HTTP path of the FBM websocket endpoint")
	recvBuf := fs.Int("recv-buffer-size", 4096, "Transport receive buffer size (bytes)")
	maxHeader := fs.Int("max-header-buffer", 4096, "Maximum decoded header bytes per message")
	respBuf := fs.Int("response-buffer-size", 16*1024, "Response buffer size, also the largest outbound frame (bytes)")
	headerEnc := fs.String("header-encoding", "utf-8", "IANA charset of header values")
	maxMsg := fs.Int("max-message-size", 1<<20, "Maximum inbound message size (bytes)")
	sendTimeout := fs.Int("send-timeout", 10000, "Send lock and frame write timeout (milliseconds)")
	ctxPool := fs.Int("context-pool-size", 64, "Idle request contexts kept per connection")
	serPool := fs.Int("serializer-pool-size", 256, "Idle serializer entries kept for reuse")
	maxConns := fs.Int("max-connections", 0, "Maximum concurrent connections (0 = unlimited)")
	maxObjects := fs.Int("max-objects", 100000, "Maximum stored objects (0 = unlimited)")
	maxObjectSize := fs.Int("max-object-size", 0, "Maximum object size in bytes (0 = limited by max-message-size)")
	shutdownTimeout := fs.Int("shutdown-timeout", 30, "Graceful shutdown drain timeout (seconds, 0 = wait forever)")
	pingInterval := fs.Int("ping-interval", 30, "Websocket keep-alive ping interval (seconds, 0 = disabled)")
	tlsCert := fs.String("tls-cert", "", "Path to TLS certificate PEM file")
	tlsKey := fs.String("tls-key", "", "Path to TLS private key PEM file")
	authToken := fs.String("auth-token", "", "Shared secret token for client authentication (visible in process list; prefer --auth-token-file)")
	authTokenFile := fs.String("auth-token-file", "", "Path to file containing the auth token (one line, trailing whitespace stripped)")
	pooled := fs.Bool("pooled-memory", true, "Recycle message buffers through size-class pools")
	abortInvalid := fs.Bool("abort-on-invalid", false, "Close connections that send malformed messages")
	partialHeaders := fs.Bool("allow-partial-headers", false, "Run actions for messages whose headers overflowed or could not be decoded")
	debug := fs.Bool("debug", false, "Enable debug logging")
	version := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	str := func(name, env, val string) string {
		if set[name] {
			return val
		}
		return envOrString(env, val)
	}
	num := func(name, env string, val int) int {
		if set[name] {
			return val
		}
		return envOrInt(env, val)
	}
	boolean := func(name, env string, val bool) bool {
		if set[name] {
			return val
		}
		return envOrBool(env, val)
	}
	dur := func(name, env string, val int, unit time.Duration) time.Duration {
		if set[name] {
			return time.Duration(val) * unit
		}
		return envOrDuration(env, val, unit)
	}

	authTok, err := loadAuthToken(*authToken, *authTokenFile, set["auth-token"])
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:                str("host", "FBMD_HOST", *host),
		Port:                num("port", "FBMD_PORT", *port),
		Path:                str("path", "FBMD_PATH", *path),
		RecvBufferSize:      num("recv-buffer-size", "FBMD_RECV_BUFFER_SIZE", *recvBuf),
		MaxHeaderBuffer:     num("max-header-buffer", "FBMD_MAX_HEADER_BUFFER", *maxHeader),
		ResponseBufferSize:  num("response-buffer-size", "FBMD_RESPONSE_BUFFER_SIZE", *respBuf),
		HeaderEncoding:      str("header-encoding", "FBMD_HEADER_ENCODING", *headerEnc),
		MaxMessageSize:      num("max-message-size", "FBMD_MAX_MESSAGE_SIZE", *maxMsg),
		SendTimeout:         dur("send-timeout", "FBMD_SEND_TIMEOUT_MS", *sendTimeout, time.Millisecond),
		ContextPoolSize:     num("context-pool-size", "FBMD_CONTEXT_POOL_SIZE", *ctxPool),
		SerializerPoolSize:  num("serializer-pool-size", "FBMD_SERIALIZER_POOL_SIZE", *serPool),
		MaxConnections:      num("max-connections", "FBMD_MAX_CONNECTIONS", *maxConns),
		MaxObjects:          num("max-objects", "FBMD_MAX_OBJECTS", *maxObjects),
		MaxObjectSize:       num("max-object-size", "FBMD_MAX_OBJECT_SIZE", *maxObjectSize),
		ShutdownTimeout:     dur("shutdown-timeout", "FBMD_SHUTDOWN_TIMEOUT_S", *shutdownTimeout, time.Second),
		PingInterval:        dur("ping-interval", "FBMD_PING_INTERVAL_S", *pingInterval, time.Second),
		TLSCert:             str("tls-cert", "FBMD_TLS_CERT", *tlsCert),
		TLSKey:              str("tls-key", "FBMD_TLS_KEY", *tlsKey),
		AuthToken:           authTok,
		PooledMemory:        boolean("pooled-memory", "FBMD_POOLED_MEMORY", *pooled),
		AbortOnInvalid:      boolean("abort-on-invalid", "FBMD_ABORT_ON_INVALID", *abortInvalid),
		AllowPartialHeaders: boolean("allow-partial-headers", "FBMD_ALLOW_PARTIAL_HEADERS", *partialHeaders),
		Debug:               boolean("debug", "FBMD_DEBUG", *debug),
		Version:             *version,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("--port must be 0-65535 (got %d)", c.Port)
	}
	if !strings.HasPrefix(c.Path, "/") || c.Path == "/metrics" {
		return fmt.Errorf("--path must start with / and not be /metrics (got %q)", c.Path)
	}
	if c.RecvBufferSize <= 0 {
		return fmt.Errorf("--recv-buffer-size must be > 0 (got %d)", c.RecvBufferSize)
	}
	if c.MaxHeaderBuffer <= 0 {
		return fmt.Errorf("--max-header-buffer must be > 0 (got %d)", c.MaxHeaderBuffer)
	}
	if c.ResponseBufferSize < fbm.MinBufferSize {
		return fmt.Errorf("--response-buffer-size must be >= %d (got %d)", fbm.MinBufferSize, c.ResponseBufferSize)
	}
	if _, err := fbm.ResolveEncoding(c.HeaderEncoding); err != nil {
		return fmt.Errorf("--header-encoding: %w", err)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("--max-message-size must be > 0 (got %d)", c.MaxMessageSize)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("--send-timeout must be > 0")
	}
	if c.ContextPoolSize <= 0 {
		return fmt.Errorf("--context-pool-size must be > 0 (got %d)", c.ContextPoolSize)
	}
	if c.SerializerPoolSize < 0 {
		return fmt.Errorf("--serializer-pool-size must be >= 0 (got %d)", c.SerializerPoolSize)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("--max-connections must be >= 0 (got %d)", c.MaxConnections)
	}
	if c.MaxObjects < 0 {
		return fmt.Errorf("--max-objects must be >= 0 (got %d)", c.MaxObjects)
	}
	if c.MaxObjectSize < 0 {
		return fmt.Errorf("--max-object-size must be >= 0 (got %d)", c.MaxObjectSize)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("--shutdown-timeout must be >= 0 (got %s)", c.ShutdownTimeout)
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("--ping-interval must be >= 0 (got %s)", c.PingInterval)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("both --tls-cert and --tls-key must be provided together")
	}
	return nil
}
