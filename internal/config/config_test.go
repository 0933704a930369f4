package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load([]string{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 6390 {
		t.Fatalf("expected port 6390, got %d", cfg.Port)
	}
	if cfg.Path != "/fbm" {
		t.Fatalf("expected path /fbm, got %q", cfg.Path)
	}
	if cfg.SendTimeout != 10*time.Second {
		t.Fatalf("expected send-timeout 10s, got %v", cfg.SendTimeout)
	}
	if !cfg.PooledMemory {
		t.Fatal("pooled-memory should default to true")
	}
	if cfg.AllowPartialHeaders {
		t.Fatal("allow-partial-headers should default to false")
	}
	if cfg.Addr() != "127.0.0.1:6390" {
		t.Fatalf("addr: got %q", cfg.Addr())
	}
}

func TestLoad_BadFlags_ReturnsError(t *testing.T) {
	// Custom FlagSet should return an error, not os.Exit.
	_, err := Load([]string{"--nonexistent-flag"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string // substring expected in error
	}{
		{"port negative", []string{"--port", "-1"}, "port"},
		{"port too high", []string{"--port", "99999"}, "port"},
		{"path relative", []string{"--path", "fbm"}, "path"},
		{"path metrics", []string{"--path", "/metrics"}, "path"},
		{"recv-buffer-size=0", []string{"--recv-buffer-size", "0"}, "recv-buffer-size"},
		{"max-header-buffer=0", []string{"--max-header-buffer", "0"}, "max-header-buffer"},
		{"response-buffer-size small", []string{"--response-buffer-size", "10"}, "response-buffer-size"},
		{"header-encoding unknown", []string{"--header-encoding", "klingon-8"}, "header-encoding"},
		{"header-encoding utf-16", []string{"--header-encoding", "UTF-16LE"}, "header-encoding"},
		{"max-message-size=0", []string{"--max-message-size", "0"}, "max-message-size"},
		{"send-timeout=0", []string{"--send-timeout", "0"}, "send-timeout"},
		{"context-pool-size=0", []string{"--context-pool-size", "0"}, "context-pool-size"},
		{"serializer-pool-size negative", []string{"--serializer-pool-size", "-1"}, "serializer-pool-size"},
		{"max-connections negative", []string{"--max-connections", "-1"}, "max-connections"},
		{"max-objects negative", []string{"--max-objects", "-1"}, "max-objects"},
		{"max-object-size negative", []string{"--max-object-size", "-1"}, "max-object-size"},
		{"shutdown-timeout negative", []string{"--shutdown-timeout", "-1"}, "shutdown-timeout"},
		{"ping-interval negative", []string{"--ping-interval", "-1"}, "ping-interval"},
		{"tls-cert without key", []string{"--tls-cert", "cert.pem"}, "tls-key"},
		{"tls-key without cert", []string{"--tls-key", "key.pem"}, "tls-cert"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(tc.args)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q should contain %q", err.Error(), tc.want)
			}
		})
	}
}

func TestLoad_ValidEdgeCases(t *testing.T) {
	for _, args := range [][]string{
		{"--shutdown-timeout", "0"},
		{"--max-connections", "0"},
		{"--max-objects", "0"},
		{"--serializer-pool-size", "0"},
		{"--ping-interval", "0"},
		{"--header-encoding", "ISO-8859-1"},
		{"--port", "0"},
		{"--port", "65535"},
	} {
		if _, err := Load(args); err != nil {
			t.Fatalf("%v should be valid: %v", args, err)
		}
	}
}

func TestLoad_AllFlagsParsed(t *testing.T) {
	args := []string{
		"--host", "0.0.0.0",
		"--port", "9999",
		"--path", "/ws",
		"--recv-buffer-size", "1024",
		"--max-header-buffer", "512",
		"--response-buffer-size", "2048",
		"--header-encoding", "utf-8",
		"--max-message-size", "65536",
		"--send-timeout", "250",
		"--context-pool-size", "8",
		"--serializer-pool-size", "32",
		"--max-connections", "50",
		"--max-objects", "10",
		"--max-object-size", "4096",
		"--shutdown-timeout", "60",
		"--ping-interval", "15",
		"--tls-cert", "/etc/fbmd/cert.pem",
		"--tls-key", "/etc/fbmd/key.pem",
		"--pooled-memory=false",
		"--abort-on-invalid",
		"--allow-partial-headers",
		"--debug",
	}
	cfg, err := Load(args)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Host != "0.0.0.0" {
		t.Errorf("host: got %q, want %q", cfg.Host, "0.0.0.0")
	}
	if cfg.Port != 9999 {
		t.Errorf("port: got %d, want 9999", cfg.Port)
	}
	if cfg.Path != "/ws" {
		t.Errorf("path: got %q, want /ws", cfg.Path)
	}
	if cfg.RecvBufferSize != 1024 {
		t.Errorf("recv-buffer-size: got %d, want 1024", cfg.RecvBufferSize)
	}
	if cfg.MaxHeaderBuffer != 512 {
		t.Errorf("max-header-buffer: got %d, want 512", cfg.MaxHeaderBuffer)
	}
	if cfg.ResponseBufferSize != 2048 {
		t.Errorf("response-buffer-size: got %d, want 2048", cfg.ResponseBufferSize)
	}
	if cfg.MaxMessageSize != 65536 {
		t.Errorf("max-message-size: got %d, want 65536", cfg.MaxMessageSize)
	}
	if cfg.SendTimeout != 250*time.Millisecond {
		t.Errorf("send-timeout: got %v, want 250ms", cfg.SendTimeout)
	}
	if cfg.ContextPoolSize != 8 {
		t.Errorf("context-pool-size: got %d, want 8", cfg.ContextPoolSize)
	}
	if cfg.SerializerPoolSize != 32 {
		t.Errorf("serializer-pool-size: got %d, want 32", cfg.SerializerPoolSize)
	}
	if cfg.MaxConnections != 50 {
		t.Errorf("max-connections: got %d, want 50", cfg.MaxConnections)
	}
	if cfg.MaxObjects != 10 {
		t.Errorf("max-objects: got %d, want 10", cfg.MaxObjects)
	}
	if cfg.MaxObjectSize != 4096 {
		t.Errorf("max-object-size: got %d, want 4096", cfg.MaxObjectSize)
	}
	if cfg.ShutdownTimeout != 60*time.Second {
		t.Errorf("shutdown-timeout: got %v, want 60s", cfg.ShutdownTimeout)
	}
	if cfg.PingInterval != 15*time.Second {
		t.Errorf("ping-interval: got %v, want 15s", cfg.PingInterval)
	}
	if cfg.TLSCert != "/etc/fbmd/cert.pem" || cfg.TLSKey != "/etc/fbmd/key.pem" {
		t.Errorf("tls: got cert=%q key=%q", cfg.TLSCert, cfg.TLSKey)
	}
	if cfg.PooledMemory {
		t.Error("pooled-memory: got true, want false")
	}
	if !cfg.AbortOnInvalid {
		t.Error("abort-on-invalid: got false, want true")
	}
	if !cfg.AllowPartialHeaders {
		t.Error("allow-partial-headers: got false, want true")
	}
	if !cfg.Debug {
		t.Error("debug: got false, want true")
	}
}

func TestLoad_EnvVarOverridesDefault(t *testing.T) {
	t.Setenv("FBMD_PORT", "7777")
	t.Setenv("FBMD_HOST", "0.0.0.0")
	t.Setenv("FBMD_MAX_MESSAGE_SIZE", "4096")
	t.Setenv("FBMD_SEND_TIMEOUT_MS", "1500")
	t.Setenv("FBMD_DEBUG", "true")

	cfg, err := Load([]string{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7777 {
		t.Errorf("port: got %d, want 7777", cfg.Port)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("host: got %q, want %q", cfg.Host, "0.0.0.0")
	}
	if cfg.MaxMessageSize != 4096 {
		t.Errorf("max-message-size: got %d, want 4096", cfg.MaxMessageSize)
	}
	if cfg.SendTimeout != 1500*time.Millisecond {
		t.Errorf("send-timeout: got %v, want 1.5s", cfg.SendTimeout)
	}
	if !cfg.Debug {
		t.Error("debug: got false, want true")
	}
}

func TestLoad_FlagOverridesEnvVar(t *testing.T) {
	t.Setenv("FBMD_PORT", "7777")
	t.Setenv("FBMD_MAX_OBJECTS", "4096")

	cfg, err := Load([]string{"--port", "8888", "--max-objects", "512"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8888 {
		t.Errorf("port: got %d, want 8888 (flag should override env)", cfg.Port)
	}
	if cfg.MaxObjects != 512 {
		t.Errorf("max-objects: got %d, want 512 (flag should override env)", cfg.MaxObjects)
	}
}

func TestLoad_EnvVarBoolFormats(t *testing.T) {
	tests := []struct {
		envVal string
		want   bool
	}{
		{"1", true},
		{"yes", true},
		{"TRUE", true},
		{"0", false},
		{"no", false},
		{"FALSE", false},
	}

	for _, tc := range tests {
		t.Run(tc.envVal, func(t *testing.T) {
			t.Setenv("FBMD_DEBUG", tc.envVal)
			cfg, err := Load([]string{})
			if err != nil {
				t.Fatal(err)
			}
			if cfg.Debug != tc.want {
				t.Errorf("FBMD_DEBUG=%q: got %v, want %v", tc.envVal, cfg.Debug, tc.want)
			}
		})
	}
}

func TestLoad_EnvVarInvalidFallsBack(t *testing.T) {
	t.Setenv("FBMD_PORT", "not_a_number")
	t.Setenv("FBMD_POOLED_MEMORY", "maybe")
	cfg, err := Load([]string{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 6390 {
		t.Errorf("port: got %d, want 6390 (default)", cfg.Port)
	}
	if !cfg.PooledMemory {
		t.Error("pooled-memory: got false, want true (default)")
	}
}

func TestLoad_AuthToken(t *testing.T) {
	cfg, err := Load([]string{"--auth-token", "mysecret"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuthToken != "mysecret" {
		t.Fatalf("auth-token: got %q, want %q", cfg.AuthToken, "mysecret")
	}
}

func TestLoad_AuthTokenEnvVar(t *testing.T) {
	t.Setenv("FBMD_AUTH_TOKEN", "envsecret")
	cfg, err := Load([]string{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuthToken != "envsecret" {
		t.Fatalf("auth-token: got %q, want %q", cfg.AuthToken, "envsecret")
	}
}

func TestLoad_AuthTokenFlagOverridesEnv(t *testing.T) {
	t.Setenv("FBMD_AUTH_TOKEN", "envvalue")
	cfg, err := Load([]string{"--auth-token", "flagwins"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuthToken != "flagwins" {
		t.Fatalf("auth-token: got %q, want %q", cfg.AuthToken, "flagwins")
	}
}

func TestLoad_AuthTokenFile(t *testing.T) {
	tmpFile := t.TempDir() + "/token.txt"
	if err := os.WriteFile(tmpFile, []byte("file-token\n  "), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load([]string{"--auth-token-file", tmpFile})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuthToken != "file-token" {
		t.Fatalf("auth-token: got %q, want %q (whitespace should be trimmed)", cfg.AuthToken, "file-token")
	}
}

func TestLoad_AuthTokenFileMissing(t *testing.T) {
	_, err := Load([]string{"--auth-token-file", "/nonexistent/path/token.txt"})
	if err == nil {
		t.Fatal("expected error for missing auth token file")
	}
	if !strings.Contains(err.Error(), "auth token file") {
		t.Fatalf("error should mention auth token file: %v", err)
	}
}

func TestLoad_AuthTokenFileEnvVar(t *testing.T) {
	tmpFile := t.TempDir() + "/token.txt"
	if err := os.WriteFile(tmpFile, []byte("env-file-token"), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FBMD_AUTH_TOKEN_FILE", tmpFile)
	cfg, err := Load([]string{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuthToken != "env-file-token" {
		t.Fatalf("auth-token: got %q, want %q", cfg.AuthToken, "env-file-token")
	}
}

func TestLoad_VersionFlag(t *testing.T) {
	cfg, err := Load([]string{"--version"})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Version {
		t.Fatal("version flag should be true")
	}
}
