package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/config"
	"github.com/ehr/consentgate/internal/platform/db"
)

func TestGenerateKey(t *testing.T) {
	key, err := generateKey()
	if err != nil {
		t.Fatalf("generateKey: %v", err)
	}
	decoded, err := hex.DecodeString(key)
	if err != nil {
		t.Fatalf("key is not hex: %v", err)
	}
	if len(decoded) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(decoded))
	}

	other, _ := generateKey()
	if other == key {
		t.Error("expected two calls to produce different keys")
	}
}

func TestBuildKeyring(t *testing.T) {
	active := strings.Repeat("ab", 32)
	legacy := strings.Repeat("cd", 32)
	cfg := &config.Config{
		Env:                 "production",
		ConsentSigningKey:   active,
		ConsentSigningKeyID: "k2",
		ConsentLegacyKeys:   "k1:" + legacy,
	}

	keys, err := buildKeyring(cfg, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("buildKeyring: %v", err)
	}
	defer keys.Close()
	if keys.ActiveKeyID() != "k2" {
		t.Errorf("expected active key k2, got %q", keys.ActiveKeyID())
	}
}

func TestBuildKeyring_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"missing key outside development", config.Config{Env: "production", ConsentSigningKeyID: "k1"}},
		{"short key", config.Config{Env: "production", ConsentSigningKey: "abcd", ConsentSigningKeyID: "k1"}},
		{"bad legacy entry", config.Config{Env: "production", ConsentSigningKey: strings.Repeat("ab", 32), ConsentSigningKeyID: "k1", ConsentLegacyKeys: "nocolon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if _, err := buildKeyring(&cfg, zerolog.New(io.Discard)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBuildKeyring_DevelopmentGeneratesKey(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{Env: "development", ConsentSigningKeyID: "dev"}

	keys, err := buildKeyring(cfg, zerolog.New(&buf))
	if err != nil {
		t.Fatalf("buildKeyring: %v", err)
	}
	defer keys.Close()
	if !strings.Contains(buf.String(), "ephemeral") {
		t.Errorf("expected a warning about the ephemeral key, got %q", buf.String())
	}
}

func TestNewThrottle_MemoryWithoutRedis(t *testing.T) {
	store, closeFn, err := newThrottle(context.Background(), "")
	if err != nil {
		t.Fatalf("newThrottle: %v", err)
	}
	defer closeFn()

	d, err := store.Allow(context.Background(), "k", 1, time.Minute)
	if err != nil || !d.Allowed {
		t.Fatalf("expected first request allowed, got %+v, %v", d, err)
	}
	d, _ = store.Allow(context.Background(), "k", 1, time.Minute)
	if d.Allowed {
		t.Error("expected second request over the limit")
	}
}

func TestNewThrottle_BadRedisURL(t *testing.T) {
	if _, _, err := newThrottle(context.Background(), "not a url"); err == nil {
		t.Error("expected error for malformed redis url")
	}
}

func TestMigrationsDir(t *testing.T) {
	if got := migrationsDir("", false); got != "./migrations" {
		t.Errorf("primary default = %q", got)
	}
	if got := migrationsDir("", true); got != "./migrations/mirror" {
		t.Errorf("mirror default = %q", got)
	}
	if got := migrationsDir("/srv/m", true); got != "/srv/m" {
		t.Errorf("explicit dir = %q", got)
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	applied := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "consent", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "organization"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, rule and two rows, got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[2], "applied") || !strings.Contains(lines[2], "2026-03-01T12:00:00Z") {
		t.Errorf("unexpected applied row %q", lines[2])
	}
	if !strings.Contains(lines[3], "pending") {
		t.Errorf("unexpected pending row %q", lines[3])
	}
}

func TestValidateRoles(t *testing.T) {
	if err := validateRoles([]string{"patient", "admin"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := validateRoles(nil); err == nil {
		t.Error("expected error for no roles")
	}
	if err := validateRoles([]string{"doctor"}); err == nil {
		t.Error("expected error for unknown role")
	}
}
