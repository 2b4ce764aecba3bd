// Package config holds the caller-supplied identity material that drives a
// showchat session, plus the runtime tunables used by the client.
//
// A Config is a plain value: once handed to showchat.Client.Start it is never
// mutated. Build one explicitly or load it from the environment:
//
//	cfg, err := config.FromEnv()
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/showchat-go/failure"
	"github.com/joeshaw/envdecode"
)

// Options are backend telemetry toggles forwarded on Initialize. They never
// change success or failure semantics.
type Options struct {
	DebugMode  bool `env:"SHOWCHAT_DEBUG,default=false" json:"debug_mode" yaml:"debug_mode"`
	TestMode   bool `env:"SHOWCHAT_TEST_MODE,default=false" json:"test_mode" yaml:"test_mode"`
	DoNotTrack bool `env:"SHOWCHAT_DNT,default=false" json:"dnt" yaml:"dnt"`
}

// Config is the immutable identity record for one session attempt.
type Config struct {
	ClientKey string `env:"SHOWCHAT_CLIENT_KEY"`
	ShowKey   string `env:"SHOWCHAT_SHOW_KEY"`
	// Credential is an externally issued chat token. Ignored for guests.
	Credential string `env:"SHOWCHAT_CREDENTIAL"`
	Guest      bool   `env:"SHOWCHAT_GUEST,default=false"`
	Options    Options
}

// FromEnv decodes a Config from SHOWCHAT_* environment variables.
func FromEnv() (Config, error) {
	var cfg Config
	if err := decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateForSession checks the fields the session authenticator needs.
func (c Config) ValidateForSession() error {
	if strings.TrimSpace(c.ClientKey) == "" {
		return failure.New(failure.KindInvalidInput, "config.validate", "client key is required")
	}
	return nil
}

// ValidateForShow checks the fields the show resolver and chat manager need.
func (c Config) ValidateForShow() error {
	if strings.TrimSpace(c.ShowKey) == "" {
		return failure.New(failure.KindInvalidInput, "config.validate", "show key is required")
	}
	return nil
}

// Validate runs every check and joins the failures.
func (c Config) Validate() error {
	return errors.Join(c.ValidateForSession(), c.ValidateForShow())
}

// String renders the config without the credential.
func (c Config) String() string {
	cred := "none"
	if c.Credential != "" {
		cred = "set"
	}
	return fmt.Sprintf("client_key=%s show_key=%s guest=%t credential=%s", redact(c.ClientKey), c.ShowKey, c.Guest, cred)
}

// Runtime carries client tunables that are not identity material.
type Runtime struct {
	// CallTimeout bounds every single-shot backend call.
	CallTimeout time.Duration `env:"SHOWCHAT_CALL_TIMEOUT,default=10s"`
	// Workers bounds the number of concurrent backend calls.
	Workers int `env:"SHOWCHAT_WORKERS,default=16"`
	// BackendURL is the base URL of the hosted service for httpbackend.
	BackendURL string `env:"SHOWCHAT_BACKEND_URL,default=http://localhost:8080"`
	// HistoryPageSize is used when a history call passes pageSize 0.
	HistoryPageSize int `env:"SHOWCHAT_HISTORY_PAGE_SIZE,default=25"`
}

// DefaultRuntime returns the same values FromEnv yields in an empty environment.
func DefaultRuntime() Runtime {
	return Runtime{
		CallTimeout:     10 * time.Second,
		Workers:         16,
		BackendURL:      "http://localhost:8080",
		HistoryPageSize: 25,
	}
}

// RuntimeFromEnv decodes Runtime from the environment, falling back to
// DefaultRuntime for unset or non-positive values.
func RuntimeFromEnv() (Runtime, error) {
	rt := DefaultRuntime()
	if err := decode(&rt); err != nil {
		return Runtime{}, err
	}
	def := DefaultRuntime()
	if rt.CallTimeout <= 0 {
		rt.CallTimeout = def.CallTimeout
	}
	if rt.Workers <= 0 {
		rt.Workers = def.Workers
	}
	if rt.HistoryPageSize <= 0 {
		rt.HistoryPageSize = def.HistoryPageSize
	}
	return rt, nil
}

func decode(target any) error {
	if err := envdecode.Decode(target); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("config: decode environment: %w", err)
	}
	return nil
}

func redact(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}
