// Package config manages the hub's runtime configuration: security tier,
// timer intervals, and hub identity. Modeled on the teacher's own dedicated
// config package (backend/config/config.go): defaults are seeded from an
// embedded YAML document via gopkg.in/yaml.v3, durations are held as
// human-readable strings in that document and parsed with
// time.ParseDuration the same way the teacher's manager/router/auth
// packages parse their own string-typed duration config fields. The live,
// already-resolved Data is round-tripped as JSON, matching the teacher's
// Global wrapper (which re-serialises its DB-stored config the same way).
// Unlike the teacher, whose live config lives in a database row read
// through a ConfigStore, this hub has no dependency on its own Durable
// Store for configuration, so the live value is persisted to a small JSON
// file under confDir instead.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trailsd/trails/internal/wire"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Data holds the serialisable hub configuration.
type Data struct {
	// HubInstance is this hub process's stable identity, used as
	// server_instance on session rows and as the Startup Reconciler's scope.
	// Defaults to the hostname.
	HubInstance string `json:"hub_instance"`

	// SecurityTier governs whether inbound messages must carry signatures.
	SecurityTier wire.SecurityTier `json:"security_tier"`

	// MaxStartDeadline is the ceiling enforced on create-intent requests;
	// exceeding it yields invalid_deadline.
	MaxStartDeadline time.Duration `json:"max_start_deadline"`

	// ReconnectGrace is the steady-state reconnection-grace interval armed on
	// ungraceful transport loss.
	ReconnectGrace time.Duration `json:"reconnect_grace"`
	// StartupReconnectGrace is the (typically larger) grace interval armed by
	// the Startup Reconciler, to absorb a thundering-herd reconnect window.
	StartupReconnectGrace time.Duration `json:"startup_reconnect_grace"`

	// CrashDowngradeDefault selects the reconnection-grace-expiry destination:
	// true → crashed, false → lost_contact, for sessions that never
	// completed a data exchange. Per §9 Open Question 2, the default policy
	// is crashed for sessions that exchanged at least one message.
	CrashDowngradeDefault bool `json:"crash_downgrade_default"`

	// IntentRequestTimeout bounds a single Intent API call.
	IntentRequestTimeout time.Duration `json:"intent_request_timeout"`

	// SignatureFailureThreshold is the number of consecutive signature
	// verification failures on one transport before it is closed.
	SignatureFailureThreshold int `json:"signature_failure_threshold"`

	// ShutdownDrainInterval bounds how long graceful shutdown waits after
	// broadcasting hub_shutting_down before tearing down remaining sessions.
	ShutdownDrainInterval time.Duration `json:"shutdown_drain_interval"`
}

// yamlDefaults mirrors Data but holds durations as plain strings the way
// the teacher's own embedded config.default.yaml does (e.g. "30s", "24h"),
// parsed with time.ParseDuration rather than unmarshalled as raw integers.
type yamlDefaults struct {
	HubInstance               string `yaml:"hub_instance"`
	SecurityTier              string `yaml:"security_tier"`
	MaxStartDeadline          string `yaml:"max_start_deadline"`
	ReconnectGrace            string `yaml:"reconnect_grace"`
	StartupReconnectGrace     string `yaml:"startup_reconnect_grace"`
	CrashDowngradeDefault     bool   `yaml:"crash_downgrade_default"`
	IntentRequestTimeout      string `yaml:"intent_request_timeout"`
	SignatureFailureThreshold int    `yaml:"signature_failure_threshold"`
	ShutdownDrainInterval     string `yaml:"shutdown_drain_interval"`
}

func defaults() Data {
	var y yamlDefaults
	if err := yaml.Unmarshal(defaultYAML, &y); err != nil {
		panic(fmt.Sprintf("config: embedded config.default.yaml is malformed: %v", err))
	}

	d := Data{
		HubInstance:               y.HubInstance,
		SecurityTier:              wire.SecurityTier(y.SecurityTier),
		CrashDowngradeDefault:     y.CrashDowngradeDefault,
		SignatureFailureThreshold: y.SignatureFailureThreshold,
	}
	d.MaxStartDeadline = mustParseDuration(y.MaxStartDeadline)
	d.ReconnectGrace = mustParseDuration(y.ReconnectGrace)
	d.StartupReconnectGrace = mustParseDuration(y.StartupReconnectGrace)
	d.IntentRequestTimeout = mustParseDuration(y.IntentRequestTimeout)
	d.ShutdownDrainInterval = mustParseDuration(y.ShutdownDrainInterval)

	if host, err := os.Hostname(); err == nil && host != "" {
		d.HubInstance = host
	}
	return d
}

func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("config: embedded default duration %q is malformed: %v", s, err))
	}
	return d
}

// Global is a thread-safe, disk-backed wrapper around Data, mirroring the
// teacher's config.Global.
type Global struct {
	mu      sync.RWMutex
	data    Data
	confDir string
}

// Load reads confDir/config.json, filling in defaults for missing fields,
// then applies environment overrides for the fields operators most commonly
// need to pin per-deployment (hub identity, security tier, DSN lives
// separately — see cmd/trailsd).
func Load(confDir string) (*Global, error) {
	if confDir != "" {
		if err := os.MkdirAll(confDir, 0o755); err != nil {
			return nil, err
		}
	}

	g := &Global{confDir: confDir, data: defaults()}

	if confDir != "" {
		raw, err := os.ReadFile(configPath(confDir))
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := json.Unmarshal(raw, &g.data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath(confDir), err)
		}
	}

	g.applyEnvOverrides()
	return g, nil
}

func (g *Global) applyEnvOverrides() {
	if v := os.Getenv("TRAILS_HUB_INSTANCE"); v != "" {
		g.data.HubInstance = v
	}
	if v := os.Getenv("TRAILS_SECURITY_TIER"); v != "" {
		g.data.SecurityTier = wire.SecurityTier(v)
	}
}

func configPath(confDir string) string {
	return confDir + "/config.json"
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the current configuration and persists it to disk when a
// confDir is configured.
func (g *Global) Set(d Data) error {
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return g.save()
}

func (g *Global) save() error {
	if g.confDir == "" {
		return nil
	}
	g.mu.RLock()
	raw, err := json.MarshalIndent(g.data, "", "  ")
	g.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(g.confDir), raw, 0o644)
}
