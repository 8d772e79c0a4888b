// Package config defines the engine's recognized options and their
// defaults. Parsing a config file format into this struct is explicitly a
// cmd/ concern, not the engine's — the engine only ever sees a populated
// Config value.
package config

import "time"

// Neighbor is a statically configured mesh peer, used to seed GET
// /discovery and the liveness prober.
type Neighbor struct {
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port" json:"port"`
}

// Config enumerates every option recognized by the engine, per the
// specification's configuration section. All fields have documented
// defaults matching the pool and concurrency defaults elsewhere in the
// spec.
type Config struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	LoadState   bool   `yaml:"load_state"`
	PersistPath string `yaml:"persist_path"`

	AnalyzeTickHz float64 `yaml:"analyze_tick_hz"`
	SendTickHz    float64 `yaml:"send_tick_hz"`
	PersistTickHz float64 `yaml:"persist_tick_hz"`

	IncomingMaxSize       int     `yaml:"incoming_max_size"`
	IncomingMaxAgeSeconds float64 `yaml:"incoming_max_age_s"`

	ProcessingMaxTimeoutSeconds float64 `yaml:"processing_max_timeout_s"`

	SendingMaxSize    int `yaml:"sending_max_size"`
	SendingMaxRetries int `yaml:"sending_max_retries"`

	SendHTTPTimeoutMillis int `yaml:"send_http_timeout_ms"`
	StoppingDeadlineSec   int `yaml:"stopping_deadline_s"`

	DiscoveryNeighbors       []Neighbor `yaml:"discovery_neighbors"`
	DiscoveryIntervalSeconds float64    `yaml:"discovery_interval_s"`

	// AdmittedEventTypes whitelists which user event types the analyze loop
	// dequeues while STARTED; an FSM command is always admitted regardless
	// of this list.
	AdmittedEventTypes []string `yaml:"admitted_event_types"`
}

// Default returns a Config populated with every default named in the
// specification.
func Default() Config {
	return Config{
		Name:    "node",
		Address: "127.0.0.1",
		Port:    8080,

		LoadState:   true,
		PersistPath: "state.json",

		AnalyzeTickHz: 50,
		SendTickHz:    50,
		PersistTickHz: 1,

		IncomingMaxSize:       10_000,
		IncomingMaxAgeSeconds: 300,

		ProcessingMaxTimeoutSeconds: 60,

		SendingMaxSize:    50_000,
		SendingMaxRetries: 3,

		SendHTTPTimeoutMillis: 500,
		StoppingDeadlineSec:   10,

		DiscoveryIntervalSeconds: 5,
	}
}

// DiscoveryInterval returns the neighbor liveness poll interval.
func (c Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalSeconds * float64(time.Second))
}

// AnalyzeTick returns the analyze loop's tick interval.
func (c Config) AnalyzeTick() time.Duration { return hzToInterval(c.AnalyzeTickHz) }

// SendTick returns the send loop's tick interval.
func (c Config) SendTick() time.Duration { return hzToInterval(c.SendTickHz) }

// PersistTick returns the persist loop's tick interval.
func (c Config) PersistTick() time.Duration { return hzToInterval(c.PersistTickHz) }

// IncomingMaxAge returns the incoming pool's age-eviction threshold.
func (c Config) IncomingMaxAge() time.Duration {
	return time.Duration(c.IncomingMaxAgeSeconds * float64(time.Second))
}

// ProcessingMaxTimeout returns the processing pool's default timeout hint.
func (c Config) ProcessingMaxTimeout() time.Duration {
	return time.Duration(c.ProcessingMaxTimeoutSeconds * float64(time.Second))
}

// SendHTTPTimeout returns the per-POST timeout used by the send loop.
func (c Config) SendHTTPTimeout() time.Duration {
	return time.Duration(c.SendHTTPTimeoutMillis) * time.Millisecond
}

// StoppingDeadline returns the grace period the send loop gets to drain
// during a graceful stop before remaining entries are dropped. Entries
// dropped this way are not written to any later snapshot.
func (c Config) StoppingDeadline() time.Duration {
	return time.Duration(c.StoppingDeadlineSec) * time.Second
}

func hzToInterval(hz float64) time.Duration {
	if hz <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / hz)
}
