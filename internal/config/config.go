// Package config loads daemon configuration from a JSON file with
// environment-variable overrides, and can watch the file for live edits.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the offsyncd runtime configuration. Environment variables
// override file values; both override the built-in defaults.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `json:"addr"`

	// StoreDSN selects the durable queue backing: file://, sqlite://,
	// postgres://, or memory://.
	StoreDSN string `json:"storeDsn"`

	// DeviceID identifies this replica in vector clocks.
	DeviceID string `json:"deviceId"`

	// RemoteBaseURL is the chat backend the queue drains into. Empty disables
	// delivery; operations accumulate until it is configured.
	RemoteBaseURL string `json:"remoteBaseUrl"`
	RemoteToken   string `json:"remoteToken"`

	// APIToken, when set, is required as a bearer token on the local API.
	APIToken string `json:"apiToken"`

	MaxRetries        int      `json:"maxRetries"`
	BaseDelay         Duration `json:"baseDelay"`
	MaxDelay          Duration `json:"maxDelay"`
	DeliveryTimeout   Duration `json:"deliveryTimeout"`
	DebounceInterval  Duration `json:"debounceInterval"`
	AutoDrainInterval Duration `json:"autoDrainInterval"`

	// ProbeURL enables the reachability probe when the host platform gives no
	// connectivity signal.
	ProbeURL       string   `json:"probeUrl"`
	ProbeInterval  Duration `json:"probeInterval"`
	ProbeThreshold int      `json:"probeThreshold"`

	RateLimitMax    int      `json:"rateLimitMax"`
	RateLimitWindow Duration `json:"rateLimitWindow"`
	MaxBodyBytes    int64    `json:"maxBodyBytes"`
}

// Duration marshals as a Go duration string ("1.5s") in JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		// Bare numbers are milliseconds, matching the queue's wire format.
		*d = Duration(time.Duration(v) * time.Millisecond)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

func Default() Config {
	return Config{
		Addr:             ":8380",
		StoreDSN:         "file://.offsync/queue.json",
		DeviceID:         defaultDeviceID(),
		MaxRetries:       5,
		BaseDelay:        Duration(time.Second),
		MaxDelay:         Duration(30 * time.Second),
		DeliveryTimeout:  Duration(15 * time.Second),
		DebounceInterval: Duration(1500 * time.Millisecond),
	}
}

func defaultDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "offsync-host"
	}
	return host
}

// Load reads the config file at path (optional, pass "" to skip) and applies
// environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	strEnv("OFFSYNC_ADDR", &c.Addr)
	strEnv("OFFSYNC_STORE_DSN", &c.StoreDSN)
	strEnv("OFFSYNC_DEVICE_ID", &c.DeviceID)
	strEnv("OFFSYNC_REMOTE_BASE_URL", &c.RemoteBaseURL)
	strEnv("OFFSYNC_REMOTE_TOKEN", &c.RemoteToken)
	strEnv("OFFSYNC_API_TOKEN", &c.APIToken)
	strEnv("OFFSYNC_PROBE_URL", &c.ProbeURL)
	intEnv("OFFSYNC_MAX_RETRIES", &c.MaxRetries)
	intEnv("OFFSYNC_PROBE_THRESHOLD", &c.ProbeThreshold)
	intEnv("OFFSYNC_RATE_LIMIT_MAX", &c.RateLimitMax)
	int64Env("OFFSYNC_MAX_BODY_BYTES", &c.MaxBodyBytes)
	durationEnv("OFFSYNC_BASE_DELAY", &c.BaseDelay)
	durationEnv("OFFSYNC_MAX_DELAY", &c.MaxDelay)
	durationEnv("OFFSYNC_DELIVERY_TIMEOUT", &c.DeliveryTimeout)
	durationEnv("OFFSYNC_DEBOUNCE_INTERVAL", &c.DebounceInterval)
	durationEnv("OFFSYNC_AUTO_DRAIN_INTERVAL", &c.AutoDrainInterval)
	durationEnv("OFFSYNC_PROBE_INTERVAL", &c.ProbeInterval)
	durationEnv("OFFSYNC_RATE_LIMIT_WINDOW", &c.RateLimitWindow)
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return fmt.Errorf("baseDelay exceeds maxDelay")
	}
	return nil
}

func strEnv(name string, dst *string) {
	if raw, ok := os.LookupEnv(name); ok {
		*dst = strings.TrimSpace(raw)
	}
}

func intEnv(name string, dst *int) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, keeping %d", name, raw, *dst)
		return
	}
	*dst = value
}

func int64Env(name string, dst *int64) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, keeping %d", name, raw, *dst)
		return
	}
	*dst = value
}

func durationEnv(name string, dst *Duration) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, keeping %s", name, raw, dst.Std())
		return
	}
	*dst = Duration(value)
}
