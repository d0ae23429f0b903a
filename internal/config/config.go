// v1
// internal/config/config.go
package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the process-level settings of the auto-lock service.
// User-editable settings (thresholds, paired devices, vehicle identity)
// live in the settings store, not here.
type Config struct {
	// HTTPBind is the listen address of the control API.
	HTTPBind string
	// LogDir receives autolock.log next to stdout output.
	LogDir   string
	LogLevel slog.Level
	// PropertiesPath records where the properties layer was read from.
	PropertiesPath string

	// SettingsPath is the YAML file backing the settings store.
	SettingsPath string
	// SettingsKey is the passphrase used to seal credentials at rest.
	SettingsKey string

	PollInterval time.Duration
	ErrorBackoff time.Duration
	// StaleAfter bounds how old a reading may be and still count.
	// Zero means three poll intervals, see Staleness.
	StaleAfter time.Duration

	RetryMaxAttempts int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration
	ActuationTimeout time.Duration
	ShutdownGrace    time.Duration

	RemoteBaseURL   string
	RemoteUserAgent string
	RemoteSource    string
	StatusCacheTTL  time.Duration

	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration

	// SignalMode selects the signal source: "mqtt" or "sim".
	SignalMode      string
	MQTTBroker      string
	MQTTTopicPrefix string
	MQTTClientID    string
	// Sim* drive the simulated device, both in signal_mode=sim and in
	// the blesim gateway.
	SimSeed       int64
	SimDevice     string
	SimDeviceName string
	SimCycle      time.Duration

	// KafkaBrokers enables the Kafka journal when non-empty.
	KafkaBrokers     []string
	RecordTopic      string
	StateTopic       string
	TopicReplication int
	// JournalPath enables the file journal when non-empty.
	JournalPath string

	// StatusLocale picks the language of user-facing status strings.
	StatusLocale string
}

const (
	defaultHTTPBind         = ":8090"
	defaultLogDir           = "./logs"
	defaultPropsPath        = "./configs/autolock.properties"
	defaultSettingsPath     = "./data/settings.yaml"
	defaultPollInterval     = 5 * time.Second
	defaultErrorBackoff     = 10 * time.Second
	defaultRetryAttempts    = 3
	defaultRetryBase        = 500 * time.Millisecond
	defaultRetryMax         = 8 * time.Second
	defaultActuationTimeout = 30 * time.Second
	defaultShutdownGrace    = 35 * time.Second
	defaultRemoteBaseURL    = "https://api.byd.com/"
	defaultUserAgent        = "BYD-AutoLock/1.0"
	defaultRemoteSource     = "autolock_service"
	defaultStatusCacheTTL   = 10 * time.Second
	defaultBreakerFailures  = 5
	defaultBreakerReset     = 30 * time.Second
	defaultSignalMode       = "mqtt"
	defaultMQTTBroker       = "tcp://localhost:1883"
	defaultMQTTPrefix       = "autolock/ble"
	defaultMQTTClientID     = "autolock-monitor"
	defaultRecordTopic      = "autolock.actuations"
	defaultStateTopic       = "autolock.state"
	defaultTopicReplication = 1
	defaultLocale           = "zh"
	defaultSimDevice        = "AA:BB:CC:DD:EE:01"
	defaultSimDeviceName    = "Simulated Phone"
	defaultSimCycle         = 2 * time.Minute
)

// envPrefix is prepended to the upper-cased property key to form the
// matching environment variable, e.g. poll_interval_ms -> AUTOLOCK_POLL_INTERVAL_MS.
const envPrefix = "AUTOLOCK_"

var knownKeys = []string{
	"http_bind", "log_dir", "log_level",
	"settings_path", "settings_key",
	"poll_interval_ms", "error_backoff_ms", "stale_after_ms",
	"retry_max_attempts", "retry_base_backoff_ms", "retry_max_backoff_ms",
	"actuation_timeout_ms", "shutdown_grace_ms",
	"remote_base_url", "remote_user_agent", "remote_source", "status_cache_ttl_ms",
	"breaker_max_failures", "breaker_reset_ms",
	"signal_mode", "mqtt_broker", "mqtt_topic_prefix", "mqtt_client_id",
	"sim_seed", "sim_device_address", "sim_device_name", "sim_cycle_ms",
	"kafka_brokers", "record_topic", "state_topic", "topic_replication",
	"journal_path", "status_locale",
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTPBind:            defaultHTTPBind,
		LogDir:              defaultLogDir,
		LogLevel:            slog.LevelInfo,
		SettingsPath:        defaultSettingsPath,
		PollInterval:        defaultPollInterval,
		ErrorBackoff:        defaultErrorBackoff,
		RetryMaxAttempts:    defaultRetryAttempts,
		RetryBaseBackoff:    defaultRetryBase,
		RetryMaxBackoff:     defaultRetryMax,
		ActuationTimeout:    defaultActuationTimeout,
		ShutdownGrace:       defaultShutdownGrace,
		RemoteBaseURL:       defaultRemoteBaseURL,
		RemoteUserAgent:     defaultUserAgent,
		RemoteSource:        defaultRemoteSource,
		StatusCacheTTL:      defaultStatusCacheTTL,
		BreakerMaxFailures:  defaultBreakerFailures,
		BreakerResetTimeout: defaultBreakerReset,
		SignalMode:          defaultSignalMode,
		MQTTBroker:          defaultMQTTBroker,
		MQTTTopicPrefix:     defaultMQTTPrefix,
		MQTTClientID:        defaultMQTTClientID,
		SimSeed:             1,
		SimDevice:           defaultSimDevice,
		SimDeviceName:       defaultSimDeviceName,
		SimCycle:            defaultSimCycle,
		RecordTopic:         defaultRecordTopic,
		StateTopic:          defaultStateTopic,
		TopicReplication:    defaultTopicReplication,
		StatusLocale:        defaultLocale,
	}
}

// Load layers defaults, the optional properties file and environment
// variables, in that order. The properties file location comes from
// AUTOLOCK_PROPERTIES_PATH.
func Load() (Config, error) {
	cfg := Default()

	propsPath := defaultPropsPath
	if v, ok := lookupEnvTrimmed(envPrefix + "PROPERTIES_PATH"); ok && v != "" {
		propsPath = v
	}
	cfg.PropertiesPath = propsPath

	if err := applyProperties(&cfg, propsPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.SignalMode {
	case "mqtt", "sim":
	default:
		return fmt.Errorf("signal_mode must be mqtt or sim, got %q", c.SignalMode)
	}
	if c.SignalMode == "mqtt" && c.MQTTBroker == "" {
		return errors.New("mqtt_broker required when signal_mode=mqtt")
	}
	if c.RetryMaxBackoff < c.RetryBaseBackoff {
		return errors.New("retry_max_backoff_ms must be >= retry_base_backoff_ms")
	}
	if c.StatusLocale != "zh" && c.StatusLocale != "en" {
		return fmt.Errorf("status_locale must be zh or en, got %q", c.StatusLocale)
	}
	return nil
}

// Staleness resolves StaleAfter against the poll interval.
func (c Config) Staleness() time.Duration {
	if c.StaleAfter > 0 {
		return c.StaleAfter
	}
	return 3 * c.PollInterval
}

func applyProperties(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, "//") {
			continue
		}
		k, v, ok := strings.Cut(raw, "=")
		if !ok {
			return fmt.Errorf("invalid properties entry on line %d", line)
		}
		key := strings.TrimSpace(k)
		if err := setProperty(cfg, key, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("property %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read properties: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	for _, key := range knownKeys {
		name := envPrefix + strings.ToUpper(key)
		v, ok := lookupEnvTrimmed(name)
		if !ok {
			continue
		}
		if err := setProperty(cfg, key, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	// Shared with the rest of the deployment.
	if v, ok := lookupEnvTrimmed("KAFKA_BROKERS"); ok {
		if _, own := os.LookupEnv(envPrefix + "KAFKA_BROKERS"); !own {
			cfg.KafkaBrokers = splitAndTrim(v)
		}
	}
	return nil
}

func setProperty(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "http_bind":
		err = nonEmpty(value, &cfg.HTTPBind)
	case "log_dir":
		if err = nonEmpty(value, &cfg.LogDir); err == nil {
			cfg.LogDir = filepath.Clean(cfg.LogDir)
		}
	case "log_level":
		err = cfg.LogLevel.UnmarshalText([]byte(value))
	case "settings_path":
		err = nonEmpty(value, &cfg.SettingsPath)
	case "settings_key":
		cfg.SettingsKey = value
	case "poll_interval_ms":
		cfg.PollInterval, err = parsePositiveMillis(value)
	case "error_backoff_ms":
		cfg.ErrorBackoff, err = parsePositiveMillis(value)
	case "stale_after_ms":
		cfg.StaleAfter, err = parsePositiveMillis(value)
	case "retry_max_attempts":
		cfg.RetryMaxAttempts, err = parsePositiveInt(value)
	case "retry_base_backoff_ms":
		cfg.RetryBaseBackoff, err = parsePositiveMillis(value)
	case "retry_max_backoff_ms":
		cfg.RetryMaxBackoff, err = parsePositiveMillis(value)
	case "actuation_timeout_ms":
		cfg.ActuationTimeout, err = parsePositiveMillis(value)
	case "shutdown_grace_ms":
		cfg.ShutdownGrace, err = parsePositiveMillis(value)
	case "remote_base_url":
		err = nonEmpty(value, &cfg.RemoteBaseURL)
	case "remote_user_agent":
		err = nonEmpty(value, &cfg.RemoteUserAgent)
	case "remote_source":
		err = nonEmpty(value, &cfg.RemoteSource)
	case "status_cache_ttl_ms":
		cfg.StatusCacheTTL, err = parsePositiveMillis(value)
	case "breaker_max_failures":
		cfg.BreakerMaxFailures, err = parsePositiveInt(value)
	case "breaker_reset_ms":
		cfg.BreakerResetTimeout, err = parsePositiveMillis(value)
	case "signal_mode":
		cfg.SignalMode = strings.ToLower(value)
	case "mqtt_broker":
		cfg.MQTTBroker = value
	case "mqtt_topic_prefix":
		err = nonEmpty(strings.TrimSuffix(value, "/"), &cfg.MQTTTopicPrefix)
	case "mqtt_client_id":
		err = nonEmpty(value, &cfg.MQTTClientID)
	case "sim_seed":
		cfg.SimSeed, err = strconv.ParseInt(value, 10, 64)
	case "sim_device_address":
		err = nonEmpty(value, &cfg.SimDevice)
	case "sim_device_name":
		cfg.SimDeviceName = value
	case "sim_cycle_ms":
		cfg.SimCycle, err = parsePositiveMillis(value)
	case "kafka_brokers":
		cfg.KafkaBrokers = splitAndTrim(value)
	case "record_topic":
		err = nonEmpty(value, &cfg.RecordTopic)
	case "state_topic":
		err = nonEmpty(value, &cfg.StateTopic)
	case "topic_replication":
		cfg.TopicReplication, err = parsePositiveInt(value)
	case "journal_path":
		cfg.JournalPath = value
	case "status_locale":
		cfg.StatusLocale = strings.ToLower(value)
	default:
		// unknown keys are ignored
	}
	return err
}

func nonEmpty(v string, dst *string) error {
	if v == "" {
		return errors.New("value cannot be empty")
	}
	*dst = v
	return nil
}

func lookupEnvTrimmed(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitAndTrim(raw string) []string {
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if n <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return n, nil
}

func parsePositiveMillis(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, errors.New("value cannot be empty")
	}
	ms, err := parsePositiveInt(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
