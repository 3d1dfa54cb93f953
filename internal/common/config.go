package common

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Data        DataConfig      `toml:"data"`
	Broker      BrokerConfig    `toml:"broker"`
	Engine      EngineConfig    `toml:"engine"`
	Backtest    BacktestConfig  `toml:"backtest"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// DataConfig locates the document store root.
type DataConfig struct {
	Dir                     string `toml:"dir"`                       // Root directory for JSON documents
	HistoricalRetentionDays int    `toml:"historical_retention_days"` // Day files older than this are pruned
}

// BrokerConfig carries gateway connection settings. Credentials normally live
// in connection.json inside the data directory; values here act as fallbacks.
type BrokerConfig struct {
	APIURL         string        `toml:"api_url"`         // REST gateway base URL
	MarketURL      string        `toml:"market_url"`      // Websocket market-data URL
	UserName       string        `toml:"user_name"`       // Fallback credential
	APIKey         string        `toml:"api_key"`         // Fallback credential
	AutoConnect    bool          `toml:"auto_connect"`    // Authenticate on startup
	RateLimit      int           `toml:"rate_limit"`      // Requests per second against the gateway
	AuthTimeout    time.Duration `toml:"auth_timeout"`    // Timeout for authentication calls
	RequestTimeout time.Duration `toml:"request_timeout"` // Timeout for all other gateway calls
}

// EngineConfig tunes the live runtime and backtest executor.
type EngineConfig struct {
	HistoryDays         int    `toml:"history_days"`          // Calendar days of 1-minute bars backfilled on start
	MinBarsForSignals   int    `toml:"min_bars_for_signals"`  // Bars required before indicators are evaluated
	TransientErrorLimit int    `toml:"transient_error_limit"` // Consecutive transient failures before escalation
	PollInterval        string `toml:"poll_interval"`         // State poller interval, e.g. "1s"
	EventQueueSize      int    `toml:"event_queue_size"`      // Per-subscriber event bus bound
	MaxInstanceLogs     int    `toml:"max_instance_logs"`     // Instance log ring capacity
}

// BacktestConfig sets the capital model applied to runs. Definitions carry
// no capital fields, so every run of a definition uses these values.
type BacktestConfig struct {
	StartingCapital float64 `toml:"starting_capital"` // Capital each run starts with
	Commission      float64 `toml:"commission"`       // Charged once per closed trade
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// WebSocketConfig controls the push event stream.
type WebSocketConfig struct {
	MinLevel        string   `toml:"min_level"`        // Minimum server-log level to broadcast
	ExcludePatterns []string `toml:"exclude_patterns"` // Server-log message patterns never broadcast
	// Whitelist of event types pushed to clients. Empty allows all events.
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle intervals for high-frequency events, e.g. {"instanceDataUpdate": "250ms"}.
	// Empty map disables throttling.
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// SchedulerConfig controls the maintenance cron jobs.
type SchedulerConfig struct {
	Enabled          bool   `toml:"enabled"`
	HistoricalPrune  string `toml:"historical_prune"`  // Cron expression for day-file pruning
	SnapshotInterval string `toml:"snapshot_interval"` // Cron expression for definition snapshots
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability;
// only user-facing settings should be exposed in mercator.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Data: DataConfig{
			Dir:                     "./data",
			HistoricalRetentionDays: 30,
		},
		Broker: BrokerConfig{
			APIURL:         "https://gateway.mercator.local/api",
			MarketURL:      "wss://gateway.mercator.local/market",
			AutoConnect:    false,
			RateLimit:      10,
			AuthTimeout:    10 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			HistoryDays:         7,
			MinBarsForSignals:   20,
			TransientErrorLimit: 5,
			PollInterval:        "1s",
			EventQueueSize:      1024,
			MaxInstanceLogs:     1000,
		},
		Backtest: BacktestConfig{
			StartingCapital: 50000,
			Commission:      2.50,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info",
			ExcludePatterns: []string{
				"WebSocket client connected",
				"WebSocket client disconnected",
				"HTTP request",
				"HTTP response",
				"Publishing event",
			},
			AllowedEvents:     []string{},
			ThrottleIntervals: map[string]string{},
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			HistoricalPrune:  "0 3 * * *",   // Daily at 03:00 UTC
			SnapshotInterval: "*/5 * * * *", // Every 5 minutes
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env -> CLI. Later files override
// earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("MERCATOR_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("MERCATOR_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("MERCATOR_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Data configuration
	if dir := os.Getenv("MERCATOR_DATA_DIR"); dir != "" {
		config.Data.Dir = dir
	}
	if retention := os.Getenv("MERCATOR_DATA_HISTORICAL_RETENTION_DAYS"); retention != "" {
		if r, err := strconv.Atoi(retention); err == nil && r > 0 {
			config.Data.HistoricalRetentionDays = r
		}
	}

	// Broker configuration
	if apiURL := os.Getenv("MERCATOR_BROKER_API_URL"); apiURL != "" {
		config.Broker.APIURL = apiURL
	}
	if marketURL := os.Getenv("MERCATOR_BROKER_MARKET_URL"); marketURL != "" {
		config.Broker.MarketURL = marketURL
	}
	if userName := os.Getenv("MERCATOR_BROKER_USER_NAME"); userName != "" {
		config.Broker.UserName = userName
	}
	if apiKey := os.Getenv("MERCATOR_BROKER_API_KEY"); apiKey != "" {
		config.Broker.APIKey = apiKey
	}
	if autoConnect := os.Getenv("MERCATOR_BROKER_AUTO_CONNECT"); autoConnect != "" {
		if ac, err := strconv.ParseBool(autoConnect); err == nil {
			config.Broker.AutoConnect = ac
		}
	}
	if rateLimit := os.Getenv("MERCATOR_BROKER_RATE_LIMIT"); rateLimit != "" {
		if rl, err := strconv.Atoi(rateLimit); err == nil && rl > 0 {
			config.Broker.RateLimit = rl
		}
	}
	if authTimeout := os.Getenv("MERCATOR_BROKER_AUTH_TIMEOUT"); authTimeout != "" {
		if d, err := time.ParseDuration(authTimeout); err == nil {
			config.Broker.AuthTimeout = d
		}
	}
	if requestTimeout := os.Getenv("MERCATOR_BROKER_REQUEST_TIMEOUT"); requestTimeout != "" {
		if d, err := time.ParseDuration(requestTimeout); err == nil {
			config.Broker.RequestTimeout = d
		}
	}

	// Engine configuration
	if historyDays := os.Getenv("MERCATOR_ENGINE_HISTORY_DAYS"); historyDays != "" {
		if hd, err := strconv.Atoi(historyDays); err == nil && hd > 0 {
			config.Engine.HistoryDays = hd
		}
	}
	if minBars := os.Getenv("MERCATOR_ENGINE_MIN_BARS_FOR_SIGNALS"); minBars != "" {
		if mb, err := strconv.Atoi(minBars); err == nil && mb > 0 {
			config.Engine.MinBarsForSignals = mb
		}
	}
	if limit := os.Getenv("MERCATOR_ENGINE_TRANSIENT_ERROR_LIMIT"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			config.Engine.TransientErrorLimit = l
		}
	}
	if pollInterval := os.Getenv("MERCATOR_ENGINE_POLL_INTERVAL"); pollInterval != "" {
		if _, err := time.ParseDuration(pollInterval); err == nil {
			config.Engine.PollInterval = pollInterval
		}
	}
	if queueSize := os.Getenv("MERCATOR_ENGINE_EVENT_QUEUE_SIZE"); queueSize != "" {
		if qs, err := strconv.Atoi(queueSize); err == nil && qs > 0 {
			config.Engine.EventQueueSize = qs
		}
	}

	// Backtest configuration
	if capital := os.Getenv("MERCATOR_BACKTEST_STARTING_CAPITAL"); capital != "" {
		if c, err := strconv.ParseFloat(capital, 64); err == nil && c > 0 {
			config.Backtest.StartingCapital = c
		}
	}
	if commission := os.Getenv("MERCATOR_BACKTEST_COMMISSION"); commission != "" {
		if c, err := strconv.ParseFloat(commission, 64); err == nil && c >= 0 {
			config.Backtest.Commission = c
		}
	}

	// Logging configuration
	if level := os.Getenv("MERCATOR_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("MERCATOR_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("MERCATOR_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// WebSocket configuration
	if minLevel := os.Getenv("MERCATOR_WEBSOCKET_MIN_LEVEL"); minLevel != "" {
		config.WebSocket.MinLevel = minLevel
	}
	if allowedEvents := os.Getenv("MERCATOR_WEBSOCKET_ALLOWED_EVENTS"); allowedEvents != "" {
		events := []string{}
		for _, e := range strings.Split(allowedEvents, ",") {
			if trimmed := strings.TrimSpace(e); trimmed != "" {
				events = append(events, trimmed)
			}
		}
		if len(events) > 0 {
			config.WebSocket.AllowedEvents = events
		}
	}
	if dataThrottle := os.Getenv("MERCATOR_WEBSOCKET_THROTTLE_DATA_UPDATE"); dataThrottle != "" {
		if _, err := time.ParseDuration(dataThrottle); err == nil {
			if config.WebSocket.ThrottleIntervals == nil {
				config.WebSocket.ThrottleIntervals = make(map[string]string)
			}
			config.WebSocket.ThrottleIntervals["instanceDataUpdate"] = dataThrottle
		}
	}

	// Scheduler configuration
	if enabled := os.Getenv("MERCATOR_SCHEDULER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = e
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string, dataDir string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
	if dataDir != "" {
		config.Data.Dir = dataDir
	}
}

// Validate enforces the fail-fast startup contract: the bind address must be
// local and the data directory must exist or be creatable.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	if !isLocalHost(c.Server.Host) {
		return fmt.Errorf("bind address %q is not local; the control API must not be exposed", c.Server.Host)
	}

	if c.Data.Dir == "" {
		return fmt.Errorf("data directory is not configured")
	}
	if err := os.MkdirAll(c.Data.Dir, 0o755); err != nil {
		return fmt.Errorf("data directory %s is not usable: %w", c.Data.Dir, err)
	}

	return nil
}

// isLocalHost reports whether host resolves to a loopback address.
func isLocalHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1", "":
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// PollDuration parses the state poller interval, falling back to one second.
func (c *EngineConfig) PollDuration() time.Duration {
	if d, err := time.ParseDuration(c.PollInterval); err == nil && d > 0 {
		return d
	}
	return time.Second
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
