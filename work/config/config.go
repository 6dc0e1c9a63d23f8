package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"hlspoll/work/logger"
	"hlspoll/work/utils"
)

// Config holds all application configuration values for the polling daemon:
// the HTTP fetcher settings, the polling defaults, and the list of playlist
// URLs to follow.
type Config struct {
	ListenAddr      string           // Address for the metrics/status HTTP server
	WorkerThreads   int              // Size of the polling worker pool
	LogLevel        string           // Minimum log level (DEBUG, INFO, WARN, ERROR)
	ObfuscateUrls   bool             // Obfuscate playlist URLs in logs
	UserAgent       string           // User-Agent header for upstream requests
	RateLimit       int              // Upstream requests per second, 0 for unlimited
	FetchTimeout    time.Duration    // Default per-request deadline
	MaxStallTime    time.Duration    // Default stall bound per update pull
	LowLatency      bool             // Default LL-HLS mode for playlists
	RejectThreshold int              // Consecutive rewinds refused before acceptance
	Playlists       []PlaylistConfig // Playlists to poll
}

// PlaylistConfig configures one polled playlist. Zero values inherit the
// top-level defaults.
type PlaylistConfig struct {
	Name         string          // Descriptive name used in logs and status output
	URL          string          // Absolute playlist URL
	LowLatency   *bool           // Override of the global LL-HLS mode
	MaxStallTime time.Duration   // Override of the global stall bound
	Extensions   map[string]bool // Custom tags to preserve; true marks segment-local tags
}

// LowLatencyEnabled resolves the playlist's LL-HLS mode against def.
func (p *PlaylistConfig) LowLatencyEnabled(def bool) bool {
	if p.LowLatency != nil {
		return *p.LowLatency
	}
	return def
}

// StallTime resolves the playlist's stall bound against def.
func (p *PlaylistConfig) StallTime(def time.Duration) time.Duration {
	if p.MaxStallTime > 0 {
		return p.MaxStallTime
	}
	return def
}

// configFile is the JSON shape of Config. Durations are strings ("30s").
type configFile struct {
	ListenAddr      string             `json:"listenAddr"`
	WorkerThreads   int                `json:"workerThreads"`
	LogLevel        string             `json:"logLevel"`
	ObfuscateUrls   bool               `json:"obfuscateUrls"`
	UserAgent       string             `json:"userAgent"`
	RateLimit       int                `json:"rateLimit"`
	FetchTimeout    string             `json:"fetchTimeout"`
	MaxStallTime    string             `json:"maxStallTime"`
	LowLatency      bool               `json:"lowLatency"`
	RejectThreshold int                `json:"rejectThreshold"`
	Playlists       []playlistFile     `json:"playlists"`
}

type playlistFile struct {
	Name         string          `json:"name"`
	URL          string          `json:"url"`
	LowLatency   *bool           `json:"lowLatency,omitempty"`
	MaxStallTime string          `json:"maxStallTime,omitempty"`
	Extensions   map[string]bool `json:"extensions,omitempty"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Protects configCache
)

// LoadConfig loads the configuration from path or returns the cached
// instance. A missing or invalid file falls back to defaults so the daemon
// still starts, with the failure logged.
//
// Returns:
//   - *Config: fully validated configuration object
func LoadConfig(path string) *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	config, err := loadFromFile(path)
	if err != nil {
		logger.Warn("{config - LoadConfig} Failed to load %s, using defaults: %v", path, err)
		config = getDefaultConfig()
	}
	validateAndSetDefaults(config)
	configCache = config

	logger.SetLogLevel(config.LogLevel)
	logger.Debug("{config - LoadConfig} Loaded %d playlists", len(config.Playlists))
	for i := range config.Playlists {
		p := &config.Playlists[i]
		logger.Debug("{config - LoadConfig}   %s: %s (ll=%v, stall=%s)",
			p.Name, utils.LogURL(config.ObfuscateUrls, p.URL), p.LowLatencyEnabled(config.LowLatency), p.StallTime(config.MaxStallTime))
	}
	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return convertFromFile(&cf)
}

// convertFromFile converts the JSON shape to Config, parsing duration strings.
func convertFromFile(cf *configFile) (*Config, error) {
	config := &Config{
		ListenAddr:      cf.ListenAddr,
		WorkerThreads:   cf.WorkerThreads,
		LogLevel:        cf.LogLevel,
		ObfuscateUrls:   cf.ObfuscateUrls,
		UserAgent:       cf.UserAgent,
		RateLimit:       cf.RateLimit,
		LowLatency:      cf.LowLatency,
		RejectThreshold: cf.RejectThreshold,
	}

	var err error
	if cf.FetchTimeout != "" {
		if config.FetchTimeout, err = time.ParseDuration(cf.FetchTimeout); err != nil {
			return nil, fmt.Errorf("invalid fetchTimeout: %w", err)
		}
	}
	if cf.MaxStallTime != "" {
		if config.MaxStallTime, err = time.ParseDuration(cf.MaxStallTime); err != nil {
			return nil, fmt.Errorf("invalid maxStallTime: %w", err)
		}
	}

	config.Playlists = make([]PlaylistConfig, len(cf.Playlists))
	for i, pf := range cf.Playlists {
		p := &config.Playlists[i]
		p.Name = pf.Name
		p.URL = pf.URL
		p.LowLatency = pf.LowLatency
		p.Extensions = pf.Extensions
		if pf.MaxStallTime != "" {
			if p.MaxStallTime, err = time.ParseDuration(pf.MaxStallTime); err != nil {
				return nil, fmt.Errorf("invalid maxStallTime for playlist %s: %w", p.Name, err)
			}
		}
	}
	return config, nil
}

// getDefaultConfig returns a baseline configuration when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ListenAddr:    ":8080",
		WorkerThreads: 8,
		LogLevel:      "INFO",
		FetchTimeout:  30 * time.Second,
		MaxStallTime:  90 * time.Second,
		LowLatency:    true,
	}
}

// validateAndSetDefaults fills in defaults for missing or invalid values.
func validateAndSetDefaults(config *Config) {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 30 * time.Second
	}
	if config.MaxStallTime <= 0 {
		config.MaxStallTime = 90 * time.Second
	}
	if config.RejectThreshold <= 0 {
		config.RejectThreshold = 2
	}
	for i := range config.Playlists {
		p := &config.Playlists[i]
		if p.Name == "" {
			p.Name = fmt.Sprintf("Playlist_%d", i+1)
		}
	}
}

// CreateExampleConfig writes an example config file to path.
func CreateExampleConfig(path string) error {
	ll := true
	example := configFile{
		ListenAddr:      ":8080",
		WorkerThreads:   4,
		LogLevel:        "INFO",
		ObfuscateUrls:   true,
		UserAgent:       "hlspoll/1.0",
		RateLimit:       0,
		FetchTimeout:    "30s",
		MaxStallTime:    "90s",
		LowLatency:      true,
		RejectThreshold: 2,
		Playlists: []playlistFile{
			{
				Name:       "Primary Live Channel",
				URL:        "https://example.com/live/index.m3u8",
				LowLatency: &ll,
			},
			{
				Name:         "Local Encoder Output",
				URL:          "file:///var/hls/stream/index.m3u8",
				MaxStallTime: "30s",
				Extensions:   map[string]bool{"#EXT-X-CUSTOM-MARKER": true},
			},
		},
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the cache, forcing a reload on the next LoadConfig.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
