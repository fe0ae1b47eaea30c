package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ConfigFile is the JSON file Load looks for in the config directory.
const ConfigFile = "lapsync.cfg.json"

// PlaybackConfig holds per-stream controller settings
type PlaybackConfig struct {
	NearEndThreshold time.Duration `json:"nearEndThreshold" mapstructure:"nearEndThreshold"`
	DefaultFrameRate float64       `json:"defaultFrameRate" mapstructure:"defaultFrameRate"`
}

// LapConfig holds lap marker settings
type LapConfig struct {
	MarkTolerance time.Duration `json:"markTolerance" mapstructure:"markTolerance"`
}

// SyncConfig holds comparison synchronizer settings
type SyncConfig struct {
	DriftTolerance time.Duration `json:"driftTolerance" mapstructure:"driftTolerance"`
	TickInterval   time.Duration `json:"tickInterval" mapstructure:"tickInterval"`
	MaxStreams     int           `json:"maxStreams" mapstructure:"maxStreams"`
}

// MemoryConfig holds in-memory/JSON storage backend settings
type MemoryConfig struct {
	OutputDir      string `json:"outputDir" mapstructure:"outputDir"`
	CompressOutput bool   `json:"compressOutput" mapstructure:"compressOutput"`
}

// SQLiteConfig holds SQLite storage backend settings
type SQLiteConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// DBConfig holds server database settings for the postgres and mysql backends
type DBConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// StorageConfig selects and configures the report storage backend
type StorageConfig struct {
	Type   string       `json:"type" mapstructure:"type"`
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`
	SQLite SQLiteConfig `json:"sqlite" mapstructure:"sqlite"`
	DB     DBConfig     `json:"db" mapstructure:"db"`
}

// InfluxConfig holds drift telemetry settings
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`
}

// URL returns the server URL built from protocol, host and port.
func (c InfluxConfig) URL() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.Host, c.Port)
}

// OTelConfig holds OpenTelemetry log export settings
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// Load reads configuration and sets default values.
// configDir is the directory containing lapsync.cfg.json and an optional .env file.
// A missing config file leaves the defaults and environment in effect.
func Load(configDir string) error {
	// Set default values
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./lapsynclogs")

	viper.SetDefault("playback.nearEndThreshold", "500ms")
	viper.SetDefault("playback.defaultFrameRate", 30.0)
	viper.SetDefault("laps.markTolerance", "10ms")
	viper.SetDefault("sync.driftTolerance", "80ms")
	viper.SetDefault("sync.tickInterval", "33ms")
	viper.SetDefault("sync.maxStreams", 4)

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.memory.outputDir", "./reports")
	viper.SetDefault("storage.memory.compressOutput", false)
	viper.SetDefault("storage.sqlite.path", "./reports/lapsync.db")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "lapsync")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "lapsync")
	viper.SetDefault("influx.bucket", "lapsync")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "lapsync")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	// .env never overrides variables already set in the environment
	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error reading .env file: %v", err)
	}

	viper.SetEnvPrefix("LAPSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigFile(filepath.Join(configDir, ConfigFile))
	viper.SetConfigType("json")

	if _, err := os.Stat(filepath.Join(configDir, ConfigFile)); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}

// GetPlaybackConfig returns the playback controller settings.
func GetPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		NearEndThreshold: viper.GetDuration("playback.nearEndThreshold"),
		DefaultFrameRate: viper.GetFloat64("playback.defaultFrameRate"),
	}
}

// GetLapConfig returns the lap marker settings.
func GetLapConfig() LapConfig {
	return LapConfig{
		MarkTolerance: viper.GetDuration("laps.markTolerance"),
	}
}

// GetSyncConfig returns the synchronizer settings.
func GetSyncConfig() SyncConfig {
	return SyncConfig{
		DriftTolerance: viper.GetDuration("sync.driftTolerance"),
		TickInterval:   viper.GetDuration("sync.tickInterval"),
		MaxStreams:     viper.GetInt("sync.maxStreams"),
	}
}

// GetStorageConfig returns the report storage settings.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		Memory: MemoryConfig{
			OutputDir:      viper.GetString("storage.memory.outputDir"),
			CompressOutput: viper.GetBool("storage.memory.compressOutput"),
		},
		SQLite: SQLiteConfig{
			Path: viper.GetString("storage.sqlite.path"),
		},
		DB: DBConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetString("db.port"),
			Username: viper.GetString("db.username"),
			Password: viper.GetString("db.password"),
			Database: viper.GetString("db.database"),
		},
	}
}

// GetInfluxConfig returns the drift telemetry settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Protocol: viper.GetString("influx.protocol"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}
