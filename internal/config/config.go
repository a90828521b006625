package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Geometry   GeometryConfig   `json:"geometry"`
	Quality    QualityConfig    `json:"quality"`
	Processing ProcessingConfig `json:"processing"`
	Offline    OfflineConfig    `json:"offline"`
	Upload     UploadConfig     `json:"upload"`
	Recognizer RecognizerConfig `json:"recognizer"`
	Server     ServerConfig     `json:"server"`
	LogDir     string           `json:"log_dir"`
}

// GeometryConfig selects how the capture rectangle is derived
type GeometryConfig struct {
	Strategy          string  `json:"strategy"` // full_frame|center_crop|guide_relative|manual_zoom
	FitMode           string  `json:"fit_mode"` // contain|cover
	SafetyMargin      float64 `json:"safety_margin"`
	CenterFraction    float64 `json:"center_fraction"`
	DefaultZoom       float64 `json:"default_zoom"`
	RotateForPortrait bool    `json:"rotate_for_portrait"`
}

// QualityConfig holds the advisory quality thresholds
type QualityConfig struct {
	MinResolution    int     `json:"min_resolution"`
	MinBrightness    float64 `json:"min_brightness"`
	MaxBrightness    float64 `json:"max_brightness"`
	MinSharpness     float64 `json:"min_sharpness"`
	BrightnessStride int     `json:"brightness_stride"`
	SharpnessStride  int     `json:"sharpness_stride"`
	IntervalMs       int     `json:"interval_ms"`
}

// ProcessingConfig holds output encoding settings
type ProcessingConfig struct {
	MaxWidth    int    `json:"max_width"`
	Format      string `json:"format"`
	Quality     int    `json:"quality"`
	MinFileSize int    `json:"min_file_size"`
}

// OfflineConfig selects the durable queue backend
type OfflineConfig struct {
	Backend    string `json:"backend"` // file|sqlite
	Path       string `json:"path"`
	StorageKey string `json:"storage_key"`
	ExportDir  string `json:"export_dir"`
}

// UploadConfig points at the upload proxy
type UploadConfig struct {
	ProxyURL       string `json:"proxy_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RecognizerConfig selects the text recognition backend
type RecognizerConfig struct {
	Backend string `json:"backend"` // ollama|llamacpp
	URL     string `json:"url"`
	Model   string `json:"model"`
}

// ServerConfig holds the HTTP control surface settings
type ServerConfig struct {
	Addr string `json:"addr"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Geometry: GeometryConfig{
			Strategy:          "guide_relative",
			FitMode:           "cover",
			SafetyMargin:      0.1,
			CenterFraction:    0.8,
			DefaultZoom:       1.0,
			RotateForPortrait: true,
		},
		Quality: QualityConfig{
			MinResolution:    640,
			MinBrightness:    40,
			MaxBrightness:    250,
			MinSharpness:     10,
			BrightnessStride: 10,
			SharpnessStride:  5,
			IntervalMs:       500,
		},
		Processing: ProcessingConfig{
			MaxWidth:    1600,
			Format:      "jpg",
			Quality:     80,
			MinFileSize: 80 * 1024,
		},
		Offline: OfflineConfig{
			Backend:    "file",
			Path:       filepath.Join(".", "data", "offline_queue.json"),
			StorageKey: "offline_queue",
			ExportDir:  filepath.Join(".", "exports"),
		},
		Upload: UploadConfig{
			ProxyURL:       "",
			TimeoutSeconds: 30,
		},
		Recognizer: RecognizerConfig{
			Backend: "ollama",
			URL:     "http://localhost:11434",
			Model:   "openbmb/minicpm-v4.5",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		LogDir: "",
	}
}

// LoadFromFile loads configuration from a JSON file. Missing fields keep
// their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads the config file if it exists, then applies .env and process
// environment overrides.
func Load(filename string, envFiles ...string) (*Config, error) {
	config := Default()
	if filename != "" {
		loaded, err := LoadFromFile(filename)
		switch {
		case err == nil:
			config = loaded
		case errors.Is(err, fs.ErrNotExist):
			// defaults
		default:
			return nil, err
		}
	}

	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from FIELDCAPTURE_* environment variables
func (c *Config) ApplyEnv() {
	c.Upload.ProxyURL = getEnv("FIELDCAPTURE_PROXY_URL", c.Upload.ProxyURL)
	c.Upload.TimeoutSeconds = getEnvAsInt("FIELDCAPTURE_UPLOAD_TIMEOUT", c.Upload.TimeoutSeconds)
	c.Offline.Backend = getEnv("FIELDCAPTURE_OFFLINE_BACKEND", c.Offline.Backend)
	c.Offline.Path = getEnv("FIELDCAPTURE_OFFLINE_PATH", c.Offline.Path)
	c.Offline.ExportDir = getEnv("FIELDCAPTURE_EXPORT_DIR", c.Offline.ExportDir)
	c.Quality.MinResolution = getEnvAsInt("FIELDCAPTURE_MIN_RESOLUTION", c.Quality.MinResolution)
	c.Quality.MinBrightness = getEnvAsFloat("FIELDCAPTURE_MIN_BRIGHTNESS", c.Quality.MinBrightness)
	c.Quality.MaxBrightness = getEnvAsFloat("FIELDCAPTURE_MAX_BRIGHTNESS", c.Quality.MaxBrightness)
	c.Quality.MinSharpness = getEnvAsFloat("FIELDCAPTURE_MIN_SHARPNESS", c.Quality.MinSharpness)
	c.Geometry.Strategy = getEnv("FIELDCAPTURE_GEOMETRY_STRATEGY", c.Geometry.Strategy)
	c.Geometry.FitMode = getEnv("FIELDCAPTURE_FIT_MODE", c.Geometry.FitMode)
	c.Recognizer.Backend = getEnv("FIELDCAPTURE_RECOGNIZER", c.Recognizer.Backend)
	c.Recognizer.URL = getEnv("FIELDCAPTURE_RECOGNIZER_URL", c.Recognizer.URL)
	c.Recognizer.Model = getEnv("FIELDCAPTURE_RECOGNIZER_MODEL", c.Recognizer.Model)
	c.Server.Addr = getEnv("FIELDCAPTURE_ADDR", c.Server.Addr)
	c.LogDir = getEnv("FIELDCAPTURE_LOG_DIR", c.LogDir)
}

// UploadTimeout returns the upload timeout as a duration
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Upload.TimeoutSeconds) * time.Second
}

// QualityInterval returns the validation tick period
func (c *Config) QualityInterval() time.Duration {
	return time.Duration(c.Quality.IntervalMs) * time.Millisecond
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Geometry.Strategy {
	case "full_frame", "center_crop", "guide_relative", "manual_zoom":
	default:
		return fmt.Errorf("geometry.strategy %q is not supported", c.Geometry.Strategy)
	}

	if c.Geometry.FitMode != "contain" && c.Geometry.FitMode != "cover" {
		return fmt.Errorf("geometry.fit_mode must be contain or cover")
	}

	if c.Geometry.SafetyMargin < 0 || c.Geometry.SafetyMargin > 1 {
		return fmt.Errorf("geometry.safety_margin must be between 0 and 1")
	}

	if c.Geometry.CenterFraction <= 0 || c.Geometry.CenterFraction > 1 {
		return fmt.Errorf("geometry.center_fraction must be in (0, 1]")
	}

	if c.Quality.MinResolution < 1 {
		return fmt.Errorf("quality.min_resolution must be positive")
	}

	if c.Quality.MinBrightness < 0 || c.Quality.MaxBrightness > 255 || c.Quality.MinBrightness > c.Quality.MaxBrightness {
		return fmt.Errorf("quality brightness band must satisfy 0 <= min <= max <= 255")
	}

	if c.Quality.MinSharpness < 0 {
		return fmt.Errorf("quality.min_sharpness must not be negative")
	}

	if c.Quality.IntervalMs < 1 {
		return fmt.Errorf("quality.interval_ms must be positive")
	}

	if c.Processing.Quality < 1 || c.Processing.Quality > 100 {
		return fmt.Errorf("processing.quality must be between 1 and 100")
	}

	if c.Offline.Backend != "file" && c.Offline.Backend != "sqlite" {
		return fmt.Errorf("offline.backend must be file or sqlite")
	}

	if c.Offline.Path == "" {
		return fmt.Errorf("offline.path cannot be empty")
	}

	if c.Upload.TimeoutSeconds < 1 {
		return fmt.Errorf("upload.timeout_seconds must be positive")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "field-capture", "config.json")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
