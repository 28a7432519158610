package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultAPIBase         = "http://localhost:8000"
	DefaultMaxFileSize     = 20 * 1024 * 1024 // 20 MB
	DefaultRequestTimeout  = 120 * time.Second
	DefaultNoticeTTL       = 4 * time.Second
	DefaultSessionPageSize = 50

	// MaxSessionPageSize matches the backend's upper bound on ?limit.
	MaxSessionPageSize = 200

	EnvAPIBase = "INSIGHTCHAT_API_BASE"
)

// DefaultExtensions are the file types the backend knows how to handle.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".csv"}

// Config holds application configuration
type Config struct {
	APIBase   string `toml:"api_base"`
	SessionID string `toml:"session_id"`
	Debug     bool   `toml:"debug"`

	// Upload limits
	MaxFileSize       int64    `toml:"max_file_size"`
	AllowedExtensions []string `toml:"allowed_extensions"`

	RequestTimeout  Duration `toml:"request_timeout"`
	NoticeTTL       Duration `toml:"notice_ttl"`
	SessionPageSize int      `toml:"session_page_size"`

	DataDir    string `toml:"data_dir"`    // local snapshot database
	LogDir     string `toml:"log_dir"`     // rotated logs, traces and metrics
	PreviewDir string `toml:"preview_dir"` // temp copies of selected files
}

// Duration lets TOML files say "4s" or "2m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with every field set to its default.
func Default() Config {
	return Config{
		APIBase:           DefaultAPIBase,
		MaxFileSize:       DefaultMaxFileSize,
		AllowedExtensions: append([]string(nil), DefaultExtensions...),
		RequestTimeout:    Duration{DefaultRequestTimeout},
		NoticeTTL:         Duration{DefaultNoticeTTL},
		SessionPageSize:   DefaultSessionPageSize,
		DataDir:           ".",
		LogDir:            "logs",
		PreviewDir:        os.TempDir(),
	}
}

// LoadTOML overlays the values found in a TOML file onto cfg.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvAPIBase)); v != "" {
		c.APIBase = v
	}
}

// Validate normalizes the config and reports the first invalid field.
func (c *Config) Validate() error {
	c.APIBase = strings.TrimRight(strings.TrimSpace(c.APIBase), "/")
	u, err := url.Parse(c.APIBase)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid api base %q", c.APIBase)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max file size must be positive, got %d", c.MaxFileSize)
	}
	if c.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.NoticeTTL.Duration <= 0 {
		return fmt.Errorf("notice ttl must be positive, got %s", c.NoticeTTL)
	}

	exts := make([]string, 0, len(c.AllowedExtensions))
	for _, ext := range c.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	if len(exts) == 0 {
		return fmt.Errorf("at least one allowed extension is required")
	}
	c.AllowedExtensions = exts

	switch {
	case c.SessionPageSize < 1:
		c.SessionPageSize = 1
	case c.SessionPageSize > MaxSessionPageSize:
		c.SessionPageSize = MaxSessionPageSize
	}
	return nil
}
