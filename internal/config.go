package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Library LibraryConfig     `yaml:"library"`
	SQLite  SQLiteConfig      `yaml:"sqlite"`
	Auth    AuthConfig        `yaml:"auth"`
	Viewer  ViewerConfig      `yaml:"viewer"`
	Export  ExportConfig      `yaml:"export"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Library.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Viewer.Validate(); err != nil {
		return err
	}
	return c.Export.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// LibraryConfig holds the path to the PDF library directory.
type LibraryConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the library configuration.
func (c *LibraryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SQLiteConfig holds SQLite annotation store configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// ViewerConfig tunes the per-session render pipeline.
type ViewerConfig struct {
	// CacheCap is the per-document raster cache capacity in entries.
	CacheCap int `yaml:"cache_cap"`
	// PreloadNeighbors renders the previous and next page ahead of
	// navigation.
	PreloadNeighbors bool `yaml:"preload_neighbors"`
	// RenderRetries is how many times a failed page render is retried
	// before giving up on the request.
	RenderRetries int `yaml:"render_retries"`
	// RetryDelay is the pause before re-rendering a failed page.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// WatchdogAfter aborts a render that produced nothing within the
	// window.
	WatchdogAfter time.Duration `yaml:"watchdog_after"`
	// PollInterval is the annotation reconciliation cadence while a
	// document is open.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Validate validates the viewer configuration.
func (c *ViewerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.CacheCap, validation.Required, validation.Min(1)),
		validation.Field(&c.RenderRetries, validation.Min(0)),
		validation.Field(&c.RetryDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.WatchdogAfter, validation.Min(time.Duration(0))),
		validation.Field(&c.PollInterval, validation.Min(time.Duration(0))),
	)
}

// ExportConfig tunes export artifacts and event delivery.
type ExportConfig struct {
	// SizeCap splits multi-page PDF exports into parts once a part
	// would exceed this many bytes. Zero keeps the built-in cap.
	SizeCap int64 `yaml:"size_cap"`
	// AnnotationThrottle is the minimum spacing between SSE
	// annotation.updated events per document.
	AnnotationThrottle time.Duration `yaml:"annotation_throttle"`
}

// Validate validates the export configuration.
func (c *ExportConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SizeCap, validation.Min(int64(0))),
		validation.Field(&c.AnnotationThrottle, validation.Min(time.Duration(0))),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Library: LibraryConfig{
			Path: "./library",
		},
		SQLite: SQLiteConfig{
			Path: "./quire.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Viewer: ViewerConfig{
			CacheCap:         24,
			PreloadNeighbors: true,
			RenderRetries:    2,
			RetryDelay:       150 * time.Millisecond,
			WatchdogAfter:    10 * time.Second,
			PollInterval:     3 * time.Second,
		},
		Export: ExportConfig{
			AnnotationThrottle: time.Second,
		},
	}
}
