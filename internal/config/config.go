// Package config provides configuration management for go-soundfield
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Authority   AuthorityConfig   `mapstructure:"authority"`
	Audio       AudioConfig       `mapstructure:"audio"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Mock        MockConfig        `mapstructure:"mock"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// AuthorityConfig configures the session authority connection
type AuthorityConfig struct {
	URL              string        `mapstructure:"url"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// AudioConfig configures microphone capture and loudness metering
type AudioConfig struct {
	CaptureCmd      string        `mapstructure:"capture_cmd"`
	Device          string        `mapstructure:"device"`
	SampleRate      int           `mapstructure:"sample_rate"`
	FFTSize         int           `mapstructure:"fft_size"`
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	Smoothing       float64       `mapstructure:"smoothing"`
	MinDecibels     float64       `mapstructure:"min_decibels"`
	MaxDecibels     float64       `mapstructure:"max_decibels"`
	USBVendorID     uint16        `mapstructure:"usb_vendor_id"`
	USBProductID    uint16        `mapstructure:"usb_product_id"`
	DeriveWeighting bool          `mapstructure:"derive_weighting"`
}

// CalibrationConfig configures measurement windows and field rendering
type CalibrationConfig struct {
	MeasurementWindow time.Duration `mapstructure:"measurement_window"`
	MaxCoord          float64       `mapstructure:"max_coord"`
	IDWPower          float64       `mapstructure:"idw_power"`
	CanvasSize        int           `mapstructure:"canvas_size"`
	MaxPoints         int           `mapstructure:"max_points"`
}

// NotifyConfig configures calibration report delivery
type NotifyConfig struct {
	WebhookURL string      `mapstructure:"webhook_url"`
	LogPath    string      `mapstructure:"log_path"`
	Email      EmailConfig `mapstructure:"email"`
}

// EmailConfig configures SMTP delivery
type EmailConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	FromName   string `mapstructure:"from_name"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Recipients string `mapstructure:"recipients"`
}

// MockConfig configures the in-process authority and synthetic microphone
// used with -mock
type MockConfig struct {
	Rooms         []RoomConfig `mapstructure:"rooms"`
	ToneFrequency float64      `mapstructure:"tone_frequency"`
}

// RoomConfig assigns speakers to a room
type RoomConfig struct {
	ID       string   `mapstructure:"id"`
	Speakers []string `mapstructure:"speakers"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9010,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
		},
		Authority: AuthorityConfig{
			URL:              "ws://localhost:5000/ws/soundfield",
			ReconnectBackoff: 1 * time.Second,
			MaxBackoff:       30 * time.Second,
			PingInterval:     10 * time.Second,
			WriteTimeout:     5 * time.Second,
			RequestTimeout:   5 * time.Second,
		},
		Audio: AudioConfig{
			CaptureCmd:   "arecord",
			Device:       "default",
			SampleRate:   48000,
			FFTSize:      512,
			TickInterval: 50 * time.Millisecond,
			Smoothing:    0.8,
			MinDecibels:  -100,
			MaxDecibels:  -30,
		},
		Calibration: CalibrationConfig{
			MeasurementWindow: 5 * time.Second,
			MaxCoord:          640,
			IDWPower:          1.5,
			CanvasSize:        250,
			MaxPoints:         256,
		},
		Notify: NotifyConfig{
			Email: EmailConfig{
				Port: 587,
			},
		},
		Mock: MockConfig{
			Rooms: []RoomConfig{
				{ID: "living", Speakers: []string{"front", "rear"}},
			},
			ToneFrequency: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			// Missing file is fine, defaults apply
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				fmt.Printf("Warning: config file not found at %s, using defaults\n", path)
			}
		}
	}

	v.SetEnvPrefix("SOUNDFIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.graceful_timeout", "5s")

	v.SetDefault("authority.url", d.Authority.URL)
	v.SetDefault("authority.reconnect_backoff", "1s")
	v.SetDefault("authority.max_backoff", "30s")
	v.SetDefault("authority.ping_interval", "10s")
	v.SetDefault("authority.write_timeout", "5s")
	v.SetDefault("authority.request_timeout", "5s")

	v.SetDefault("audio.capture_cmd", d.Audio.CaptureCmd)
	v.SetDefault("audio.device", d.Audio.Device)
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.fft_size", d.Audio.FFTSize)
	v.SetDefault("audio.tick_interval", "50ms")
	v.SetDefault("audio.smoothing", d.Audio.Smoothing)
	v.SetDefault("audio.min_decibels", d.Audio.MinDecibels)
	v.SetDefault("audio.max_decibels", d.Audio.MaxDecibels)
	v.SetDefault("audio.usb_vendor_id", 0)
	v.SetDefault("audio.usb_product_id", 0)
	v.SetDefault("audio.derive_weighting", false)

	v.SetDefault("calibration.measurement_window", "5s")
	v.SetDefault("calibration.max_coord", d.Calibration.MaxCoord)
	v.SetDefault("calibration.idw_power", d.Calibration.IDWPower)
	v.SetDefault("calibration.canvas_size", d.Calibration.CanvasSize)
	v.SetDefault("calibration.max_points", d.Calibration.MaxPoints)

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.log_path", "")
	v.SetDefault("notify.email.host", "")
	v.SetDefault("notify.email.port", d.Notify.Email.Port)
	v.SetDefault("notify.email.from_name", "")
	v.SetDefault("notify.email.username", "")
	v.SetDefault("notify.email.password", "")
	v.SetDefault("notify.email.recipients", "")

	rooms := make([]map[string]any, 0, len(d.Mock.Rooms))
	for _, r := range d.Mock.Rooms {
		rooms = append(rooms, map[string]any{"id": r.ID, "speakers": r.Speakers})
	}
	v.SetDefault("mock.rooms", rooms)
	v.SetDefault("mock.tone_frequency", d.Mock.ToneFrequency)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if !validFFTSize(c.Audio.FFTSize) {
		return fmt.Errorf("fft_size must be a power of two between 32 and 32768, got %d", c.Audio.FFTSize)
	}

	if c.Audio.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %v", c.Audio.TickInterval)
	}

	if c.Audio.Smoothing < 0 || c.Audio.Smoothing >= 1 {
		return fmt.Errorf("smoothing must be in [0, 1), got %f", c.Audio.Smoothing)
	}

	if c.Audio.MinDecibels >= c.Audio.MaxDecibels {
		return fmt.Errorf("min_decibels (%f) must be below max_decibels (%f)", c.Audio.MinDecibels, c.Audio.MaxDecibels)
	}

	if c.Calibration.MeasurementWindow < c.Audio.TickInterval {
		return fmt.Errorf("measurement_window %v is shorter than tick_interval %v",
			c.Calibration.MeasurementWindow, c.Audio.TickInterval)
	}

	if c.Calibration.IDWPower <= 0 {
		return fmt.Errorf("idw_power must be positive, got %f", c.Calibration.IDWPower)
	}

	if c.Calibration.MaxCoord <= 0 {
		return fmt.Errorf("max_coord must be positive, got %f", c.Calibration.MaxCoord)
	}

	if c.Calibration.CanvasSize < 1 {
		return fmt.Errorf("canvas_size must be at least 1, got %d", c.Calibration.CanvasSize)
	}

	for i, r := range c.Mock.Rooms {
		if r.ID == "" {
			return fmt.Errorf("mock room %d has no id", i)
		}
	}

	return nil
}

// HasWebhook reports whether a report webhook is configured
func (n NotifyConfig) HasWebhook() bool {
	return strings.TrimSpace(n.WebhookURL) != ""
}

// HasEmail reports whether SMTP delivery is configured
func (n NotifyConfig) HasEmail() bool {
	return n.Email.Host != "" && n.Email.Username != "" && n.Email.Recipients != ""
}

// HasLogPath reports whether a report log file is configured
func (n NotifyConfig) HasLogPath() bool {
	return strings.TrimSpace(n.LogPath) != ""
}

func validFFTSize(n int) bool {
	return n >= 32 && n <= 32768 && n&(n-1) == 0
}
