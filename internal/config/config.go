package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen         = ":3003"
	DefaultRequestTimeout = 15 * time.Second
	DefaultOverlayPath    = "assets/overlay.svg"
	DefaultMaxDimension   = 500
	DefaultMaxBodyBytes   = 32 << 20
	DefaultRedirectHost   = "tenor.com"
	DefaultFallbackBody   = "Nothing to see here. Send an image link from an allowed host.\n"
	DefaultUserAgent      = "gifrelay/1.0"

	// DefaultMaxDecodedPixels is the screen area times frame count one input
	// may decode to.
	DefaultMaxDecodedPixels = 1 << 27
)

// DefaultAllowedHosts are the origin CDN, the redirect-resolution page host
// and the media host that page points at.
var DefaultAllowedHosts = []string{"cdn.discordapp.com", "tenor.com", "media.tenor.com"}

type Config struct {
	Listen           string        `yaml:"listen"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	OverlayPath      string        `yaml:"overlay_path"`
	AllowedHosts     []string      `yaml:"allowed_hosts"`
	RedirectHost     string        `yaml:"redirect_host"`
	MaxDimension     int           `yaml:"max_dimension"`
	Workers          int           `yaml:"workers"`
	MaxInFlight      int           `yaml:"max_in_flight"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
	MaxDecodedPixels int64         `yaml:"max_decoded_pixels"`
	StrictStatus     bool          `yaml:"strict_status"`
	FallbackBody     string        `yaml:"fallback_body"`
	ShowStats        bool          `yaml:"show_stats"`
	UserAgent        string        `yaml:"user_agent"`
	BuildVersion     string        `yaml:"-"`
}

// Default returns the configuration the relay runs with when no file is given.
// Workers stays 0 and is resolved from the host CPU count at startup.
func Default() *Config {
	return &Config{
		Listen:           DefaultListen,
		RequestTimeout:   DefaultRequestTimeout,
		OverlayPath:      DefaultOverlayPath,
		AllowedHosts:     append([]string(nil), DefaultAllowedHosts...),
		RedirectHost:     DefaultRedirectHost,
		MaxDimension:     DefaultMaxDimension,
		MaxBodyBytes:     DefaultMaxBodyBytes,
		MaxDecodedPixels: DefaultMaxDecodedPixels,
		FallbackBody:     DefaultFallbackBody,
		UserAgent:        DefaultUserAgent,
	}
}

// Load reads a YAML file on top of Default. Unknown keys are an error so that
// typos do not silently fall back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.OverlayPath == "" {
		return errors.New("overlay_path is empty")
	}
	if len(c.AllowedHosts) == 0 {
		return errors.New("allowed_hosts is empty")
	}
	if c.RedirectHost != "" && !contains(c.AllowedHosts, c.RedirectHost) {
		return fmt.Errorf("redirect_host %q is not in allowed_hosts", c.RedirectHost)
	}
	if c.MaxDimension <= 0 {
		return fmt.Errorf("max_dimension must be positive, got %d", c.MaxDimension)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("max_in_flight must not be negative, got %d", c.MaxInFlight)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive, got %d", c.MaxBodyBytes)
	}
	if c.MaxDecodedPixels <= 0 {
		return fmt.Errorf("max_decoded_pixels must be positive, got %d", c.MaxDecodedPixels)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
