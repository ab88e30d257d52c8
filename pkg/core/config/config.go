package core_config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	DefaultListenIP            = "127.0.0.1"
	DefaultListenPort          = "4221"
	DefaultReadTimeout         = 5
	DefaultWriteTimeout        = 10
	DefaultShutdownTimeout     = 5
	DefaultMaxConnections      = 64
	DefaultMaxRequestLineBytes = 8192
	DefaultMetricsListen       = "127.0.0.1:9421"
)

// SourceConfig holds the raw core configuration
type SourceConfig struct {
	ListenIP            string `yaml:"listenIp"`
	ListenPort          string `yaml:"listenPort"`
	LoggingEnabled      bool   `yaml:"loggingEnabled"`
	LogHeaders          bool   `yaml:"logHeaders"`
	Exclude             string `yaml:"exclude"`
	ReadTimeout         int    `yaml:"readTimeout"`
	WriteTimeout        int    `yaml:"writeTimeout"`
	ShutdownTimeout     int    `yaml:"shutdownTimeout"`
	MaxConnections      int    `yaml:"maxConnections"`
	MaxRequestLineBytes int    `yaml:"maxRequestLineBytes"`
	MetricsEnabled      bool   `yaml:"metricsEnabled"`
	MetricsListen       string `yaml:"metricsListen"`
}

// TranslatedConfig holds the compiled core configuration
type TranslatedConfig struct {
	ListenIP            string
	ListenPort          string
	LoggingEnabled      bool
	LogHeaders          bool
	ExcludeRegexp       *regexp.Regexp
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ShutdownTimeout     time.Duration
	MaxConnections      int
	MaxRequestLineBytes int
	MetricsEnabled      bool
	MetricsListen       string
}

// NewTranslatedConfiguration validates the raw configuration and compiles it.
// A zero timeout or limit disables it, like a zero MaxConnections.
func (s *SourceConfig) NewTranslatedConfiguration() (*TranslatedConfig, error) {
	if s.ListenPort == "" {
		return nil, fmt.Errorf("no listen port given")
	}

	port, err := strconv.Atoi(s.ListenPort)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid listen port %q", s.ListenPort)
	}

	if s.ListenIP != "" && net.ParseIP(s.ListenIP) == nil {
		return nil, fmt.Errorf("invalid listen ip %q", s.ListenIP)
	}

	limits := []struct {
		name  string
		value int
	}{
		{"read timeout", s.ReadTimeout},
		{"write timeout", s.WriteTimeout},
		{"shutdown timeout", s.ShutdownTimeout},
		{"max connections", s.MaxConnections},
		{"max request line bytes", s.MaxRequestLineBytes},
	}
	for _, l := range limits {
		if l.value < 0 {
			return nil, fmt.Errorf("%s must not be negative, got %d", l.name, l.value)
		}
	}

	excludeRegexp, err := getExcludeRegexp(s.Exclude)
	if err != nil {
		return nil, err
	}

	if s.MetricsEnabled {
		if _, _, err := net.SplitHostPort(s.MetricsListen); err != nil {
			return nil, fmt.Errorf("invalid metrics listen address %q: %w", s.MetricsListen, err)
		}
	}

	return &TranslatedConfig{
		ListenIP:            s.ListenIP,
		ListenPort:          s.ListenPort,
		LoggingEnabled:      s.LoggingEnabled,
		LogHeaders:          s.LogHeaders,
		ExcludeRegexp:       excludeRegexp,
		ReadTimeout:         time.Duration(s.ReadTimeout) * time.Second,
		WriteTimeout:        time.Duration(s.WriteTimeout) * time.Second,
		ShutdownTimeout:     time.Duration(s.ShutdownTimeout) * time.Second,
		MaxConnections:      s.MaxConnections,
		MaxRequestLineBytes: s.MaxRequestLineBytes,
		MetricsEnabled:      s.MetricsEnabled,
		MetricsListen:       s.MetricsListen,
	}, nil
}

// ListenAddress joins ip and port into a dialable address.
func (c *TranslatedConfig) ListenAddress() string {
	return net.JoinHostPort(c.ListenIP, c.ListenPort)
}

func getExcludeRegexp(exclude string) (*regexp.Regexp, error) {
	regex, err := regexp.Compile(exclude)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}

	return regex, nil
}

// PrintConfig prints the effective configuration as YAML
func (s *SourceConfig) PrintConfig() {
	fmt.Println("YAML configuration:")
	yamlString, _ := yaml.Marshal(s)
	fmt.Printf("%s\n", string(yamlString))
}
