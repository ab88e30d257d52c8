package main

import (
	"fmt"
	"os"

	"github.com/okserver/okserver/internal/version"
	config "github.com/okserver/okserver/pkg/core/config"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// setting ties a config key to its flag and environment variable.
type setting struct {
	key  string
	flag string
	env  string
}

var settings = []setting{
	{key: "listenIp", flag: "listen-ip", env: "LISTEN_IP"},
	{key: "listenPort", flag: "listen-port", env: "LISTEN_PORT"},
	{key: "loggingEnabled", flag: "logging-enabled", env: "LOGGING_ENABLED"},
	{key: "logHeaders", flag: "log-headers", env: "LOG_HEADERS"},
	{key: "exclude", flag: "exclude", env: "EXCLUDE"},
	{key: "readTimeout", flag: "read-timeout", env: "READ_TIMEOUT"},
	{key: "writeTimeout", flag: "write-timeout", env: "WRITE_TIMEOUT"},
	{key: "shutdownTimeout", flag: "shutdown-timeout", env: "SHUTDOWN_TIMEOUT"},
	{key: "maxConnections", flag: "max-connections", env: "MAX_CONNECTIONS"},
	{key: "maxRequestLineBytes", flag: "max-request-line-bytes", env: "MAX_REQUEST_LINE_BYTES"},
	{key: "metricsEnabled", flag: "metrics-enabled", env: "METRICS_ENABLED"},
	{key: "metricsListen", flag: "metrics-listen", env: "METRICS_LISTEN"},
}

var defaults = map[string]interface{}{
	"listenIp":            config.DefaultListenIP,
	"listenPort":          config.DefaultListenPort,
	"loggingEnabled":      true,
	"logHeaders":          true,
	"exclude":             "",
	"readTimeout":         config.DefaultReadTimeout,
	"writeTimeout":        config.DefaultWriteTimeout,
	"shutdownTimeout":     config.DefaultShutdownTimeout,
	"maxConnections":      config.DefaultMaxConnections,
	"maxRequestLineBytes": config.DefaultMaxRequestLineBytes,
	"metricsEnabled":      false,
	"metricsListen":       config.DefaultMetricsListen,
}

type flagVars struct {
	configFile          string
	showVersion         bool
	listenIP            string
	listenPort          string
	loggingEnabled      bool
	logHeaders          bool
	exclude             string
	readTimeout         int
	writeTimeout        int
	shutdownTimeout     int
	maxConnections      int
	maxRequestLineBytes int
	metricsEnabled      bool
	metricsListen       string
}

func setupFlags(fs *flag.FlagSet, name string) *flagVars {
	fv := &flagVars{}

	fs.StringVar(&fv.configFile, "config", "", "Path to a YAML config file")
	fs.BoolVar(&fv.showVersion, "version", false, "Print version information and exit")
	fs.StringVar(&fv.listenIP, "listen-ip", config.DefaultListenIP, "IP address to listen on")
	fs.StringVar(&fv.listenPort, "listen-port", config.DefaultListenPort, "Port to listen on")
	fs.BoolVar(&fv.loggingEnabled, "logging-enabled", true, "Log every served connection")
	fs.BoolVar(&fv.logHeaders, "log-headers", true, "Include request headers in connection logs")
	fs.StringVar(&fv.exclude, "exclude", "", "Regex pattern on the request target to exclude from logging")
	fs.IntVar(&fv.readTimeout, "read-timeout", config.DefaultReadTimeout, "Read timeout in seconds, 0 disables it")
	fs.IntVar(&fv.writeTimeout, "write-timeout", config.DefaultWriteTimeout, "Write timeout in seconds, 0 disables it")
	fs.IntVar(&fv.shutdownTimeout, "shutdown-timeout", config.DefaultShutdownTimeout, "Seconds to wait for open connections on shutdown, 0 waits indefinitely")
	fs.IntVar(&fv.maxConnections, "max-connections", config.DefaultMaxConnections, "Connections handled concurrently, 0 for no limit")
	fs.IntVar(&fv.maxRequestLineBytes, "max-request-line-bytes", config.DefaultMaxRequestLineBytes, "Bytes read while looking for the end of the request line, 0 for no limit")
	fs.BoolVar(&fv.metricsEnabled, "metrics-enabled", false, "Expose Prometheus metrics")
	fs.StringVar(&fv.metricsListen, "metrics-listen", config.DefaultMetricsListen, "Address of the metrics listener")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\nUsage of %s:\n", version.Info(), name)
		fs.PrintDefaults()
	}

	return fv
}

// DefaultConfigLoader reads flags, environment and config.yaml, in that order
// of precedence, on top of the built-in defaults.
type DefaultConfigLoader struct{}

// Load implements ConfigLoader.
func (l *DefaultConfigLoader) Load(args []string) (*config.TranslatedConfig, error) {
	name := "okserver"
	if len(args) > 0 {
		name, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fv := setupFlags(fs, name)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fv.showVersion {
		return nil, ErrVersionRequested
	}

	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for _, s := range settings {
		v.BindEnv(s.key, s.env) //nolint:errcheck
		if err := v.BindPFlag(s.key, fs.Lookup(s.flag)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", s.flag, err)
		}
	}

	if fv.configFile != "" {
		v.SetConfigFile(fv.configFile)
	} else {
		setupConfigPaths(v)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg config.SourceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.PrintConfig()

	if configFile := v.ConfigFileUsed(); configFile != "" {
		fmt.Printf("Config File: %s\n", configFile)
	}

	translatedConfig, err := cfg.NewTranslatedConfiguration()
	if err != nil {
		return nil, fmt.Errorf("failed to translate configuration: %w", err)
	}

	return translatedConfig, nil
}

func setupConfigPaths(v *viper.Viper) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("/etc/okserver")
	if homeDir, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(homeDir + "/.okserver")
	}
	v.AddConfigPath(".")
}
