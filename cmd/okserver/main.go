package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/okserver/okserver/internal/version"
	"github.com/okserver/okserver/internal/zapwriter"
	"github.com/okserver/okserver/pkg/core"
	config "github.com/okserver/okserver/pkg/core/config"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

const farewell = "Goodbye!"

// ErrVersionRequested is returned by Load when --version was given.
var ErrVersionRequested = errors.New("version requested")

// ConfigLoader loads the effective configuration from args, env and files.
type ConfigLoader interface {
	Load(args []string) (*config.TranslatedConfig, error)
}

// LoggerFactory creates the process logger.
type LoggerFactory interface {
	CreateLogger() (*zap.Logger, error)
}

// App bundles the process dependencies so they can be replaced in tests.
type App struct {
	ConfigLoader  ConfigLoader
	LoggerFactory LoggerFactory
	Server        core.Server
	Writer        io.Writer
	Args          []string
	Context       context.Context
}

// NewApp returns an App wired with the default implementations.
func NewApp() *App {
	return &App{
		ConfigLoader:  &DefaultConfigLoader{},
		LoggerFactory: &DefaultLoggerFactory{},
		Writer:        os.Stdout,
		Args:          os.Args,
		Context:       context.Background(),
	}
}

// Run serves until SIGINT or SIGTERM and prints the farewell message.
func (a *App) Run() error {
	cfg, err := a.ConfigLoader.Load(a.Args)
	switch {
	case errors.Is(err, ErrVersionRequested):
		fmt.Fprintln(a.Writer, version.Info())
		return nil
	case errors.Is(err, flag.ErrHelp):
		return nil
	case err != nil:
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := a.LoggerFactory.CreateLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	parent := a.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	// A second interrupt during shutdown gets the default handler and kills the process.
	context.AfterFunc(ctx, stop)

	server := a.Server
	if server == nil {
		server = &core.DefaultServer{Logger: logger}
	}

	logger.Info("okserver started", version.Fields()...)

	w := zapwriter.Writer{Logger: logger, Config: cfg}
	runErr := core.Run(ctx, cfg, w, server, logger)

	if ctx.Err() != nil {
		fmt.Fprintln(a.Writer, farewell)
	}

	if runErr != nil {
		return fmt.Errorf("server failed: %w", runErr)
	}

	return nil
}

// DefaultLoggerFactory creates a zap production logger.
type DefaultLoggerFactory struct{}

// CreateLogger implements LoggerFactory.
func (f *DefaultLoggerFactory) CreateLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

func main() {
	if err := NewApp().Run(); err != nil {
		log.Fatalf("%v", err)
	}
}
