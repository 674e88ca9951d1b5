// Command pwngate serves the pwn0gotchi terminal gateway: browser clients
// connect over a websocket and drive an SSH shell or a serial device.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/sarwaaaar/pwn0gotchi/pkg/gateway"
)

const shutdownGrace = 10 * time.Second

type options struct {
	configPath string
	envFile    string
	listen     string
	logLevel   string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("pwngate", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pwngate [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to configuration file (defaults apply when empty)")
	fs.StringVar(&opts.envFile, "env", ".env", "path to .env file (ignored if missing)")
	fs.StringVar(&opts.listen, "listen", "", "listen address, overrides the config file")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level, overrides the config file")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// loadConfig resolves the effective configuration: file (or defaults), then
// flag overrides, then validation.
func loadConfig(opts options) (gateway.Config, error) {
	cfg := gateway.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = gateway.LoadConfig(opts.configPath); err != nil {
			return gateway.Config{}, err
		}
	}
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return gateway.Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := loadDotEnv(opts.envFile); err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	log, logCloser := newLogger(cfg.Log, gateway.ParseLevel(cfg.Log.Level))
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	openers, err := cfg.Openers(log)
	if err != nil {
		return err
	}
	g, err := gateway.New(cfg, openers, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	go g.RunHealth(ctx)

	sub := g.Events().Subscribe(eventBuffer)
	defer g.Events().Unsubscribe(sub)
	go logEvents(ctx, sub, log)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", cfg.Listen, "path", cfg.Path, "tls", cfg.TLS.Enabled())
		if cfg.TLS.Enabled() {
			serveErr <- srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serveErr <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer scancel()

	// Websocket connections are hijacked, so the gateway drains them before
	// the HTTP server stops.
	if err := g.Shutdown(sctx); err != nil {
		log.Warn("gateway shutdown incomplete", "error", err)
	}
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
