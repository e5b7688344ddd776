package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/dispatchctl/internal/debugger"
	"github.com/danmuck/dispatchctl/internal/logging"
	"github.com/danmuck/dispatchctl/internal/observability"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "dispatchctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := resolveConfig(args)
	if err != nil {
		return err
	}
	logging.ConfigureRuntime()
	observability.InitLogger("dispatchctl")
	return debugger.NewServiceWithConfig(cfg).Run()
}

// resolveConfig layers defaults, the optional config file, then explicit flags.
func resolveConfig(args []string) (debugger.ServiceConfig, error) {
	var (
		configPath   string
		serverURL    string
		adminAddr    string
		pollInterval time.Duration
	)
	flags := pflag.NewFlagSet("dispatchctl", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	flags.StringVar(&serverURL, "server", "", "dispatch service base URL (overrides server_url)")
	flags.StringVar(&adminAddr, "admin", "", "admin API listen address (overrides admin_listen_addr)")
	flags.DurationVar(&pollInterval, "poll-interval", 0, "session poll interval (overrides poll_interval)")
	if err := flags.Parse(args); err != nil {
		return debugger.ServiceConfig{}, err
	}
	if rest := flags.Args(); len(rest) > 0 {
		return debugger.ServiceConfig{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg := debugger.DefaultServiceConfig()
	if path := strings.TrimSpace(configPath); path != "" {
		loaded, err := loadServiceConfig(path)
		if err != nil {
			return debugger.ServiceConfig{}, err
		}
		cfg = loaded
	}
	if flags.Changed("server") {
		cfg.Transport.ServerURL = strings.TrimSpace(serverURL)
	}
	if flags.Changed("admin") {
		cfg.AdminListenAddr = strings.TrimSpace(adminAddr)
	}
	if flags.Changed("poll-interval") {
		if pollInterval <= 0 {
			return debugger.ServiceConfig{}, fmt.Errorf("poll-interval must be positive, got %s", pollInterval)
		}
		cfg.Poll.Interval = pollInterval
	}
	return cfg, nil
}
