package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"socks-proxy/internal/application"
	"socks-proxy/internal/config"
	"socks-proxy/internal/infrastructure/epoll"
	"socks-proxy/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:           "socks-proxy",
	Short:         "Single-threaded SOCKS5 proxy with asynchronous DNS",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return err
		}
		return run(cfg)
	},
}

var (
	confPath    string
	listen      string
	dnsServer   string
	bufferSize  int
	dnsCacheTTL int
	logLevel    string
	logFormat   string
)

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&confPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	f.StringVarP(&listen, "listen", "l", config.DefaultListen, "IPv4 address and port to accept SOCKS5 clients on")
	f.StringVar(&dnsServer, "dns", "", "upstream DNS server (default: first IPv4 nameserver of resolv.conf)")
	f.IntVar(&bufferSize, "buffer-size", config.DefaultBufferSize, "per-direction relay buffer size in bytes")
	f.IntVar(&dnsCacheTTL, "dns-cache-ttl", config.DefaultCacheTTL, "maximum seconds a DNS answer is reused, negative disables the cache")
	f.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
}

// loadConfig reads the config file when present and lets explicitly set
// flags override it.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.LoadFromFile(confPath)
	if err != nil {
		if flags.Changed("config") || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}

	if flags.Changed("listen") {
		cfg.Listen_ = listen
	}
	if flags.Changed("dns") {
		cfg.DNS.Server_ = dnsServer
	}
	if flags.Changed("buffer-size") {
		cfg.BufferSize = bufferSize
	}
	if flags.Changed("dns-cache-ttl") {
		cfg.DNS.CacheTTL = dnsCacheTTL
	}
	if flags.Changed("log-level") {
		cfg.Log.Level_ = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	log := logger.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	log.Info("Initializing SOCKS5 Proxy...")

	eventLoop, err := epoll.New()
	if err != nil {
		log.Error("Failed to create event loop", "error", err)
		return err
	}
	defer eventLoop.Close()

	proxy, err := application.NewProxyService(eventLoop, log, cfg)
	if err != nil {
		log.Error("Failed to create proxy service", "error", err)
		return err
	}
	defer proxy.Close()

	log.Info("Proxy listening", "addr", proxy.Addr(), "dns", cfg.DNS.Server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proxy.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Proxy stopped unexpectedly", "error", err)
		return err
	}
	log.Info("Proxy stopped")
	return nil
}
