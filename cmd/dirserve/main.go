package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"dirserve/internal/config"
	"dirserve/internal/httpserver"
	"dirserve/internal/logging"
	"dirserve/internal/metrics"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logging.Sync() }()
	log := logging.L()

	srv, err := httpserver.New(httpserver.Options{Config: cfg})
	if err != nil {
		log.Fatal("server init", zap.Error(err))
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		log.Fatal("listen", zap.Error(err))
	}
	if cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}

	sc := cfg.ServerConfig()
	log.Info(fmt.Sprintf("Server running at http://localhost:%d/", sc.Port))
	log.Info("Base directory at "+sc.RootDir,
		zap.Bool("upload", sc.AllowUpload),
		zap.Int("max_conns", cfg.MaxConns),
	)

	hs := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("serve", zap.Error(err))
	}
}

// loadConfig applies defaults, DIRSERVE_* env, the optional config file and
// finally any flags given explicitly, in that order.
func loadConfig(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("dirserve", flag.ContinueOnError)
	var (
		cfgPath     = fs.String("config", "", "path to config file (.json, .toml, .yaml)")
		port        = fs.Int("port", config.DefaultPort, "listen port")
		root        = fs.String("root", ".", "directory to serve")
		upload      = fs.Bool("upload", false, "allow multipart uploads into listed directories")
		stateDir    = fs.String("state", "", "state dir for staged uploads and thumbnails (default: <tmp>/dirserve)")
		maxConns    = fs.Int("max-conns", 0, "max concurrent connections (0 = unlimited)")
		cacheTTL    = fs.Duration("stat-cache-ttl", 0, "expire cached file metadata after this long (0 = never)")
		metricsAddr = fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
		logLevel    = fs.String("log-level", "info", "debug, info, warn, error")
		logFormat   = fs.String("log-format", "console", "console or json")
	)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: dirserve [flags] [root]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if fs.NArg() > 1 {
		return config.Config{}, errors.New("dirserve: at most one root directory may be given")
	}

	cfg := config.FromEnv(config.Default())
	if *cfgPath != "" {
		var err error
		if cfg, err = config.LoadFile(*cfgPath, cfg); err != nil {
			return config.Config{}, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "root":
			cfg.Root = *root
		case "upload":
			cfg.AllowUpload = *upload
		case "state":
			cfg.StateDir = *stateDir
		case "max-conns":
			cfg.MaxConns = *maxConns
		case "stat-cache-ttl":
			cfg.StatCacheTTL = config.Duration(*cacheTTL)
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})
	if fs.NArg() == 1 {
		cfg.Root = fs.Arg(0)
	}

	if err := cfg.Finalize(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
