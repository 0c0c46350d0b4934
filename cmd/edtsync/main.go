package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/alexis-rarchaert/edtversnotion/internal/config"
	"github.com/alexis-rarchaert/edtversnotion/internal/extract"
	"github.com/alexis-rarchaert/edtversnotion/internal/ics"
	appLog "github.com/alexis-rarchaert/edtversnotion/internal/log"
	"github.com/alexis-rarchaert/edtversnotion/internal/merge"
	"github.com/alexis-rarchaert/edtversnotion/internal/notion"
	"github.com/alexis-rarchaert/edtversnotion/internal/pipeline"
	"github.com/alexis-rarchaert/edtversnotion/internal/reconcile"
	"github.com/alexis-rarchaert/edtversnotion/internal/scheduler"
	"github.com/alexis-rarchaert/edtversnotion/internal/store"
	"github.com/alexis-rarchaert/edtversnotion/internal/web"
)

const version = "1.0.0"

type flagConfig struct {
	configPath string
	envPath    string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	// A missing .env is normal in production where the environment is set
	// by the service manager.
	if err := godotenv.Load(flags.envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		appLog.Warn("failed to load env file", "path", flags.envPath, "error", err.Error())
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	appLog.Info("edtsync starting", "version", version)

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	loc, _ := conf.Location()
	tolerance, _ := conf.Tolerance()

	appLog.Info("effective config",
		"timezone", loc.String(),
		"schedule", conf.Schedule,
		"window_days", conf.WindowDays,
		"merge_tolerance", tolerance,
		"locale", conf.Locale,
		"store", conf.Store,
		"feeds", len(conf.Feeds),
		"listen", conf.Listen,
		"once", flags.once,
	)

	recordStore, closeStore, err := openStore(conf, loc)
	if err != nil {
		appLog.Error("failed to open record store", err, "store", conf.Store)
		os.Exit(1)
	}
	defer closeStore()

	sources := make([]ics.Source, 0, len(conf.Feeds))
	for _, f := range conf.Feeds {
		sources = append(sources, ics.Source{ID: f.ID, URL: f.URL})
	}
	reader := ics.NewReader(ics.NewFetcher(conf.CacheDir), sources, loc)

	p := pipeline.New(
		reader,
		extract.New(extract.LabelsFor(conf.Locale)),
		merge.New(tolerance, merge.MarkerFor(conf.Locale)),
		recordStore,
	)
	job := scheduler.NewJob(func(ctx context.Context) (pipeline.Summary, error) {
		start, end := pipeline.Window(time.Now().In(loc), conf.WindowDays)
		return p.Run(ctx, start, end)
	})

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if flags.once {
		if _, err := job.Trigger(ctx, "once"); err != nil {
			closeStore()
			os.Exit(1)
		}
		return
	}

	sched, err := scheduler.New(conf.Schedule, loc, job)
	if err != nil {
		appLog.Error("failed to create scheduler", err, "schedule", conf.Schedule)
		os.Exit(1)
	}
	sched.Start()

	webErr := make(chan error, 1)
	if conf.Listen != "" {
		srv := web.NewServer(conf, loc, p, job)
		go func() { webErr <- srv.Serve(ctx) }()
	}

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-webErr:
		if err != nil {
			appLog.Error("HTTP server stopped", err)
		}
		cancel()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	sched.Stop(stopCtx)
	appLog.Info("edtsync exiting")
}

func openStore(conf *config.Config, loc *time.Location) (reconcile.Store, func(), error) {
	switch conf.Store {
	case config.StoreSQLite:
		s, err := store.Open(conf.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				appLog.Error("failed to close sqlite store", err)
			}
		}, nil
	default:
		c, err := notion.NewClient(notion.Config{
			Token:      conf.Notion.Token,
			DatabaseID: conf.Notion.DatabaseID,
			BaseURL:    conf.Notion.BaseURL,
			Properties: conf.Notion.Properties,
			Location:   loc,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "config.yaml", "Path to config file")
	flag.StringVar(&cfg.envPath, "env", ".env", "Path to a .env file with secrets")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one sync and exit")

	flag.Parse()

	return cfg
}
