package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/bubble-lang/offline-cache"
	"github.com/bubble-lang/offline-cache/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("Exiting")
		os.Exit(1)
	}
}

func envVar(name string) cli.ValueSourceChain {
	return cli.NewValueSourceChain(cli.EnvVar("OFFLINE_CACHE_" + name))
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "offline-cache",
		Usage:   "Serve a page with its resources available offline",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "origin", Usage: "Origin URL to proxy to (overrides addr and host)", Sources: envVar("ORIGIN")},
			&cli.StringFlag{Name: "addr", Usage: "Origin IP address to proxy to", Sources: envVar("ADDR")},
			&cli.StringFlag{Name: "host", Usage: "Hostname of origin", Sources: envVar("HOST")},
			&cli.IntFlag{Name: "port", Usage: "Port to listen on", Value: 8080, Sources: envVar("PORT")},
			&cli.StringFlag{Name: "db", Usage: "Cache DB file name (use 'memory' for in-memory db)", Value: "cache.db", Sources: envVar("DB")},
			&cli.StringFlag{Name: "bucket", Usage: "Name of the cache bucket", Value: offlinecache.DefaultBucketName, Sources: envVar("BUCKET")},
			&cli.StringFlag{Name: "config", Usage: "YAML config file", Sources: envVar("CONFIG")},
			&cli.StringFlag{Name: "log-file", Usage: "Log file to use (in addition to stdout)", Sources: envVar("LOG_FILE")},
			&cli.BoolFlag{Name: "watch", Usage: "Re-install when the config file changes", Sources: envVar("WATCH")},
			&cli.BoolFlag{Name: "vv", Usage: "Verbosity: trace logging"},
		},
		Before: setupLogging,
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Install, then serve requests from the cache",
				Action: serve,
			},
			{
				Name:   "install",
				Usage:  "Store the precache list and exit",
				Action: installOnce,
			},
			{
				Name:   "keys",
				Usage:  "List the stored requests of the bucket",
				Action: listKeys,
			},
			{
				Name:   "clear",
				Usage:  "Delete the bucket",
				Action: clearBucket,
			},
		},
	}
}

// setupLogging points the global logger to stdout and, if specified, a log file.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	logLevel := zerolog.DebugLevel
	if cmd.Bool("vv") {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if filename := cmd.String("log-file"); filename != "" {
		logFileOutput, err := os.OpenFile(filename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return ctx, fmt.Errorf("open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return ctx, nil
}

// loadConfig reads the config file, if any, and overlays the command line.
func loadConfig(cmd *cli.Command) (Config, error) {
	var file Config
	if filename := cmd.String("config"); filename != "" {
		var err error
		if file, err = getConfig(filename); err != nil {
			return file, fmt.Errorf("read config: %w", err)
		}
	}
	flags := Config{
		Origin: cmd.String("origin"),
		Addr:   cmd.String("addr"),
		Host:   cmd.String("host"),
		Port:   int(cmd.Int("port")),
		DB:     cmd.String("db"),
		Bucket: cmd.String("bucket"),
	}
	return merge(file, flags, cmd.IsSet), nil
}

// open loads the config and opens its storage. The returned function closes the storage.
func open(cmd *cli.Command) (Config, cache.SQLiteCache, func(), error) {
	config, err := loadConfig(cmd)
	if err != nil {
		return config, cache.SQLiteCache{}, nil, err
	}
	provider, err := cache.NewSQLiteCache(config.dbFilename())
	if err != nil {
		return config, provider, nil, err
	}
	return config, provider, func() { provider.Close() }, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("watch") && cmd.String("config") == "" {
		return errors.New("--watch needs --config")
	}
	config, provider, closeDB, err := open(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := newServer(provider, log.Logger)
	ic, err := s.interceptor(config)
	if err != nil {
		return err
	}
	s.current.Store(ic)
	if err := ic.Install(ctx); err != nil {
		log.Warn().Err(err).Msg("Serving without cache")
	}

	if cmd.Bool("watch") {
		if err := s.watch(ctx, cmd.String("config"), func() (Config, error) { return loadConfig(cmd) }); err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: s.router(),
	}
	errc := make(chan error, 1)
	go func() {
		originURL, host, _ := config.originURL()
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, originURL.String(), host)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func installOnce(ctx context.Context, cmd *cli.Command) error {
	config, provider, closeDB, err := open(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	ic, err := newServer(provider, log.Logger).interceptor(config)
	if err != nil {
		return err
	}
	return ic.Install(ctx)
}

func listKeys(ctx context.Context, cmd *cli.Command) error {
	config, provider, closeDB, err := open(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	bucket, err := cache.NewStorage(provider).Open(config.Bucket)
	if err != nil {
		return err
	}
	w := cmd.Root().Writer
	return bucket.Keys(func(key string, req *http.Request) {
		fmt.Fprintf(w, "%s %s\n", req.Method, req.URL.String())
	})
}

func clearBucket(ctx context.Context, cmd *cli.Command) error {
	config, provider, closeDB, err := open(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	n, err := cache.NewStorage(provider).Delete(config.Bucket)
	if err != nil {
		return err
	}
	log.Info().Str("bucket", config.Bucket).Int("entries", n).Msg("Deleted bucket")
	return nil
}
