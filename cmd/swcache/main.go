package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/swcache"
	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/queue"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	dbFilenameFlag     string
	providerFlag       string
	versionTagFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file or directory (use 'memory' for in-memory sqlite)")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Cache provider to use (sqlite, leveldb, redis, s3)")
	flag.StringVar(&versionTagFlag, "version-tag", "", "Version of the app to install (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()

	config, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := newProvider(ctx, config.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("provider", config.Storage.Provider).Msg("Could not set up cache provider")
	}
	defer provider.Close()

	var actions *queue.SQLiteQueue
	if config.Queue != "" {
		actions, err = queue.NewSQLiteQueue(config.Queue, log.Logger.With().Str("component", "queue").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open offline queue")
		}
		defer actions.Close()
	}

	originURL, _ := url.Parse(config.Origin)
	workerConfig := swcache.Config{
		Cache:       provider,
		OriginURL:   *originURL,
		OriginHost:  config.Host,
		App:         config.App,
		Version:     config.Version,
		APIPrefix:   config.APIPrefix,
		OfflinePath: config.OfflinePath,
		Precache:    config.Precache,
		SkipWaiting: config.SkipWaiting,
		Rules:       config.Rules,
		Queue:       actions,
		ProbePath:   config.Probe.Path,
		// the config file is the source of new versions
		VersionSource: func(ctx context.Context) (string, error) {
			latest, err := loadConfig()
			if err != nil {
				return "", err
			}
			return latest.Version, nil
		},
		ProbeInterval: config.Probe.Interval,
		Logger:        &log.Logger,
	}
	if config.Scope != "" {
		scopeURL, _ := url.Parse(config.Scope)
		workerConfig.ScopeURL = *scopeURL
	}

	worker, err := swcache.CreateWorker(workerConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create worker")
	}
	if err := worker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not install app")
	}

	go watchUpdates(ctx, worker)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           worker,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Msgf("Serving port %v from %s (with hostname '%s')", config.Port, config.Origin, config.Host)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Could not shut down server gracefully")
	}
	worker.Close()
}

// watchUpdates checks for a new version whenever the process receives SIGHUP.
func watchUpdates(ctx context.Context, worker *swcache.Worker) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			updated, err := worker.Update(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Update check failed")
				continue
			}
			log.Info().Bool("updated", updated).Msg("Update check done")
		}
	}
}

// loadConfig reads the config file, if any, and applies the command line flags on top.
func loadConfig() (Config, error) {
	config, err := getConfig(configFilenameFlag)
	if err != nil {
		return config, err
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	// get the downstream server address
	if originFlag != "" {
		config.Origin = originFlag
	} else if addrFlag != "" {
		config.Origin = "https://" + addrFlag
		config.Host = hostFlag
	}
	if set["host"] {
		config.Host = hostFlag
	}
	if set["port"] || config.Port == 0 {
		config.Port = portFlag
	}
	if set["provider"] || config.Storage.Provider == "" {
		config.Storage.Provider = providerFlag
	}
	if set["db"] || config.Storage.Path == "" {
		config.Storage.Path = dbFilenameFlag
	}
	if versionTagFlag != "" {
		config.Version = versionTagFlag
	}

	return config, config.validate()
}

func newProvider(ctx context.Context, storage StorageConfig) (cache.CacheProvider, error) {
	switch storage.Provider {
	case "sqlite":
		// set up sqlite memory provider
		dbFilename := storage.Path
		if dbFilename == "memory" {
			dbFilename = "file::memory:?cache=shared"
		}
		return cache.NewSQLiteCache(dbFilename)
	case "leveldb":
		return cache.NewLevelDBCache(storage.Path)
	case "redis":
		client := cache.NewRedisClient(storage.Redis.Addr, storage.Redis.Password, storage.Redis.DB)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, errors.Wrap(err, errors.CodeUnavailable, "redis is not reachable")
		}
		return cache.NewRedisCache(client, storage.Redis.Namespace), nil
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(storage.S3.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(storage.S3.AccessKey, storage.S3.SecretKey, "")),
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInvalidConfig, "could not load AWS config")
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if storage.S3.Endpoint != "" {
				o.UsePathStyle = true
				o.BaseEndpoint = aws.String(storage.S3.Endpoint)
			}
		})
		return cache.NewS3Cache(storage.S3.Bucket, storage.S3.Prefix, client), nil
	}
	return nil, errors.Newf(errors.CodeInvalidConfig, "unsupported cache provider: %s", storage.Provider)
}
