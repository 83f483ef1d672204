package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"livecast/config"
	"livecast/httpServer"
	"livecast/internal/auth"
	"livecast/internal/control"
	"livecast/internal/ingest"
	"livecast/internal/logging"
	"livecast/internal/metrics"
	"livecast/internal/recorder"
	"livecast/internal/session"
	"livecast/internal/storage"
	"livecast/internal/streammanager"
	"livecast/internal/transport"
)

func main() {
	flags := (&config.Flags{}).AddFlags(pflag.CommandLine)
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(flags.Path)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	flags.Apply(cfg)

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log := logrus.NewEntry(logger)
	log.Info("Starting livecast...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("livecast stopped")
	}
	log.Info("livecast stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var gatherer prometheus.Gatherer
	if cfg.Metrics {
		gatherer = reg
	}

	// Initialize recording
	var rec *recorder.Recorder
	if cfg.Recording.Enabled {
		store, closeStore, err := openStorage(ctx, cfg.Recording, log)
		if err != nil {
			return err
		}
		defer closeStore()
		rec = recorder.New(recorder.Options{
			Storage:      store,
			Format:       cfg.Recording.Format,
			PartDuration: cfg.Recording.PartDuration,
			QueueSize:    cfg.Recording.QueueSize,
			Log:          log,
			Metrics:      m,
		})
		defer rec.Wait()
	}

	g, ctx := errgroup.WithContext(ctx)

	// Loopback ingest
	var (
		authManager *auth.Manager
		ingestSrv   *ingest.Server
		ingestURL   string
	)
	if cfg.Loopback.Enabled {
		authManager = auth.New(cfg.Loopback.DefaultKeyExpiration, cfg.Loopback.MaxKeyExpiration)
		authManager.SetOpen(cfg.Loopback.Open)
		ingestSrv = ingest.New(authManager, log)

		l, err := net.Listen("tcp", cfg.Loopback.Addr)
		if err != nil {
			return err
		}
		ingestURL = "rtmp://" + loopbackHost(l.Addr()) + "/live"
		cfg.Stream.URL = ingestURL

		g.Go(func() error {
			err := ingestSrv.Serve(l)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			return ingestSrv.Close()
		})
		g.Go(func() error {
			expireKeys(ctx, authManager, log)
			return nil
		})
		log.WithFields(logrus.Fields{"url": ingestURL, "open": cfg.Loopback.Open}).Info("Loopback ingest enabled")
	}

	// Sessions
	events := streammanager.New()
	adapterOpts := control.Options{
		Observer: events.Publish,
		Log:      log,
		Metrics:  m,
	}
	if rec != nil {
		adapterOpts.Recorder = rec
	}
	adapter := control.New(adapterOpts)
	defer adapter.Shutdown()

	srv := httpServer.New(httpServer.Options{
		Adapter:   adapter,
		Defaults:  sessionDefaults(cfg),
		Events:    events,
		Recorder:  rec,
		Ingest:    ingestSrv,
		Auth:      authManager,
		IngestURL: ingestURL,
		Metrics:   m,
		Gatherer:  gatherer,
		Log:       log,
	})
	g.Go(func() error {
		return srv.Run(ctx, cfg.HTTPAddr)
	})

	log.Info("livecast started successfully")
	log.Info("---")
	log.Info("API Endpoints:")
	log.Info("  POST   /api/v1/sessions")
	log.Info("  GET    /api/v1/sessions/:handle")
	log.Info("  POST   /api/v1/sessions/:handle/start|stop|zoom|bitrate")
	log.Info("  GET    /api/v1/sessions/:handle/events")
	log.Info("  DELETE /api/v1/sessions/:handle")
	log.Info("---")

	return g.Wait()
}

func openStorage(ctx context.Context, cfg config.RecordingConfig, log *logrus.Entry) (storage.Storage, func(), error) {
	if cfg.StorageType == "gcs" {
		gcsStorage, err := storage.NewGCSStorage(ctx, cfg.GCSProjectID, cfg.GCSBucketName, cfg.GCSBaseDir)
		if err != nil {
			return nil, nil, err
		}
		log.WithFields(logrus.Fields{
			"bucket":  cfg.GCSBucketName,
			"project": cfg.GCSProjectID,
			"baseDir": cfg.GCSBaseDir,
		}).Info("Storage initialized: GCS")
		return gcsStorage, func() {
			if err := gcsStorage.Close(); err != nil {
				log.WithError(err).Warn("Failed to close GCS client")
			}
		}, nil
	}

	localStorage, err := storage.NewLocalStorage(cfg.StorageDir)
	if err != nil {
		return nil, nil, err
	}
	log.WithField("dir", cfg.StorageDir).Info("Storage initialized: local")
	return localStorage, func() {}, nil
}

func sessionDefaults(cfg *config.Config) control.Defaults {
	sc := cfg.Session
	return control.Defaults{
		Stream: cfg.Stream.Model(),
		Session: session.Options{
			Transport: transport.Options{
				ConnectTimeout: sc.ConnectTimeout,
				QueueDepth:     sc.QueueDepth,
				HighWater:      sc.HighWater,
				StallTimeout:   sc.StallTimeout,
			},
			Backoff:              session.Backoff{Base: sc.BackoffBase, Max: sc.BackoffMax, Jitter: sc.BackoffJitter},
			MaxReconnectAttempts: sc.MaxReconnectAttempts,
			DrainTimeout:         sc.DrainTimeout,
			ZoomPolicy:           session.ZoomPolicy(sc.ZoomPolicy),
		},
	}
}

// loopbackHost turns a listener address such as [::]:1935 into one a local
// publisher can dial
func loopbackHost(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func expireKeys(ctx context.Context, m *auth.Manager, log *logrus.Entry) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupExpiredKeys(); n > 0 {
				log.WithField("removed", n).Debug("Expired publish keys removed")
			}
		}
	}
}
