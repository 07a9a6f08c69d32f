package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/client"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/config"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/database"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/encoder"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/event"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/host"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/session"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/source"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/transport"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.json", "path of the configuration file")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init(cfg.DebugMode || *debug, cfg.LogPath)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)

	sink, err := startMetrics(cleaner, cfg.Metrics)
	if err != nil {
		logger.FatalF("Error occured while initializing metrics, details: %v", err)
		return
	}

	trustStore, err := openTrustStore(cleaner, &cfg)
	if err != nil {
		logger.FatalF("Error occured while initializing database, details: %v", err)
		return
	}

	pool := session.NewPool(session.Options{
		Factory:             client.NewOpcuaFactory(),
		TrustStore:          trustStore,
		Metrics:             sink,
		AutoAcceptUntrusted: cfg.Client.AutoAcceptUntrusted,
		ApplicationName:     cfg.Client.ApplicationName,
		ApplicationURI:      cfg.Client.ApplicationURI,
		CertFile:            cfg.Client.CertFile,
		KeyFile:             cfg.Client.KeyFile,
		KeepAliveInterval:   utils.ParseStringTimeOr(cfg.Client.KeepAliveInterval, 10*time.Second),
		SessionLifetime:     utils.ParseStringTimeOr(cfg.Client.SessionTimeout, 2*time.Minute),
		RequestTimeout:      utils.ParseStringTimeOr(cfg.Client.RequestTimeout, 30*time.Second),
		DiscoveryTimeout:    utils.ParseStringTimeOr(cfg.Client.DiscoveryTimeout, 30*time.Second),
		SweepInterval:       utils.ParseStringTimeOr(cfg.Client.SweepInterval, 5*time.Second),
	})
	cleaner.Add(pool)

	sender, err := transport.New(&cfg.Transport, cfg.AppName)
	if err != nil {
		logger.FatalF("Error occured while initializing transport, details: %v", err)
		cleaner.Shutdown()
		return
	}
	cleaner.Add(event.CallableFunc(sender.Close))

	encoderOptions := encoder.Options{
		UseStandardsCompliantEncoding: cfg.Encoder.UseStandardsCompliantEncoding,
		DefaultMaxMessagesPerPublish:  cfg.Encoder.DefaultMaxMessagesPerPublish,
		DefaultQueueName:              cfg.Encoder.DefaultQueueName,
		DefaultMetaDataQueueName:      cfg.Encoder.DefaultMetaDataQueueName,
		Metrics:                       sink,
	}
	publisher := host.New(host.Options{
		QueueCapacity: cfg.Host.QueueCapacity,
		Metrics:       sink,
		Factory: func(group *models.WriterGroupModel) (source.MessageSource, error) {
			return source.New(group, source.Options{
				Subscriber:     pool,
				Sender:         sender,
				Encoder:        encoderOptions,
				Metrics:        sink,
				MaxMessageSize: cfg.Encoder.DefaultMaxMessageSize,
			}), nil
		},
	})
	cleaner.Add(publisher)

	groups, err := cfg.WriterGroupModels()
	if err != nil {
		logger.ErrorF("Invalid writer group configuration: %v", err)
		cleaner.Shutdown()
		return
	}
	if err := publisher.Apply(context.Background(), groups); err != nil {
		logger.ErrorF("Some writer groups could not be started: %v", err)
	}
	logger.InfoF("Publisher %s running %d writer groups", cfg.PublisherID, publisher.JobCount())

	<-cleaner.Done()
}

func startMetrics(cleaner *event.Cleaner, cfg config.MetricsConfig) (metrics.Sink, error) {
	if !cfg.Enabled {
		return metrics.Nop{}, nil
	}
	registry := prometheus.NewRegistry()
	sink, err := metrics.NewPrometheus(registry)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.InfoF("Serving metrics on %s", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("Metrics server stopped: %v", err)
		}
	}()
	cleaner.Add(event.CallableFunc(server.Shutdown))
	return sink, nil
}

func openTrustStore(cleaner *event.Cleaner, cfg *config.Config) (database.TrustStore, error) {
	if !cfg.Database.Enabled {
		logger.Info("Database disabled, trusted peers are kept in memory")
		return database.NewMemoryStore(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), utils.ParseStringTimeOr(cfg.Database.ConnectTimeout, 10*time.Second))
	defer cancel()
	conn, err := database.ConnectDatabase(ctx, cfg.Database, cfg.AppName)
	if err != nil {
		return nil, err
	}
	cleaner.Add(conn)
	return database.NewDatabaseStore(conn, utils.ParseStringTimeOr(cfg.Database.CacheTTL, 10*time.Minute)), nil
}
