package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/config"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Connection is an open MongoDB connection. It is registered with the
// cleaner as its close callback.
type Connection struct {
	Client           *mongo.Client
	Database         *mongo.Database
	OperationTimeout time.Duration
}

func (c *Connection) Invoke(ctx context.Context) error {
	logger.Info("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, c.OperationTimeout)
	defer cancel()
	return c.Client.Disconnect(ctx)
}

func ConnectDatabase(ctx context.Context, cfg config.DatabaseConfig, appName string) (*Connection, error) {
	logger.Debug("Connecting to database...")

	operationTimeout := utils.ParseStringTimeOr(cfg.OperationTimeout, 5*time.Second)

	encodedUser := url.QueryEscape(cfg.Username)
	encodedPass := url.QueryEscape(cfg.Password)
	databaseUrl := fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	if cfg.Username != "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
			encodedUser, encodedPass,
			cfg.Host,
			cfg.Port,
		)
	}

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(appName)
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTimeOr(cfg.ConnectIdleTimeout, 5*time.Minute))
	clientOptions.SetConnectTimeout(utils.ParseStringTimeOr(cfg.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.ParseStringTimeOr(cfg.SocketTimeout, 30*time.Second))
	clientOptions.SetHeartbeatInterval(utils.ParseStringTimeOr(cfg.Heartbeat, 10*time.Second))
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s#%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s#%d (%s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(cfg.Database)
	_, err = db.Collection(TrustedCertificateCollectionName).Indexes().CreateOne(ctx,
		mongo.IndexModel{
			Keys:    bson.D{{Key: "thumbprint", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("trusted_certificates_thumbprint_unique"),
		},
	)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	return &Connection{Client: client, Database: db, OperationTimeout: operationTimeout}, nil
}
