package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ThumbprintEmptyError = errors.New("thumbprint is empty")

// DBStore keeps trusted certificates in MongoDB. Lookups are cached for
// cacheTTL, so a removal on another instance becomes visible after at most
// that long.
type DBStore struct {
	collection       *mongo.Collection
	operationTimeout time.Duration
	cache            *expirable.LRU[string, bool]
}

func NewDatabaseStore(conn *Connection, cacheTTL time.Duration) *DBStore {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &DBStore{
		collection:       conn.Database.Collection(TrustedCertificateCollectionName),
		operationTimeout: conn.OperationTimeout,
		cache:            expirable.NewLRU[string, bool](256, nil, cacheTTL),
	}
}

func (ds *DBStore) IsTrusted(ctx context.Context, thumbprint string) (bool, error) {
	if thumbprint == "" {
		return false, ThumbprintEmptyError
	}
	if trusted, ok := ds.cache.Get(thumbprint); ok {
		return trusted, nil
	}

	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	startTime := time.Now()
	count, err := ds.collection.CountDocuments(ctx, bson.D{{Key: "thumbprint", Value: thumbprint}})
	logger.DebugF("trusted certificate query cost: %v", time.Since(startTime))
	if err != nil {
		return false, fmt.Errorf("database operation failed: %w", err)
	}

	trusted := count > 0
	ds.cache.Add(thumbprint, trusted)
	return trusted, nil
}

func (ds *DBStore) AddTrustedPeer(ctx context.Context, cert *TrustedCertificate) error {
	if cert == nil || cert.Thumbprint == "" {
		return ThumbprintEmptyError
	}

	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	if cert.AddedAt.IsZero() {
		cert.AddedAt = time.Now().UTC()
	}
	filter := bson.D{{Key: "thumbprint", Value: cert.Thumbprint}}
	result, err := ds.collection.ReplaceOne(ctx, filter, cert, options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("unique key conflicts: %w", err)
		}
		return fmt.Errorf("database operation failed: %w", err)
	}

	ds.cache.Add(cert.Thumbprint, true)
	logger.InfoF("Trusted certificate saved: thumbprint=%s, subject=%s, matched=%d, upserted=%v",
		cert.Thumbprint,
		cert.Subject,
		result.MatchedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ds *DBStore) RemoveTrustedPeer(ctx context.Context, thumbprint string) error {
	if thumbprint == "" {
		return ThumbprintEmptyError
	}

	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	result, err := ds.collection.DeleteOne(ctx, bson.D{{Key: "thumbprint", Value: thumbprint}})
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}

	ds.cache.Remove(thumbprint)
	logger.InfoF("Trusted certificate removed: thumbprint=%s, deleted=%d", thumbprint, result.DeletedCount)
	return nil
}
