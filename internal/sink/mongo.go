package sink

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/mwardle-data/jobs-scraper-project/internal/config"
	"github.com/mwardle-data/jobs-scraper-project/internal/db"
	"github.com/mwardle-data/jobs-scraper-project/internal/utils"
)

// Mongo stores files in a GridFS bucket and keeps an audit row per key.
type Mongo struct {
	store *db.MongoDB
}

func NewMongo(cfg config.MongoConfig, bucket string) (*Mongo, error) {
	store, err := db.NewMongoDB(cfg, bucket)
	if err != nil {
		return nil, err
	}
	return &Mongo{store: store}, nil
}

func (s *Mongo) Upload(ctx context.Context, localPath, key string) error {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", localPath, err)
	}
	return s.store.PutFile(ctx, key, bytes.NewReader(body), int64(len(body)), utils.ComputeContentHash(body))
}

func (s *Mongo) Close() error { return s.store.Close() }
