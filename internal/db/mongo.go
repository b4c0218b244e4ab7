package db

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mwardle-data/jobs-scraper-project/internal/config"
	"github.com/mwardle-data/jobs-scraper-project/internal/logger"
)

// Upload is the audit row kept per sink key. Re-uploading a key points the
// row at the newest GridFS file.
type Upload struct {
	Key        string             `bson:"key"`
	FileID     primitive.ObjectID `bson:"file_id"`
	Size       int64              `bson:"size"`
	MD5        string             `bson:"md5"`
	UploadedAt time.Time          `bson:"uploaded_at"`
	Count      int                `bson:"upload_count"`
}

type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	bucket   *gridfs.Bucket
	uploads  *mongo.Collection
	log      *slog.Logger
}

func NewMongoDB(cfg config.MongoConfig, bucketName string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Connection))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("can't ping MongoDB: %w", err)
	}

	database := client.Database(cfg.Database)
	bucket, err := gridfs.NewBucket(database, options.GridFSBucket().SetName(bucketName))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("opening gridfs bucket %s: %w", bucketName, err)
	}

	uploads := cfg.Uploads
	if uploads == "" {
		uploads = "uploads"
	}

	d := &MongoDB{
		client:   client,
		database: database,
		bucket:   bucket,
		uploads:  database.Collection(uploads),
		log:      logger.WithComponent("mongo"),
	}

	if err := d.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("can't create indices: %w", err)
	}

	return d, nil
}

func (d *MongoDB) createIndexes(ctx context.Context) error {
	_, err := d.uploads.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "uploaded_at", Value: 1}},
		},
	})
	return err
}

// PutFile streams r into GridFS under key and records the upload.
func (d *MongoDB) PutFile(ctx context.Context, key string, r io.Reader, size int64, md5 string) error {
	fileID, err := d.bucket.UploadFromStream(key, r, options.GridFSUpload().SetMetadata(bson.D{
		{Key: "md5", Value: md5},
		{Key: "size", Value: size},
	}))
	if err != nil {
		return fmt.Errorf("gridfs upload %s: %w", key, err)
	}

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{"key": key}
	update := bson.M{
		"$set": bson.M{
			"file_id":     fileID,
			"size":        size,
			"md5":         md5,
			"uploaded_at": time.Now().UTC(),
		},
		"$inc": bson.M{"upload_count": 1},
	}
	if _, err := d.uploads.UpdateOne(opCtx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("recording upload %s: %w", key, err)
	}

	d.log.DebugContext(ctx, "file stored", "key", key, "file_id", fileID.Hex(), "size", size)
	return nil
}

// GetUpload returns the audit row for key, or nil when the key was never uploaded.
func (d *MongoDB) GetUpload(ctx context.Context, key string) (*Upload, error) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var up Upload
	err := d.uploads.FindOne(opCtx, bson.M{"key": key}).Decode(&up)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &up, nil
}

func (d *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}
