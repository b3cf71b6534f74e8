package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/internal/debug"
	"southwinds.dev/lockbox/internal/misc"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3ExportStore implements ExportStore using MinIO or any S3 compatible service.
// It holds off-site copies of vault exports; the active vault never lives here.
//
//	bucketName/
//	└── [keyPrefix/]exports/
//	    ├── vault-20260101T000000.000000000Z.enc
//	    └── vault-20260102T000000.000000000Z.enc
type S3ExportStore struct {
	// client is the MinIO client used to interact with the MinIO server.
	client *minio.Client

	// bucketName is the name of the S3 bucket exports are written to.
	bucketName string

	// keyPrefix is an optional prefix for the keys in the bucket, allowing for namespace separation
	// if multiple applications use the same bucket.
	keyPrefix string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string // The endpoint for the S3 service.
	AccessKeyID     string // The Access Key ID for accessing the S3 service.
	SecretAccessKey string // The Secret Access Key for accessing the S3 service.
	Bucket          string // The S3 bucket to use.
	KeyPrefix       string // The prefix for keys stored in the S3 bucket.
	UseSSL          bool   // Whether to use SSL for the connection.
	Region          string // The region of the S3 bucket.
}

// NewS3ExportStore connects to the S3 endpoint and makes sure the bucket exists.
func NewS3ExportStore(config S3Config) (*S3ExportStore, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("S3 endpoint is required")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}

	// Create MinIO client
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3ExportStore{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3ExportStoreFromConfig initializes a new S3ExportStore from the given StoreConfig.
func NewS3ExportStoreFromConfig(config StoreConfig) (*S3ExportStore, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	// Parse the config map into S3Config
	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3ExportStore(s3Config)
}

// SaveExport uploads one export. S3 PUTs are atomic, so a cancelled upload leaves nothing behind.
func (s3s *S3ExportStore) SaveExport(ctx context.Context, name string, data []byte) (string, error) {
	if err := validateExportName(name); err != nil {
		return "", err
	}

	objectName := s3s.buildPath(ExportsDir, name)
	metadata := map[string]string{
		"data-type":   "vault-export",
		"checksum":    crypto.CalculateChecksum(data),
		"exported-at": time.Now().UTC().Format(time.RFC3339),
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	putInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("failed to save export to S3: %w", err)
	}

	debug.Print("SaveExport: uploaded %s, size: %d\n", objectName, putInfo.Size)
	return fmt.Sprintf("s3://%s/%s", s3s.bucketName, objectName), nil
}

func (s3s *S3ExportStore) ListExports(ctx context.Context) ([]ExportInfo, error) {
	prefix := s3s.buildPath(ExportsDir) + "/"

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	exports := []ExportInfo{}
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{Prefix: prefix}) {
		if object.Err != nil {
			return nil, fmt.Errorf("error listing objects: %w", object.Err)
		}

		name := strings.TrimPrefix(object.Key, prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}

		exports = append(exports, ExportInfo{
			Name:     name,
			Size:     object.Size,
			Modified: object.LastModified,
			Location: fmt.Sprintf("s3://%s/%s", s3s.bucketName, object.Key),
		})
	}

	debug.Print("ListExports: Found %d exports under %s\n", len(exports), prefix)
	return exports, nil
}

func (s3s *S3ExportStore) DeleteExport(ctx context.Context, name string) error {
	if err := validateExportName(name); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	err := s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.buildPath(ExportsDir, name), minio.RemoveObjectOptions{})
	if err != nil && !s3s.isNotFoundError(err) {
		return fmt.Errorf("failed to delete export '%s': %w", name, err)
	}
	return nil
}

// Ping checks that the bucket is still reachable.
func (s3s *S3ExportStore) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3ExportStore) GetType() string {
	return string(StoreTypeS3)
}

// Helper methods
func (s3s *S3ExportStore) buildPath(components ...string) string {
	var parts []string

	// Clean the key prefix - remove leading/trailing slashes
	if cleanPrefix := strings.Trim(s3s.keyPrefix, "/"); cleanPrefix != "" {
		parts = append(parts, cleanPrefix)
	}

	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}

	return strings.Join(parts, "/")
}

func (s3s *S3ExportStore) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3ExportStore) isNotFoundError(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey" || misc.IsNotFoundError(err)
}
