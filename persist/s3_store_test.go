package persist

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
)

func TestS3ExportStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MinIO integration test in short mode")
	}

	endpoint := os.Getenv("S3_MINIO_ENDPOINT")
	if len(endpoint) == 0 {
		ctx := context.Background()

		req := testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     testAccessKey,
				"MINIO_ROOT_PASSWORD": testSecretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		}

		minioContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			t.Skipf("MinIO container unavailable (is Docker running?): %v", err)
		}

		defer func() {
			if err = minioContainer.Terminate(ctx); err != nil {
				t.Logf("Warning: Failed to terminate MinIO container: %v", err)
			}
		}()

		mappedPort, err := minioContainer.MappedPort(ctx, "9000")
		if err != nil {
			t.Fatalf("Failed to get mapped port: %v", err)
		}

		endpoint = fmt.Sprintf("http://localhost:%s", mappedPort.Port())
	}

	t.Run("runS3ExportStoreTest", func(t *testing.T) {
		runS3ExportStoreTest(t, endpoint)
	})
}

func runS3ExportStoreTest(t *testing.T, endpointURL string) {
	bucketName := os.Getenv("S3_BUCKET")
	if bucketName == "" {
		bucketName = "test-lockbox-exports"
	}

	accessKeyID := os.Getenv("S3_MINIO_ACCESS_KEY_ID")
	if accessKeyID == "" {
		accessKeyID = testAccessKey
	}

	secretAccessKey := os.Getenv("S3_MINIO_SECRET_ACCESS_KEY")
	if secretAccessKey == "" {
		secretAccessKey = testSecretKey
	}

	// Extract host:port from full URL for MinIO client
	endpoint, useSSL := parseEndpoint(endpointURL)
	if sslEnv := os.Getenv("S3_MINIO_USE_SSL"); sslEnv != "" {
		useSSL = parseBool(sslEnv)
	}

	region := os.Getenv("S3_REGION")
	if region == "" {
		region = "us-east-1"
	}

	t.Logf("Configuring S3ExportStore with endpoint: %s, bucket: %s, useSSL: %v", endpoint, bucketName, useSSL)

	store, err := NewS3ExportStoreFromConfig(StoreConfig{
		Type: StoreTypeS3,
		Config: map[string]interface{}{
			"Endpoint":        endpoint,
			"AccessKeyID":     accessKeyID,
			"SecretAccessKey": secretAccessKey,
			"Bucket":          bucketName,
			"KeyPrefix":       "test/",
			"UseSSL":          useSSL,
			"Region":          region,
		},
	})
	if err != nil {
		t.Fatalf("Failed to create S3ExportStore: %v", err)
	}

	// remove objects but not the bucket (container will be destroyed)
	defer func() {
		if err = cleanupS3Objects(bucketName, endpoint, accessKeyID, secretAccessKey, useSSL); err != nil {
			t.Logf("Warning: Failed to cleanup S3 objects: %v", err)
		}
	}()

	if err = store.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	testExportStoreImplementation(t, store)
}

// parseEndpoint extracts host:port from full URL and determines SSL usage
func parseEndpoint(endpointURL string) (string, bool) {
	endpoint := strings.TrimPrefix(endpointURL, "http://")
	useSSL := false

	if strings.HasPrefix(endpointURL, "https://") {
		endpoint = strings.TrimPrefix(endpointURL, "https://")
		useSSL = true
	}

	// Remove any trailing path
	if idx := strings.Index(endpoint, "/"); idx != -1 {
		endpoint = endpoint[:idx]
	}

	return endpoint, useSSL
}

// cleanupS3Objects removes all objects from the bucket
func cleanupS3Objects(bucketName, endpoint, accessKeyID, secretAccessKey string, useSSL bool) error {
	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create MinIO client: %v", err)
	}

	ctx := context.Background()

	var deleteErrors []string
	for object := range minioClient.ListObjects(ctx, bucketName, minio.ListObjectsOptions{Recursive: true}) {
		if object.Err != nil {
			deleteErrors = append(deleteErrors, fmt.Sprintf("error listing object: %v", object.Err))
			continue
		}

		err = minioClient.RemoveObject(ctx, bucketName, object.Key, minio.RemoveObjectOptions{})
		if err != nil {
			deleteErrors = append(deleteErrors, fmt.Sprintf("failed to delete object %s: %v", object.Key, err))
		}
	}

	if len(deleteErrors) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(deleteErrors, "; "))
	}

	return nil
}

func parseBool(value string) bool {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return parsed
}

func TestS3BuildPath(t *testing.T) {
	s := &S3ExportStore{keyPrefix: "/team/lockbox/"}
	if got := s.buildPath(ExportsDir, "vault-x.enc"); got != "team/lockbox/exports/vault-x.enc" {
		t.Errorf("unexpected path %q", got)
	}

	s = &S3ExportStore{}
	if got := s.buildPath(ExportsDir, "", "vault-x.enc"); got != "exports/vault-x.enc" {
		t.Errorf("unexpected path %q", got)
	}
}
