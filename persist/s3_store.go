package persist

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface using MinIO as the backend.
// S3 Object Structure:
//
// bucketName/
// └── [keyPrefix/]
//
//	├── items/
//	│   ├── service-a/
//	│   │   ├── <base64url(key)>   # JSON encoded Item
//	│   │   └── ...
//	│   └── service-b/...
//	└── settings/
//	    ├── key-registry        # key version registry
//	    └── ...
type S3Store struct {
	// client is the MinIO client used to interact with the MinIO server.
	client *minio.Client

	// bucketName is the name of the S3 bucketName used to store items and settings.
	bucketName string

	// keyPrefix is an optional prefix for the keys in the bucketName, allowing for namespace separation
	// if multiple applications use the same bucketName.
	keyPrefix string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
}

// NewS3Store connects to a MinIO server and makes sure the configured bucket
// exists.
func NewS3Store(ctx context.Context, config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for s3 store")
	}

	endpoint := strings.TrimPrefix(strings.TrimPrefix(config.Endpoint, "http://"), "https://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucketName exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store from a generic StoreConfig.
func NewS3StoreFromConfig(ctx context.Context, config StoreConfig) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type: expected %s, got %s", StoreTypeS3, config.Type)
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

	return NewS3Store(ctx, s3Config)
}

func (s3s *S3Store) GetAll(ctx context.Context, service string) ([]Item, error) {
	if err := ValidateService(service); err != nil {
		return nil, fmt.Errorf("invalid service: %w", err)
	}

	prefix := s3s.buildPath("items", service) + "/"
	var items []Item
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list items: %w", object.Err)
		}
		item, err := s3s.readItem(ctx, object.Key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// deleted between list and read
				continue
			}
			return nil, err
		}
		items = append(items, *item)
	}

	if items == nil {
		items = []Item{}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (s3s *S3Store) Get(ctx context.Context, key, service string) (*Item, error) {
	if err := ValidateService(service); err != nil {
		return nil, fmt.Errorf("invalid service: %w", err)
	}
	return s3s.readItem(ctx, s3s.itemObjectName(key, service))
}

func (s3s *S3Store) Put(ctx context.Context, item Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, s3s.itemObjectName(item.Key, item.Service),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/json",
		})
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

func (s3s *S3Store) Delete(ctx context.Context, key, service string) error {
	if err := ValidateService(service); err != nil {
		return fmt.Errorf("invalid service: %w", err)
	}

	objectName := s3s.itemObjectName(key, service)
	if _, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{}); err != nil {
		if s3s.isNotFoundError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to stat item: %w", err)
	}

	if err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

func (s3s *S3Store) ListServices(ctx context.Context) ([]string, error) {
	prefix := s3s.buildPath("items") + "/"
	var services []string
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list services: %w", object.Err)
		}
		// common prefixes come back as "<prefix>service/"
		name := strings.Trim(strings.TrimPrefix(object.Key, prefix), "/")
		if name != "" && strings.HasSuffix(object.Key, "/") {
			services = append(services, name)
		}
	}
	if services == nil {
		services = []string{}
	}
	sort.Strings(services)
	return services, nil
}

func (s3s *S3Store) LoadSettings(ctx context.Context, name string) (*VersionedData, error) {
	if err := validateSettingsName(name); err != nil {
		return nil, err
	}

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, s3s.buildPath("settings", name), minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load settings %s: %w", name, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read settings %s: %w", name, err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get settings info: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(objectInfo.ETag),
		Timestamp: objectInfo.LastModified,
	}, nil
}

func (s3s *S3Store) SaveSettings(ctx context.Context, name string, data []byte, expectedVersion string) (string, error) {
	if err := validateSettingsName(name); err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("settings data cannot be nil")
	}

	objectName := s3s.buildPath("settings", name)
	putOptions := minio.PutObjectOptions{
		UserMetadata: map[string]string{
			"Created-At": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if expectedVersion != "" {
		current, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to verify current version: %w", err)
		}
		if current != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       "SaveSettings",
			}
		}
		putOptions.SetMatchETag(expectedVersion)
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			actual, _ := s3s.getObjectVersion(ctx, objectName)
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   actual,
				Operation:       "SaveSettings",
			}
		}
		return "", fmt.Errorf("failed to save settings %s: %w", name, err)
	}

	return s3s.cleanETag(uploadInfo.ETag), nil
}

func (s3s *S3Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucketName %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) readItem(ctx context.Context, objectName string) (*Item, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	defer object.Close()

	// GetObject is lazy; a missing object surfaces on the first read
	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read item: %w", err)
	}

	var item Item
	if err = json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item %s: %w", objectName, err)
	}
	return &item, nil
}

func (s3s *S3Store) itemObjectName(key, service string) string {
	return s3s.buildPath("items", service, base64.RawURLEncoding.EncodeToString([]byte(key)))
}

func (s3s *S3Store) buildPath(components ...string) string {
	var parts []string

	if s3s.keyPrefix != "" {
		cleanPrefix := strings.Trim(s3s.keyPrefix, "/")
		if cleanPrefix != "" {
			parts = append(parts, cleanPrefix)
		}
	}

	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}

	return strings.Join(parts, "/")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucketName exists: %w", err)
	}

	if !exists {
		err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucketName: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", nil // Object doesn't exist, version is empty
		}
		return "", err
	}
	return s3s.cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
