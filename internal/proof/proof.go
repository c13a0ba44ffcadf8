// Package proof issues pre-signed photo-proof uploads and verifies proof
// keys presented with check-ins. When S3 is not configured (empty bucket),
// the NoopStore is used: uploads are unavailable and any key inside the
// caller's namespace is accepted.
package proof

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/nexlevel/internal/config"
)

var (
	// ErrNotConfigured is returned when proof storage is not configured.
	ErrNotConfigured = errors.New("proof storage not configured")

	// ErrForeignKey is returned for keys outside the participant's namespace.
	ErrForeignKey = errors.New("proof key does not belong to this participant")

	// ErrMissing is returned when no object exists under the key.
	ErrMissing = errors.New("proof object not uploaded")
)

// Upload is a pre-signed PUT for one proof photo.
type Upload struct {
	Key       string
	URL       string
	ExpiresAt time.Time
}

// Store issues uploads and verifies proof keys.
type Store interface {
	PresignUpload(ctx context.Context, userID, instanceID string) (*Upload, error)
	Exists(ctx context.Context, key string) (bool, error)
	Verify(ctx context.Context, userID, instanceID, key string) error
}

// s3Client defines the minimal minio.Client operations used by S3Store.
type s3Client interface {
	PresignedPutObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
	StatObject(ctx context.Context, bucket, objectName string) error
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PresignedPutObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedPutObject(ctx, bucket, objectName, expiry)
}

func (w *minioClientWrapper) StatObject(ctx context.Context, bucket, objectName string) error {
	_, err := w.client.StatObject(ctx, bucket, objectName, minio.StatObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrMissing
	}
	return err
}

// S3Store keeps proofs in S3-compatible storage.
type S3Store struct {
	client    s3Client
	bucket    string
	urlExpiry time.Duration
	now       func() time.Time
}

// PresignUpload returns a fresh key in the participant's namespace and a
// pre-signed PUT URL for it.
func (s *S3Store) PresignUpload(ctx context.Context, userID, instanceID string) (*Upload, error) {
	key := ObjectKey(instanceID, userID)
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, s.urlExpiry)
	if err != nil {
		return nil, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	return &Upload{Key: key, URL: u.String(), ExpiresAt: s.now().Add(s.urlExpiry)}, nil
}

// Exists reports whether an object was uploaded under key.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	err := s.client.StatObject(ctx, s.bucket, key)
	if errors.Is(err, ErrMissing) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat proof object: %w", err)
	}
	return true, nil
}

// Verify checks the key's namespace and that the object exists.
func (s *S3Store) Verify(ctx context.Context, userID, instanceID, key string) error {
	if !InNamespace(key, instanceID, userID) {
		return ErrForeignKey
	}
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMissing
	}
	return nil
}

// NoopStore is used when proof storage is not configured.
type NoopStore struct{}

// PresignUpload returns ErrNotConfigured.
func (NoopStore) PresignUpload(context.Context, string, string) (*Upload, error) {
	return nil, ErrNotConfigured
}

// Exists reports true for any non-empty key.
func (NoopStore) Exists(_ context.Context, key string) (bool, error) {
	return key != "", nil
}

// Verify only checks the key's namespace.
func (NoopStore) Verify(_ context.Context, userID, instanceID, key string) error {
	if !InNamespace(key, instanceID, userID) {
		return ErrForeignKey
	}
	return nil
}

// New creates the appropriate Store based on configuration.
// Returns NoopStore when bucket is empty, S3Store otherwise.
func New(cfg config.ProofStorageConfig) (Store, error) {
	if cfg.Bucket == "" {
		return NoopStore{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	expiry := time.Duration(cfg.URLExpiry)
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &S3Store{
		client:    &minioClientWrapper{client: client},
		bucket:    cfg.Bucket,
		urlExpiry: expiry,
		now:       time.Now,
	}, nil
}

// ObjectKey returns a new object key for a participant's proof.
// Convention: {instance_id}/{user_id}/{ulid}.jpg
func ObjectKey(instanceID, userID string) string {
	return instanceID + "/" + userID + "/" + ulid.Make().String() + ".jpg"
}

// InNamespace reports whether key is an object name ObjectKey could have
// issued for the participant.
func InNamespace(key, instanceID, userID string) bool {
	if instanceID == "" || userID == "" {
		return false
	}
	rest, ok := strings.CutPrefix(key, instanceID+"/"+userID+"/")
	if !ok {
		return false
	}
	id, ok := strings.CutSuffix(rest, ".jpg")
	if !ok {
		return false
	}
	_, err := ulid.ParseStrict(id)
	return err == nil
}
