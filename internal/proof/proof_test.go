package proof

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/nexlevel/internal/config"
)

type mockS3Client struct {
	presignErr error
	statErr    error
	bucket     string
	object     string
	expiry     time.Duration
}

func (m *mockS3Client) PresignedPutObject(_ context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	m.bucket, m.object, m.expiry = bucket, objectName, expiry
	if m.presignErr != nil {
		return nil, m.presignErr
	}
	return url.Parse("https://s3.example.com/" + bucket + "/" + objectName + "?X-Amz-Signature=abc")
}

func (m *mockS3Client) StatObject(_ context.Context, bucket, objectName string) error {
	m.bucket, m.object = bucket, objectName
	return m.statErr
}

func newTestS3Store(client *mockS3Client) *S3Store {
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	return &S3Store{client: client, bucket: "proofs", urlExpiry: 10 * time.Minute, now: func() time.Time { return now }}
}

func TestS3Store_PresignUpload(t *testing.T) {
	client := &mockS3Client{}
	s := newTestS3Store(client)

	up, err := s.PresignUpload(context.Background(), "user-1", "inst-1")
	if err != nil {
		t.Fatalf("PresignUpload() error = %v", err)
	}
	if !strings.HasPrefix(up.Key, "inst-1/user-1/") || !strings.HasSuffix(up.Key, ".jpg") {
		t.Errorf("Key = %q, want inst-1/user-1/<ulid>.jpg", up.Key)
	}
	if client.bucket != "proofs" || client.object != up.Key || client.expiry != 10*time.Minute {
		t.Errorf("presign called with %s/%s %v", client.bucket, client.object, client.expiry)
	}
	if !strings.Contains(up.URL, "X-Amz-Signature") {
		t.Errorf("URL = %q, want signed URL", up.URL)
	}
	if want := time.Date(2024, 3, 4, 9, 10, 0, 0, time.UTC); !up.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", up.ExpiresAt, want)
	}
}

func TestS3Store_PresignUpload_Error(t *testing.T) {
	s := newTestS3Store(&mockS3Client{presignErr: errors.New("boom")})

	if _, err := s.PresignUpload(context.Background(), "user-1", "inst-1"); err == nil {
		t.Error("PresignUpload() expected error")
	}
}

func TestS3Store_Verify(t *testing.T) {
	key := "inst-1/user-1/01ARYZ6S41TSV4RRFFQ69G5FAV.jpg"

	tests := []struct {
		name    string
		statErr error
		user    string
		wantErr error
	}{
		{name: "uploaded", user: "user-1"},
		{name: "missing", user: "user-1", statErr: ErrMissing, wantErr: ErrMissing},
		{name: "foreign", user: "user-2", wantErr: ErrForeignKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestS3Store(&mockS3Client{statErr: tt.statErr})
			err := s.Verify(context.Background(), tt.user, "inst-1", key)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestS3Store_Exists_PropagatesErrors(t *testing.T) {
	s := newTestS3Store(&mockS3Client{statErr: errors.New("connection refused")})

	ok, err := s.Exists(context.Background(), "k")
	if err == nil || ok {
		t.Errorf("Exists() = %v, %v; want error", ok, err)
	}
}

func TestNoopStore(t *testing.T) {
	var s NoopStore
	ctx := context.Background()

	if _, err := s.PresignUpload(ctx, "u", "i"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("PresignUpload() error = %v, want ErrNotConfigured", err)
	}
	if err := s.Verify(ctx, "u", "i", "i/u/01ARYZ6S41TSV4RRFFQ69G5FAV.jpg"); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
	if err := s.Verify(ctx, "u", "i", "other/u/01ARYZ6S41TSV4RRFFQ69G5FAV.jpg"); !errors.Is(err, ErrForeignKey) {
		t.Errorf("Verify(foreign) error = %v, want ErrForeignKey", err)
	}
}

func TestInNamespace(t *testing.T) {
	const id = "01ARYZ6S41TSV4RRFFQ69G5FAV"
	tests := []struct {
		key  string
		want bool
	}{
		{"inst/user/" + id + ".jpg", true},
		{"inst/user/", false},
		{"inst/user/a.jpg", false},
		{"inst/user/" + id + ".png", false},
		{"inst/user/nested/" + id + ".jpg", false},
		{"inst/userx/" + id + ".jpg", false},
		{"inst/" + id + ".jpg", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := InNamespace(tt.key, "inst", "user"); got != tt.want {
			t.Errorf("InNamespace(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestInNamespace_AcceptsIssuedKeys(t *testing.T) {
	key := ObjectKey("inst", "user")
	if !InNamespace(key, "inst", "user") {
		t.Errorf("InNamespace(%q) = false for an issued key", key)
	}
	if InNamespace(key, "inst", "other") {
		t.Errorf("InNamespace(%q) = true for another user", key)
	}
}

func TestNew_EmptyBucket_ReturnsNoopStore(t *testing.T) {
	s, err := New(config.ProofStorageConfig{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := s.(NoopStore); !ok {
		t.Errorf("expected NoopStore, got %T", s)
	}
}

func TestNew_WithBucket_ReturnsS3Store(t *testing.T) {
	useSSL := false
	s, err := New(config.ProofStorageConfig{
		Bucket:    "proofs",
		Endpoint:  "localhost:9000",
		Region:    "us-east-1",
		UseSSL:    &useSSL,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s3, ok := s.(*S3Store)
	if !ok {
		t.Fatalf("expected *S3Store, got %T", s)
	}
	if s3.urlExpiry != 15*time.Minute {
		t.Errorf("urlExpiry = %v, want default 15m", s3.urlExpiry)
	}
}
