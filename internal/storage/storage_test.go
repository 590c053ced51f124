package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	minio "github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

type memStore struct {
	objects     map[string][]byte
	contentType map[string]string
}

func (m *memStore) Put(ctx context.Context, key string, r io.ReadSeeker, size int64, contentType string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
		m.contentType = map[string]string{}
	}
	m.objects[key] = b
	m.contentType[key] = contentType
	return nil
}

func TestRecordingKey(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	tests := []struct {
		prefix string
		file   string
		want   string
	}{
		{prefix: "recordings", file: "/tmp/debug.mkv", want: "recordings/2026/03/04/20260304T050607Z-debug.mkv"},
		{prefix: "/a/b/", file: "x.mkv", want: "a/b/2026/03/04/20260304T050607Z-x.mkv"},
		{prefix: "", file: "x.mkv", want: "2026/03/04/20260304T050607Z-x.mkv"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := RecordingKey(tt.prefix, tt.file, at); got != tt.want {
				t.Fatalf("RecordingKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestArchiveRecording(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "debug.mkv")
	if err := os.WriteFile(p, []byte("matroska"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := &memStore{}
	key, err := ArchiveRecording(context.Background(), store, p, "rec", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("ArchiveRecording: %v", err)
	}
	if string(store.objects[key]) != "matroska" {
		t.Fatalf("stored %q under %q", store.objects[key], key)
	}
	if ct := store.contentType[key]; ct != "video/x-matroska" {
		t.Fatalf("content type = %q", ct)
	}

	empty := filepath.Join(dir, "empty.mkv")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ArchiveRecording(context.Background(), store, empty, "rec", time.Now()); !errors.Is(err, ErrEmptyRecording) {
		t.Fatalf("empty recording: err = %v, want ErrEmptyRecording", err)
	}

	_, err = ArchiveRecording(context.Background(), store, filepath.Join(dir, "missing.mkv"), "rec", time.Now())
	var serr *StorageError
	if !errors.As(err, &serr) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing recording: err = %v", err)
	}
}

func TestMinIOConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     MinIOConfig
		wantErr bool
	}{
		{name: "valid", cfg: MinIOConfig{Endpoint: "localhost:9000", Bucket: "rec", AccessKeyID: "k", SecretAccessKey: "s"}},
		{name: "anonymous", cfg: MinIOConfig{Endpoint: "localhost:9000", Bucket: "rec"}},
		{name: "no endpoint", cfg: MinIOConfig{Bucket: "rec"}, wantErr: true},
		{name: "no bucket", cfg: MinIOConfig{Endpoint: "localhost:9000"}, wantErr: true},
		{name: "key without secret", cfg: MinIOConfig{Endpoint: "localhost:9000", Bucket: "rec", AccessKeyID: "k"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMinIOPutRetries(t *testing.T) {
	tests := []struct {
		name         string
		failures     []error
		wantAttempts int
		wantErr      bool
		wantStatus   int
	}{
		{name: "first try", wantAttempts: 1},
		{
			name:         "transient failures",
			failures:     []error{errors.New("connection reset"), minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable, Code: "SlowDown"}},
			wantAttempts: 3,
		},
		{
			name:         "access denied",
			failures:     []error{minio.ErrorResponse{StatusCode: http.StatusForbidden, Code: "AccessDenied"}},
			wantAttempts: 1,
			wantErr:      true,
			wantStatus:   http.StatusForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			var bodies []string
			put := func(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
				attempts++
				b, _ := io.ReadAll(r)
				bodies = append(bodies, string(b))
				if attempts <= len(tt.failures) {
					return minio.UploadInfo{}, tt.failures[attempts-1]
				}
				return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
			}
			store := newMinIOStore(MinIOConfig{Bucket: "rec", MaxUploads: 1, MaxRetries: 5, RetryBackoff: time.Millisecond}, nil, put, zap.NewNop())

			data := "0123456789"
			err := store.Put(context.Background(), "k", newSeeker(data), int64(len(data)), "video/x-matroska")
			if attempts != tt.wantAttempts {
				t.Fatalf("attempts = %d, want %d", attempts, tt.wantAttempts)
			}
			for i, b := range bodies {
				if b != data {
					t.Fatalf("attempt %d read %q, want the full body", i+1, b)
				}
			}
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Put: %v", err)
				}
				if store.metrics.TotalUploads.Load() != 1 {
					t.Fatalf("TotalUploads = %d", store.metrics.TotalUploads.Load())
				}
				return
			}
			var serr *StorageError
			if !errors.As(err, &serr) {
				t.Fatalf("err = %v, want *StorageError", err)
			}
			if serr.StatusCode != tt.wantStatus || serr.Retryable {
				t.Fatalf("StorageError = %+v", serr)
			}
		})
	}
}

func TestMinIOPutHonorsContext(t *testing.T) {
	put := func(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
		return minio.UploadInfo{}, nil
	}
	store := newMinIOStore(MinIOConfig{Bucket: "rec", MaxUploads: 1}, nil, put, zap.NewNop())
	<-store.uploadPool // occupy the only slot

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := store.Put(ctx, "k", newSeeker("x"), 1, ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Put = %v, want deadline exceeded", err)
	}
}

func newSeeker(s string) io.ReadSeeker {
	return strings.NewReader(s)
}
