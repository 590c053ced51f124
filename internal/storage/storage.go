// Package storage archives finished debug recordings to object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ObjectStore is the subset of an S3-style store used for recordings.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.ReadSeeker, size int64, contentType string) error
}

// StorageError represents storage operation errors
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("storage %s %s: %v (status %d)", e.Op, e.Key, e.Err, e.StatusCode)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

var ErrEmptyRecording = errors.New("storage: recording is empty")

// RecordingKey names an archived recording: prefix/<yyyy>/<mm>/<dd>/<stamp>-<file>.
func RecordingKey(prefix, file string, at time.Time) string {
	at = at.UTC()
	name := at.Format("20060102T150405Z") + "-" + filepath.Base(file)
	return path.Join(strings.Trim(prefix, "/"), at.Format("2006/01/02"), name)
}

// ArchiveRecording uploads the file at p and returns its key. Empty files are not uploaded.
func ArchiveRecording(ctx context.Context, store ObjectStore, p, prefix string, at time.Time) (string, error) {
	key := RecordingKey(prefix, p, at)

	file, err := os.Open(p)
	if err != nil {
		return "", &StorageError{Op: "put_file", Key: key, Err: err}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", &StorageError{Op: "put_file", Key: key, Err: err}
	}
	if stat.Size() == 0 {
		return "", &StorageError{Op: "put_file", Key: key, Err: ErrEmptyRecording}
	}

	if err := store.Put(ctx, key, file, stat.Size(), detectContentType(p)); err != nil {
		return "", err
	}
	return key, nil
}

func detectContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".mp4":
		return "video/mp4"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
