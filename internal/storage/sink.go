package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/spf13/afero"
)

// Upload timeout per attempt
const uploadTimeout = 180 * time.Second

// ErrObjectMissing is returned by ObjectReader when the object does not exist.
var ErrObjectMissing = errors.New("object does not exist")

// Sink stores one artifact under key and returns the URL it is served from.
type Sink interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ---------------------------------------------------------------------------
// Google Cloud Storage sink
// ---------------------------------------------------------------------------

type BucketSink struct {
	client     *gcs.Client
	bucket     string
	publicBase string
}

var (
	_ Sink         = (*BucketSink)(nil)
	_ ObjectReader = (*BucketSink)(nil)
)

// NewBucketSink opens a GCS client with default credentials. publicBase
// overrides https://storage.googleapis.com/{bucket} in returned URLs.
func NewBucketSink(ctx context.Context, bucket, publicBase string) (*BucketSink, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	if publicBase == "" {
		publicBase = publicGCSHost + "/" + bucket
	}
	return &BucketSink{
		client:     client,
		bucket:     bucket,
		publicBase: strings.TrimRight(publicBase, "/"),
	}, nil
}

func (b *BucketSink) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write gs://%s/%s: %w", b.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to upload gs://%s/%s: %w", b.bucket, key, err)
	}
	return b.publicBase + "/" + key, nil
}

func (b *BucketSink) ReadObject(ctx context.Context, bucket, object string) ([]byte, error) {
	r, err := b.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("gs://%s/%s: %w", bucket, object, ErrObjectMissing)
		}
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", bucket, object, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, object, err)
	}
	return data, nil
}

func (b *BucketSink) Close() error {
	return b.client.Close()
}

// ---------------------------------------------------------------------------
// Local disk sink
// ---------------------------------------------------------------------------

type LocalSink struct {
	fs      afero.Fs
	baseURL string
}

var _ Sink = (*LocalSink)(nil)

// NewLocalSink stores artifacts under dir, served from baseURL.
func NewLocalSink(dir, baseURL string) (*LocalSink, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	return NewLocalSinkFs(afero.NewBasePathFs(osFs, dir), baseURL), nil
}

// NewLocalSinkFs stores artifacts on an arbitrary filesystem.
func NewLocalSinkFs(fs afero.Fs, baseURL string) *LocalSink {
	return &LocalSink{fs: fs, baseURL: strings.TrimRight(baseURL, "/")}
}

func (l *LocalSink) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	key = strings.TrimLeft(path.Clean("/"+key), "/")
	if dir := path.Dir(key); dir != "." {
		if err := l.fs.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := afero.WriteFile(l.fs, key, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	return l.baseURL + "/" + key, nil
}

// Fs exposes the backing filesystem so the API can serve stored media.
func (l *LocalSink) Fs() afero.Fs {
	return l.fs
}

// Exists reports whether key has been written.
func (l *LocalSink) Exists(key string) bool {
	ok, err := afero.Exists(l.fs, key)
	return err == nil && ok
}
