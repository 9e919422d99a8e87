package storage_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/reelworks/internal/models"
	"github.com/bobarin/reelworks/internal/storage"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type failingSink struct {
	calls int32
}

func (f *failingSink) Put(context.Context, string, []byte, string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return "", errors.New("bucket unavailable")
}

type memorySink struct {
	objects map[string][]byte
}

func (m *memorySink) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = data
	return "https://cdn.example.com/" + key, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func newPersister(primary storage.Sink, fs afero.Fs, opts ...storage.DownloaderOption) *storage.Persister {
	local := storage.NewLocalSinkFs(fs, "http://localhost:8080/media")
	opts = append(opts, storage.WithDownloadSleep(noSleep))
	return storage.NewPersister(primary, local, storage.NewDownloader(time.Second, 3, opts...),
		storage.WithPersisterClock(func() time.Time { return fixedNow }))
}

func inlineClip(data []byte) models.ClipDescriptor {
	return models.ClipDescriptor{ClipID: "inline-abc", InlineVideoBytes: data}
}

func TestPersister_FallsBackToLocalWhenBucketThrows(t *testing.T) {
	fs := afero.NewMemMapFs()
	bucket := &failingSink{}
	p := newPersister(bucket, fs)

	urls, err := p.Persist(context.Background(), storage.PersistRequest{
		Clip:            inlineClip([]byte("mp4-bytes")),
		CaptionText:     "Now hiring",
		Hashtags:        []string{"jobs"},
		DestinationKey:  "item/42",
		DurationSeconds: 8,
		Provider:        "vertex",
	})
	require.NoError(t, err)

	wantVideo := "videos/item-42/vertex-" + "1772366400000" + ".mp4"
	assert.Equal(t, "http://localhost:8080/media/"+wantVideo, urls.VideoURL)
	assert.True(t, strings.HasSuffix(urls.CaptionURL, ".srt"))
	assert.Empty(t, urls.PosterURL)
	assert.Equal(t, int32(2), atomic.LoadInt32(&bucket.calls))

	data, err := afero.ReadFile(fs, wantVideo)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp4-bytes"), data)

	caption, err := afero.ReadFile(fs, strings.TrimSuffix(wantVideo, ".mp4")+".srt")
	require.NoError(t, err)
	assert.Contains(t, string(caption), "00:00:00,000 --> 00:00:08,000")
	assert.Contains(t, string(caption), "#jobs")
}

func TestPersister_NoBucketWritesLocally(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newPersister(nil, fs)

	urls, err := p.Persist(context.Background(), storage.PersistRequest{
		Clip:           inlineClip([]byte("mp4")),
		DestinationKey: "abc",
		Provider:       "gemini",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(urls.VideoURL, "http://localhost:8080/media/videos/abc/gemini-"))
}

func TestPersister_PrefersBucket(t *testing.T) {
	fs := afero.NewMemMapFs()
	bucket := &memorySink{}
	p := newPersister(bucket, fs)

	urls, err := p.Persist(context.Background(), storage.PersistRequest{
		Clip:           inlineClip([]byte("mp4")),
		DestinationKey: "abc",
		Provider:       "vertex",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(urls.VideoURL, "https://cdn.example.com/videos/abc/"))
	assert.Len(t, bucket.objects, 2)

	entries, _ := afero.Glob(fs, "videos/abc/*")
	assert.Empty(t, entries)
}

func TestPersister_DownloadsVideoAndPoster(t *testing.T) {
	var videoHits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/video.mp4":
			if atomic.AddInt32(&videoHits, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("downloaded-mp4"))
		case "/poster.jpg":
			_, _ = w.Write([]byte("jpeg"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	fs := afero.NewMemMapFs()
	p := newPersister(nil, fs)
	videoURL := server.URL + "/video.mp4"
	posterURL := server.URL + "/poster.jpg"

	urls, err := p.Persist(context.Background(), storage.PersistRequest{
		Clip:           models.ClipDescriptor{ClipID: "clip-1", VideoURL: &videoURL, PosterURL: &posterURL},
		DestinationKey: "w1",
		Provider:       "vertex",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&videoHits))
	assert.True(t, strings.HasSuffix(urls.PosterURL, ".jpg"))

	data, err := afero.ReadFile(fs, strings.TrimPrefix(urls.VideoURL, "http://localhost:8080/media/"))
	require.NoError(t, err)
	assert.Equal(t, []byte("downloaded-mp4"), data)
}

func TestPersister_PosterFailureIsNotFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	p := newPersister(nil, afero.NewMemMapFs())
	posterURL := server.URL + "/missing.jpg"
	clip := inlineClip([]byte("mp4"))
	clip.PosterURL = &posterURL

	urls, err := p.Persist(context.Background(), storage.PersistRequest{Clip: clip, DestinationKey: "w1"})
	require.NoError(t, err)
	assert.NotEmpty(t, urls.VideoURL)
	assert.Empty(t, urls.PosterURL)
}

func TestPersister_VideoDownloadExhaustsRetries(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	p := newPersister(nil, afero.NewMemMapFs())
	videoURL := server.URL + "/video.mp4"

	_, err := p.Persist(context.Background(), storage.PersistRequest{
		Clip:           models.ClipDescriptor{ClipID: "clip-1", VideoURL: &videoURL},
		DestinationKey: "w1",
	})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestPersister_NonRetryableStatusFailsFast(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	p := newPersister(nil, afero.NewMemMapFs())
	videoURL := server.URL + "/video.mp4"

	_, err := p.Persist(context.Background(), storage.PersistRequest{
		Clip:           models.ClipDescriptor{ClipID: "clip-1", VideoURL: &videoURL},
		DestinationKey: "w1",
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

type fakeObjects struct {
	bucket, object string
}

func (f *fakeObjects) ReadObject(_ context.Context, bucket, object string) ([]byte, error) {
	f.bucket, f.object = bucket, object
	return []byte("gcs-bytes"), nil
}

func TestPersister_ReadsGSURIThroughObjectReader(t *testing.T) {
	objects := &fakeObjects{}
	fs := afero.NewMemMapFs()
	p := newPersister(nil, fs, storage.WithObjectReader(objects))
	uri := "gs://veo-output/runs/123/sample_0.mp4"

	urls, err := p.Persist(context.Background(), storage.PersistRequest{
		Clip:           models.ClipDescriptor{ClipID: "clip-1", VideoURL: &uri},
		DestinationKey: "w1",
	})
	require.NoError(t, err)
	assert.Equal(t, "veo-output", objects.bucket)
	assert.Equal(t, "runs/123/sample_0.mp4", objects.object)

	data, err := afero.ReadFile(fs, strings.TrimPrefix(urls.VideoURL, "http://localhost:8080/media/"))
	require.NoError(t, err)
	assert.Equal(t, []byte("gcs-bytes"), data)
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "item-42", storage.SanitizeKey("item/42"))
	assert.Equal(t, "a-b-c", storage.SanitizeKey("../a b/c"))
	assert.Equal(t, "unnamed", storage.SanitizeKey("  "))
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", storage.SanitizeKey("550e8400-e29b-41d4-a716-446655440000"))
}
