package render_test

import (
	"context"
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
	"github.com/bobarin/reelworks/internal/quota"
	"github.com/bobarin/reelworks/internal/render"
	"github.com/bobarin/reelworks/internal/services"
	"github.com/bobarin/reelworks/internal/storage"
)

type staticCredentials struct{}

func (staticCredentials) AccessToken(context.Context) (services.AccessToken, error) {
	return services.AccessToken{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (staticCredentials) ProjectID(context.Context) (string, error) {
	return "proj-1", nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestRender_EndToEndResumesPendingOperation(t *testing.T) {
	var controlCalls int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ":predictLongRunning"):
			atomic.AddInt32(&controlCalls, 1)
			_, _ = w.Write([]byte(`{"name":"operations/abc"}`))
		case strings.HasSuffix(r.URL.Path, ":fetchPredictOperation"):
			atomic.AddInt32(&controlCalls, 1)
			_, _ = w.Write([]byte(`{"name":"operations/abc","done":true,"response":{"videos":[{"uri":"` + server.URL + `/out/sample_0.mp4"}]}}`))
		case r.URL.Path == "/out/sample_0.mp4":
			_, _ = w.Write([]byte("rendered-mp4"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	client := services.NewRenderClient(
		services.NewVertexTransport("us-central1", server.URL, ""),
		staticCredentials{},
		quota.NewMeter(quota.WithClock(clock.Now)),
		services.NewGuard(2, 0),
		services.ClientConfig{},
		services.WithClientClock(clock.Now, noSleep),
	)
	fs := afero.NewMemMapFs()
	persister := storage.NewPersister(nil,
		storage.NewLocalSinkFs(fs, "http://localhost:8080/media"),
		storage.NewDownloader(5*time.Second, 3, storage.WithDownloadSleep(noSleep)),
		storage.WithPersisterClock(clock.Now),
	)
	o := render.NewOrchestrator(client, persister, render.Config{}, render.WithClock(clock.Now))

	manifest := testManifest()
	require.Equal(t, 28.0, manifest.StoryboardSeconds())
	req := render.Request{WorkItemID: "job-28s", Manifest: manifest, Tier: testTier(), State: models.NewOperationState()}

	out, err := o.Render(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, out.HTTPStatus)
	assert.Equal(t, models.OperationStatusPredicting, out.State.Status)
	assert.Equal(t, "operations/abc", out.State.Name())
	assert.Equal(t, int32(1), atomic.LoadInt32(&controlCalls))

	clock.Advance(5 * time.Second)
	req.State = out.State
	out, err = o.Render(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, out.HTTPStatus)
	assert.Equal(t, int32(1), atomic.LoadInt32(&controlCalls))

	clock.Advance(render.DefaultPollBackoff[0])
	req.State = out.State
	out, err = o.Render(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.HTTPStatus)
	assert.Equal(t, int32(2), atomic.LoadInt32(&controlCalls))
	require.NotNil(t, out.Task.Result)
	assert.True(t, strings.HasSuffix(out.Task.Result.VideoURL, ".mp4"))
	assert.Equal(t, 28.0, out.Task.Metrics.SecondsGenerated)
	assert.Equal(t, models.OperationStatusReady, out.State.Status)

	stored, err := afero.ReadFile(fs, strings.TrimPrefix(out.Task.Result.VideoURL, "http://localhost:8080/media/"))
	require.NoError(t, err)
	assert.Equal(t, []byte("rendered-mp4"), stored)

	req.State = out.State
	req.PriorResult = &out.Task
	again, err := o.Render(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, again.HTTPStatus)
	assert.Equal(t, out.Task.Result.VideoURL, again.Task.Result.VideoURL)
	assert.Equal(t, int32(2), atomic.LoadInt32(&controlCalls))
}

func TestRender_EndToEndDryRunWithoutCredentials(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := services.NewRenderClient(
		services.NewVertexTransport("us-central1", server.URL, ""),
		nil, nil, nil, services.ClientConfig{},
	)
	persister := storage.NewPersister(nil, storage.NewLocalSinkFs(afero.NewMemMapFs(), "http://localhost:8080/media"), nil)
	o := render.NewOrchestrator(client, persister, render.Config{})

	manifest := testManifest()
	manifest.ThumbnailURL = "https://cdn.example.com/thumb.jpg"
	state := models.NewOperationState()

	out, err := o.Render(context.Background(), render.Request{WorkItemID: "w1", Manifest: manifest, Tier: testTier(), State: state})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, out.HTTPStatus)
	assert.Equal(t, models.RenderModeDryRun, out.Task.Mode)
	assert.Equal(t, models.RenderStatusCompleted, out.Task.Status)
	require.NotNil(t, out.Task.Preview)
	assert.Equal(t, manifest.Storyboard, out.Task.Preview.Storyboard)
	assert.Equal(t, manifest.Caption, out.Task.Preview.Caption)
	assert.Equal(t, "https://cdn.example.com/thumb.jpg", out.Task.Preview.ThumbnailURL)
	assert.Equal(t, state, out.State)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
