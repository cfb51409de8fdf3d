package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-fetch/internal/config"
	"github.com/JakeFAU/polite-fetch/internal/crawler"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Cache.Enabled = true
	cfg.Cache.BasePath = t.TempDir()
	return &cfg
}

func TestBuildWithInProcessBackends(t *testing.T) {
	ctx := context.Background()
	app, err := Build(ctx, testConfig(t), nil, Options{StopWhenDone: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	require.NotNil(t, app.Dispatcher())
	require.NotNil(t, app.Scheduler())
	assert.True(t, app.Scheduler().Idle())
	require.NoError(t, app.ready(ctx))
	assert.Equal(t, 2, app.Defaults().MaxRetries)
	assert.Nil(t, app.source, "the source only starts when asked for")
}

func TestBuildRejectsUnreachableBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Coordination.Backend = "file"
	cfg.Coordination.FileDir = "/dev/null/locks"

	_, err := Build(context.Background(), cfg, nil, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file coordination init failed")
}

func TestResultHandlerWithoutPublishersPassesThrough(t *testing.T) {
	app, err := Build(context.Background(), testConfig(t), nil, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	var got int
	h := app.ResultHandler(context.Background(), crawler.HandlerFuncs{
		Success: func(*crawler.Request, *crawler.Response) { got++ },
	})
	req, err := crawler.NewRequest("https://a.example/", nil, app.Defaults())
	require.NoError(t, err)
	h.OnSuccess(req, &crawler.Response{StatusCode: http.StatusOK})
	assert.Equal(t, 1, got)

	assert.NotNil(t, app.ResultHandler(context.Background(), nil))
}

func TestCredentialsRegistry(t *testing.T) {
	t.Parallel()

	assert.Nil(t, credentials(config.AuthConfig{}))

	reg := credentials(config.AuthConfig{Credentials: []config.Credential{
		{Host: "a.example", Username: "user", Password: "pass"},
	}})
	require.NotNil(t, reg)
	assert.Equal(t, "Basic dXNlcjpwYXNz", reg.Header("a.example", ""))
}
