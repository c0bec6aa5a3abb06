package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/mobu/internal/business"
	"github.com/Iron-Ham/mobu/internal/flock"
)

func pushPayload(org, ref, htmlURL string) []byte {
	return []byte(`{"ref": "` + ref + `", "organization": {"login": "` + org + `"},` +
		` "repository": {"html_url": "` + htmlURL + `"}}`)
}

func postWebhook(t *testing.T, url string, event string, body []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/github/webhook", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(eventHeader, event)
	req.Header.Set(deliveryHeader, "delivery-1")
	req.Header.Set(signatureHeader, signature)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestSign(t *testing.T) {
	// Example from GitHub's webhook validation documentation.
	assert.Equal(t,
		"sha256=757107ea0eb2509fc211221cce984b8a37570b6d7586c22c46f4379c8b043e17",
		Sign("It's a Secret to Everybody", []byte("Hello, World!")))
	assert.True(t, validSignature("k", []byte("x"), Sign("k", []byte("x"))))
	assert.False(t, validSignature("k", []byte("x"), Sign("other", []byte("x"))))
	assert.False(t, validSignature("k", []byte("x"), ""))
}

func TestWebhook(t *testing.T) {
	ts, mgr := newTestServer(t)
	const repoURL = "https://github.com/lsst-sqre/notebooks"

	repoFlock := func(name, ref string) flock.Config {
		cfg := emptyFlock(name, 1)
		cfg.Business = business.Config{Type: business.GitRepoLoopName, Options: map[string]any{
			"repo_url": repoURL + ".git",
			"repo_ref": ref,
		}}
		return cfg
	}
	for _, cfg := range []flock.Config{repoFlock("main", "main"), repoFlock("prod", "prod")} {
		_, err := mgr.StartFlock(context.Background(), cfg)
		require.NoError(t, err)
	}
	refreshing := func(name string) bool {
		f, err := mgr.GetFlock(name)
		require.NoError(t, err)
		return f.Dump().Monkeys[0].Business.Refreshing
	}

	t.Run("bad signature", func(t *testing.T) {
		body := pushPayload("lsst-sqre", "refs/heads/main", repoURL)
		resp := postWebhook(t, ts.URL, "push", body, Sign("wrong", body))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unaccepted org", func(t *testing.T) {
		body := pushPayload("someone-else", "refs/heads/main", repoURL)
		resp := postWebhook(t, ts.URL, "push", body, Sign(webhookSecret, body))
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("tag push is ignored", func(t *testing.T) {
		body := pushPayload("lsst-sqre", "refs/tags/main", repoURL)
		resp := postWebhook(t, ts.URL, "push", body, Sign(webhookSecret, body))
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.False(t, refreshing("main"))
	})

	t.Run("other events are ignored", func(t *testing.T) {
		body := pushPayload("lsst-sqre", "refs/heads/main", repoURL)
		resp := postWebhook(t, ts.URL, "ping", body, Sign(webhookSecret, body))
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.False(t, refreshing("main"))
	})

	t.Run("branch push refreshes matching flocks", func(t *testing.T) {
		body := pushPayload("lsst-sqre", "refs/heads/main", repoURL)
		resp := postWebhook(t, ts.URL, "push", body, Sign(webhookSecret, body))
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.True(t, refreshing("main"))
		assert.False(t, refreshing("prod"))
	})
}

func TestWebhook_Disabled(t *testing.T) {
	s := NewServer(Config{}, nil)
	body := pushPayload("lsst-sqre", "refs/heads/main", "https://github.com/lsst-sqre/notebooks")
	req, err := http.NewRequest(http.MethodPost, "/github/webhook", bytes.NewReader(body))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
