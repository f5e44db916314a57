package headless

import (
	"context"
	"net/http"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mfnews-scraper/internal/news"
)

const listingURL = "https://www.moneycontrol.com/news/business/mutual-funds/page-1"

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1})
	require.Error(t, err)

	f, err := New(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer f.Close()
	require.NotNil(t, f.tabs)
	assert.Equal(t, defaultNavTimeout, f.cfg.NavigationTimeout)
	assert.Equal(t, defaultListWait, f.cfg.ListWait)
	assert.Equal(t, DefaultListSelector, f.cfg.ListSelector)

	unbounded, err := New(Config{})
	require.NoError(t, err)
	defer unbounded.Close()
	assert.Nil(t, unbounded.tabs)
}

func TestFetchCanceledWhileWaitingForTab(t *testing.T) {
	t.Parallel()

	f, err := New(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer f.Close()

	require.True(t, f.tabs.TryAcquire(1))
	defer f.tabs.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, news.FetchRequest{Page: 1, URL: listingURL})
	require.ErrorIs(t, err, context.Canceled)
}

func TestListingHeaders(t *testing.T) {
	t.Parallel()

	profile := http.Header{"Accept-Language": {"en-US"}, "Accept-Encoding": {"gzip, deflate, br"}}
	merged := listingHeaders(profile, http.Header{"X-Test": {"a", "b"}})
	assert.Empty(t, merged.Get("Accept-Encoding"))
	assert.Equal(t, "gzip, deflate, br", profile.Get("Accept-Encoding"), "profile must not be mutated")

	netHeaders := toNetworkHeaders(merged)
	assert.Equal(t, "en-US", netHeaders["Accept-Language"])
	assert.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])

	assert.NotNil(t, listingHeaders(nil, nil))
}

func TestDocumentResponseKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404, URL: "https://example.com/pixel.gif"},
	})
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  403,
			URL:     listingURL,
			Headers: network.Headers{"X-Cache": "MISS", "Content-Encoding": "br"},
		},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://ads.example.com/frame"},
	})
	doc.observe("unrelated event")

	resp := doc.result("https://req", "https://final")
	assert.Equal(t, 403, resp.StatusCode)
	assert.Equal(t, listingURL, resp.URL)
	assert.Equal(t, "MISS", resp.Headers.Get("X-Cache"))
	assert.Empty(t, resp.Headers.Get("Content-Encoding"))
}

func TestDocumentResponseFallbacks(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	resp := doc.result("https://req", "https://final")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://final", resp.URL)
	assert.NotNil(t, resp.Headers)

	resp = doc.result("https://req", "")
	assert.Equal(t, "https://req", resp.URL)
}

func TestFromNetworkHeaders(t *testing.T) {
	t.Parallel()

	h := fromNetworkHeaders(network.Headers{
		"Set-Cookie": []any{"a=1", "b=2"},
		"X-Num":      42,
	})
	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("Set-Cookie"))
	assert.Equal(t, "42", h.Get("X-Num"))
}
