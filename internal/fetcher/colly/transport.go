package collyfetcher

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/mfnews-scraper/internal/decode"
)

// maxRawBodyBytes bounds how much of an encoded body is buffered.
const maxRawBodyBytes = 16 << 20

// decodingTransport undoes Content-Encoding (gzip, deflate, br) before colly
// sees the body, and marks the response as uncompressed so colly does not try again.
type decodingTransport struct {
	base    http.RoundTripper
	decoder *decode.Decoder
	// maxBody overrides maxRawBodyBytes when positive.
	maxBody int64
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("decoding transport roundtrip: %w", err)
	}

	limit := t.maxBody
	if limit <= 0 {
		limit = maxRawBodyBytes
	}
	raw, err := decode.ReadLimited(res.Body, limit)
	closeErr := res.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close response body: %w", closeErr)
	}

	text := t.decoder.Decode(raw, res.Header.Get("Content-Encoding"))
	res.Body = io.NopCloser(strings.NewReader(text))
	res.Header.Del("Content-Encoding")
	res.Header.Set("Content-Length", strconv.Itoa(len(text)))
	res.ContentLength = int64(len(text))
	res.Uncompressed = true
	return res, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		// Encodings are negotiated and decoded explicitly by decodingTransport.
		DisableCompression: true,
	}
}
