// Package decode turns raw, possibly compressed response bodies into UTF-8 text.
package decode

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
)

// maxDecodedBytes caps decompression output.
const maxDecodedBytes = 32 << 20

// ErrTooLarge reports a body that exceeds a read cap.
var ErrTooLarge = errors.New("body too large")

// Decoder undoes Content-Encoding and normalizes text. It never fails:
// a body that cannot be decompressed is treated as identity-encoded.
type Decoder struct {
	logger *zap.Logger
}

// New returns a Decoder that reports fallbacks on logger.
func New(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// Decode applies the declared content encoding and returns lossy UTF-8 text.
func (d *Decoder) Decode(raw []byte, contentEncoding string) string {
	body, err := decompress(raw, contentEncoding)
	if err != nil {
		d.logger.Warn("decompression failed; treating body as identity",
			zap.String("content_encoding", contentEncoding),
			zap.Int("bytes", len(raw)),
			zap.Error(err),
		)
		body = raw
	}
	return toValidUTF8(body)
}

// decompress undoes a comma-separated encoding list, last-applied first.
func decompress(raw []byte, contentEncoding string) ([]byte, error) {
	tokens := strings.Split(contentEncoding, ",")
	body := raw
	for i := len(tokens) - 1; i >= 0; i-- {
		token := strings.ToLower(strings.TrimSpace(tokens[i]))
		var err error
		switch token {
		case "", "identity":
			continue
		case "br":
			body, err = readAll(brotli.NewReader(bytes.NewReader(body)))
		case "gzip", "x-gzip":
			var zr *gzip.Reader
			zr, err = gzip.NewReader(bytes.NewReader(body))
			if err == nil {
				body, err = readAll(zr)
				if cerr := zr.Close(); err == nil && cerr != nil {
					err = cerr
				}
			}
		case "deflate":
			body, err = inflate(body)
		default:
			return nil, fmt.Errorf("unsupported content encoding %q", token)
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", token, err)
		}
	}
	return body, nil
}

// inflate reads an HTTP deflate body. Servers are supposed to send zlib
// framing but some send a bare DEFLATE stream, so that is tried second.
func inflate(body []byte) ([]byte, error) {
	zr, zerr := zlib.NewReader(bytes.NewReader(body))
	if zerr == nil {
		data, err := readAll(zr)
		if cerr := zr.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err == nil || errors.Is(err, ErrTooLarge) {
			return data, err
		}
		zerr = err
	}
	fr := flate.NewReader(bytes.NewReader(body))
	data, err := readAll(fr)
	if cerr := fr.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("zlib: %v; raw deflate: %w", zerr, err)
	}
	return data, nil
}

func readAll(r io.Reader) ([]byte, error) {
	data, err := ReadLimited(r, maxDecodedBytes)
	if err != nil {
		return nil, fmt.Errorf("read decompressed body: %w", err)
	}
	return data, nil
}

// ReadLimited reads r to EOF and fails with ErrTooLarge rather than
// truncating when more than limit bytes are available.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}

func toValidUTF8(body []byte) string {
	if utf8.Valid(body) {
		return string(body)
	}
	return strings.ToValidUTF8(string(body), string(utf8.RuneError))
}
