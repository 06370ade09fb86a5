// Package upstream builds the default HTTP client siphon uses to reach
// the real origin server when a host hasn't supplied its own
// FulfillmentClient: automatic gzip/deflate/brotli decompression, cookies
// off, redirects off, and no default proxy beyond a single optional
// override.
package upstream

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// Options configures the default client.
type Options struct {
	// ProxyURL, if non-empty, is the single optional upstream proxy
	// override. Empty means no proxy.
	ProxyURL string
}

// New builds the default upstream *http.Client per §4.6a.
func New(opts Options) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	if opts.ProxyURL != "" {
		parsed, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	// DisableCompression so the stdlib transport never auto-consumes the
	// response body's gzip envelope before decompressingTransport gets a
	// chance to inspect Content-Encoding itself.
	transport.DisableCompression = true

	return &http.Client{
		Transport: &decompressingTransport{inner: transport},
		Jar:       nil,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// decompressingTransport requests gzip/deflate/br from upstream and
// transparently unwraps whichever encoding the origin chose before handing
// the response back, mirroring the automatic-decompression behavior of a
// stdlib transport but extended to deflate and brotli.
type decompressingTransport struct {
	inner http.RoundTripper
}

func (t *decompressingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}

	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	encoding := resp.Header.Get("Content-Encoding")
	body, err := decompress(encoding, resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	if body != nil {
		resp.Body = body
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
	}
	return resp, nil
}

// decompress returns nil (no wrapping needed) when encoding isn't one this
// transport handles.
func decompress(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		return &readCloserPair{Reader: gz, closeUnderlying: body}, nil
	case "deflate":
		fr := flate.NewReader(body)
		return &readCloserPair{Reader: fr, closeUnderlying: body}, nil
	case "br":
		br := brotli.NewReader(body)
		return &readCloserPair{Reader: br, closeUnderlying: body}, nil
	default:
		return nil, nil
	}
}

// readCloserPair presents a decompressing io.Reader as an io.ReadCloser
// that closes the underlying compressed body on Close.
type readCloserPair struct {
	io.Reader
	closeUnderlying io.Closer
}

func (p *readCloserPair) Close() error {
	return p.closeUnderlying.Close()
}
