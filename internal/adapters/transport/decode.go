// Package transport holds the HTTP plumbing shared by the backend and
// interpretation clients.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncoding is advertised on every request made through Decoding.
const AcceptEncoding = "gzip, zstd"

// Decoding is a RoundTripper that negotiates gzip or zstd bodies and hands
// callers the decoded stream. Bodies are decoded incrementally, so an event
// stream stays incremental.
type Decoding struct {
	Base http.RoundTripper
}

func (d *Decoding) RoundTrip(req *http.Request) (*http.Response, error) {
	base := d.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", AcceptEncoding)
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecodeBody(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// NewClient returns an http.Client whose transport decodes compressed
// responses. A zero timeout means none, which event streams need.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: &Decoding{}}
}

// DecodeBody replaces resp.Body with a decoder for its Content-Encoding.
// Identity and empty encodings are left alone.
func DecodeBody(resp *http.Response) error {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	var (
		r   io.ReadCloser
		err error
	)
	switch enc {
	case "", "identity":
		return nil
	case "gzip", "x-gzip":
		r, err = newGzipBody(resp.Body)
	case "zstd":
		r, err = newZstdBody(resp.Body)
	default:
		return fmt.Errorf("unsupported content encoding %q", enc)
	}
	if err != nil {
		return fmt.Errorf("decode %s body: %w", enc, err)
	}
	resp.Body = r
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

type gzipBody struct {
	zr   *gzip.Reader
	body io.ReadCloser
}

func newGzipBody(body io.ReadCloser) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(body)
	if err != nil {
		return nil, err
	}
	return &gzipBody{zr: zr, body: body}, nil
}

func (g *gzipBody) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipBody) Close() error {
	return errors.Join(g.zr.Close(), g.body.Close())
}

type zstdBody struct {
	dec  *zstd.Decoder
	body io.ReadCloser
}

func newZstdBody(body io.ReadCloser) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(body, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &zstdBody{dec: dec, body: body}, nil
}

func (z *zstdBody) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdBody) Close() error {
	z.dec.Close()
	return z.body.Close()
}
