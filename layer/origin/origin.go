// Package origin is the read-only layer that fetches objects from an HTTP
// source of truth. It sits last in a stack: it never stores anything, and what
// it returns is promoted into the faster layers by the coordinator.
//
// Images (jpeg, png, gif, webp, bmp) are normalized to PNG. Passthrough media
// types are returned byte for byte. Responses without a content type are also
// passed through. Any other media type is refused.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/unkn0wn-root/layercache/codec"
	"github.com/unkn0wn-root/layercache/layer"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 32 << 20
	defaultRetryDelay   = 200 * time.Millisecond
)

var ErrBodyTooLarge = errors.New("origin: response body exceeds limit")

var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
}

type Config struct {
	Client            *http.Client  // nil => http.Client with Timeout
	BaseURL           string        // relative keys are resolved against it
	Timeout           time.Duration // per request; 0 => 10s
	RequestsPerSecond float64       // 0 => unlimited
	Burst             int           // limiter burst; 0 => 1
	MaxRetries        uint          // extra attempts on transport errors and 5xx
	RetryDelay        time.Duration // initial backoff; 0 => 200ms
	MaxBodyBytes      int64         // 0 => 32 MiB
	Passthrough       []string      // media types returned unmodified; nil => application/pdf
	UserAgent         string
}

type Layer struct {
	client      *http.Client
	base        *url.URL
	timeout     time.Duration
	limiter     *rate.Limiter
	maxRetries  uint
	retryDelay  time.Duration
	maxBody     int64
	passthrough map[string]bool
	userAgent   string
}

var _ layer.Layer = (*Layer)(nil)

func New(cfg Config) (*Layer, error) {
	l := &Layer{
		client:      cfg.Client,
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		maxBody:     cfg.MaxBodyBytes,
		passthrough: make(map[string]bool),
		userAgent:   cfg.UserAgent,
	}
	if l.timeout <= 0 {
		l.timeout = defaultTimeout
	}
	if l.client == nil {
		l.client = &http.Client{Timeout: l.timeout}
	}
	if l.retryDelay <= 0 {
		l.retryDelay = defaultRetryDelay
	}
	if l.maxBody <= 0 {
		l.maxBody = defaultMaxBodyBytes
	}
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("origin: base url: %w", err)
		}
		if !u.IsAbs() {
			return nil, fmt.Errorf("origin: base url %q is not absolute", cfg.BaseURL)
		}
		l.base = u
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	pt := cfg.Passthrough
	if pt == nil {
		pt = []string{"application/pdf"}
	}
	for _, t := range pt {
		l.passthrough[strings.ToLower(t)] = true
	}
	return l, nil
}

func (l *Layer) Name() string { return "origin" }

// Store is a no-op; the origin is never written through the cache.
func (l *Layer) Store(context.Context, string, []byte) error { return nil }
func (l *Layer) Remove(context.Context, string) error        { return nil }
func (l *Layer) RemoveAll(context.Context) error             { return nil }

func (l *Layer) Retrieve(ctx context.Context, key string) ([]byte, error) {
	target, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	if l.maxRetries == 0 {
		return l.attempt(ctx, key, target)
	}

	op := func() ([]byte, error) {
		b, err := l.attempt(ctx, key, target)
		if err != nil && !retryable(ctx, err) {
			return nil, backoff.Permanent(err)
		}
		return b, err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.retryDelay
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(l.maxRetries+1),
	)
}

// attempt is one rate limited request; every retry goes through it.
func (l *Layer) attempt(ctx context.Context, key, target string) ([]byte, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("origin: rate limit wait cancelled: %w", err)
		}
	}
	return l.fetch(ctx, key, target)
}

func (l *Layer) resolve(key string) (string, error) {
	u, err := url.Parse(key)
	if err != nil {
		return "", fmt.Errorf("origin: key %q is not a url: %w", key, err)
	}
	if l.base != nil {
		u = l.base.ResolveReference(u)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("origin: key %q is not an absolute url and no base url is set", key)
	}
	return u.String(), nil
}

func (l *Layer) fetch(ctx context.Context, key, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("origin: build request: %w", err)
	}
	// setting it explicitly also keeps net/http from decompressing behind our back
	req.Header.Set("Accept-Encoding", "identity")
	if l.userAgent != "" {
		req.Header.Set("User-Agent", l.userAgent)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin: get %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &layer.MissError{Key: key}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Key: key, Code: resp.StatusCode, Status: resp.Status}
	}

	if enc := resp.Header.Get("Content-Encoding"); !identity(enc) {
		return nil, &layer.UnsupportedEncodingError{Key: key, Encoding: enc}
	}
	for _, te := range resp.TransferEncoding {
		if te != "chunked" && !identity(te) {
			return nil, &layer.UnsupportedEncodingError{Key: key, Encoding: te}
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("origin: read %s: %w", target, err)
	}
	if int64(len(body)) > l.maxBody {
		return nil, fmt.Errorf("%w: %s (limit %d)", ErrBodyTooLarge, target, l.maxBody)
	}
	return l.normalize(key, resp.Header.Get("Content-Type"), body)
}

func (l *Layer) normalize(key, contentType string, body []byte) ([]byte, error) {
	if contentType == "" {
		return body, nil
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, &layer.UnsupportedContentTypeError{Key: key, ContentType: contentType}
	}
	switch {
	case imageTypes[mt]:
		out, _, err := codec.Transcode(body)
		if err != nil {
			return nil, &layer.BadPayloadError{Key: key, Err: err}
		}
		return out, nil
	case l.passthrough[mt]:
		return body, nil
	default:
		return nil, &layer.UnsupportedContentTypeError{Key: key, ContentType: mt}
	}
}

func identity(enc string) bool {
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "", "identity", "none":
		return true
	}
	return false
}

// retryable reports transport failures and 5xx responses.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
