// Package ipfs resolves content URIs to raw payload bytes. Content lives
// either behind an IPFS gateway or inline as base64-encoded JSON.
package ipfs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"geogenesis/sink/internal/logutils"
)

const (
	base64Prefix = "data:application/json;base64,"
	ipfsPrefix   = "ipfs://"
)

// Classified resolution failures. Callers branch on these with errors.Is;
// none of them is retryable once returned.
var (
	ErrUnableToParseBase64   = errors.New("unable to parse base64 content")
	ErrUnableToParseJSON     = errors.New("unable to parse JSON content")
	ErrFailedFetchingContent = errors.New("failed fetching content")
	ErrUnsupportedScheme     = errors.New("unsupported content URI scheme")
)

// Cache is a read-through cache of resolved payloads. Both methods are
// best-effort: a failing cache degrades to a direct fetch.
type Cache interface {
	Get(ctx context.Context, uri string) ([]byte, bool)
	Set(ctx context.Context, uri string, data []byte)
}

// Archive persists raw payload bytes keyed by CID after a successful
// gateway fetch, and serves them back when the gateway no longer has the
// content.
type Archive interface {
	Put(ctx context.Context, cid string, data []byte) error
	Get(ctx context.Context, cid string) ([]byte, error)
}

type Resolver struct {
	gateway string
	client  *http.Client
	timeout time.Duration
	window  time.Duration
	cache   Cache
	archive Archive
	log     *logrus.Logger
}

type Option func(*Resolver)

func WithCache(cache Cache) Option {
	return func(r *Resolver) { r.cache = cache }
}

func WithArchive(archive Archive) Option {
	return func(r *Resolver) { r.archive = archive }
}

// WithRetryWindow overrides the per-attempt timeout and the total elapsed
// retry window.
func WithRetryWindow(timeout, window time.Duration) Option {
	return func(r *Resolver) {
		r.timeout = timeout
		r.window = window
	}
}

func NewResolver(gateway string, opts ...Option) *Resolver {
	r := &Resolver{
		gateway: gateway,
		client:  &http.Client{},
		timeout: 30 * time.Second,
		window:  30 * time.Second,
		log:     logutils.Log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve turns a content URI into raw payload bytes. Gateway fetches are
// retried with jittered exponential backoff until the elapsed window runs
// out; inline base64 URIs never touch the network. No partial state
// survives a failed resolve.
func (r *Resolver) Resolve(ctx context.Context, uri string) ([]byte, error) {
	if strings.HasPrefix(uri, base64Prefix) {
		return decodeBase64URI(uri)
	}
	if strings.HasPrefix(uri, ipfsPrefix) {
		return r.fetch(ctx, uri)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, uri)
}

func decodeBase64URI(uri string) ([]byte, error) {
	encoded := strings.TrimPrefix(uri, base64Prefix)
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrUnableToParseBase64)
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnableToParseBase64, err)
	}
	if !json.Valid(decoded) {
		return nil, fmt.Errorf("%w: inline payload is not JSON", ErrUnableToParseJSON)
	}
	return decoded, nil
}

func (r *Resolver) fetch(ctx context.Context, uri string) ([]byte, error) {
	if r.cache != nil {
		if data, ok := r.cache.Get(ctx, uri); ok {
			return data, nil
		}
	}

	cid := strings.TrimPrefix(uri, ipfsPrefix)
	url := r.gateway + cid

	attempt := func() ([]byte, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = r.window

	data, err := backoff.RetryWithData(attempt, backoff.WithContext(policy, ctx))
	if err != nil {
		// The gateway may have garbage-collected the content; an earlier
		// run could still have archived it.
		if r.archive != nil {
			if archived, archiveErr := r.archive.Get(ctx, cid); archiveErr == nil && json.Valid(archived) {
				r.log.WithFields(logutils.Fields{"cid": cid}).
					Warn("gateway fetch failed, serving payload from archive")
				return archived, nil
			}
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrFailedFetchingContent, uri, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: %s", ErrUnableToParseJSON, uri)
	}

	if r.cache != nil {
		r.cache.Set(ctx, uri, data)
	}
	if r.archive != nil {
		if err := r.archive.Put(ctx, cid, data); err != nil {
			r.log.WithFields(logutils.Fields{"cid": cid}).
				Warnf("archiving payload failed: %v", err)
		}
	}
	return data, nil
}
