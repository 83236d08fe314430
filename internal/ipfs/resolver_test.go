package ipfs

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestResolveBase64(t *testing.T) {
	payload := `{"version":"1.0.0","type":"ADD_EDIT"}`
	uri := base64Prefix + base64.StdEncoding.EncodeToString([]byte(payload))

	r := NewResolver("http://unused/")
	data, err := r.Resolve(context.Background(), uri)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if string(data) != payload {
		t.Fatalf("data = %q", data)
	}
}

func TestResolveBase64Malformed(t *testing.T) {
	r := NewResolver("http://unused/")

	_, err := r.Resolve(context.Background(), base64Prefix+"!!!not-base64!!!")
	if !errors.Is(err, ErrUnableToParseBase64) {
		t.Fatalf("err = %v, want ErrUnableToParseBase64", err)
	}

	notJSON := base64Prefix + base64.StdEncoding.EncodeToString([]byte("hello"))
	_, err = r.Resolve(context.Background(), notJSON)
	if !errors.Is(err, ErrUnableToParseJSON) {
		t.Fatalf("err = %v, want ErrUnableToParseJSON", err)
	}
}

func TestResolveUnsupportedScheme(t *testing.T) {
	r := NewResolver("http://unused/")
	_, err := r.Resolve(context.Background(), "ftp://example.com/payload")
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("err = %v, want ErrUnsupportedScheme", err)
	}
}

func TestResolveGatewayFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	r := NewResolver(server.URL + "/")
	data, err := r.Resolve(context.Background(), "ipfs://bafytestcid")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("data = %q", data)
	}
}

func TestResolveRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	r := NewResolver(server.URL+"/", WithRetryWindow(time.Second, 5*time.Second))
	data, err := r.Resolve(context.Background(), "ipfs://bafytestcid")
	if err != nil {
		t.Fatalf("Resolve failed after retries: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("data = %q", data)
	}
	if calls.Load() < 3 {
		t.Fatalf("calls = %d, want at least 3", calls.Load())
	}
}

func TestResolveClassifiesExhaustedRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	r := NewResolver(server.URL+"/", WithRetryWindow(100*time.Millisecond, 500*time.Millisecond))
	start := time.Now()
	_, err := r.Resolve(context.Background(), "ipfs://bafytestcid")
	if !errors.Is(err, ErrFailedFetchingContent) {
		t.Fatalf("err = %v, want ErrFailedFetchingContent", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("retries exceeded the elapsed window: %s", elapsed)
	}
}

type memoryArchive struct {
	data map[string][]byte
	puts int
}

func (m *memoryArchive) Put(_ context.Context, cid string, data []byte) error {
	m.data[cid] = data
	m.puts++
	return nil
}

func (m *memoryArchive) Get(_ context.Context, cid string) ([]byte, error) {
	data, ok := m.data[cid]
	if !ok {
		return nil, errors.New("not archived")
	}
	return data, nil
}

func TestResolveFallsBackToArchive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	payloads := &memoryArchive{data: map[string][]byte{"bafytestcid": []byte(`{"ok":true}`)}}
	r := NewResolver(server.URL+"/", WithArchive(payloads), WithRetryWindow(50*time.Millisecond, 200*time.Millisecond))

	data, err := r.Resolve(context.Background(), "ipfs://bafytestcid")
	if err != nil {
		t.Fatalf("Resolve failed despite archived payload: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("data = %q", data)
	}
}

func TestResolveArchivesFetchedPayloads(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	payloads := &memoryArchive{data: make(map[string][]byte)}
	r := NewResolver(server.URL+"/", WithArchive(payloads))

	if _, err := r.Resolve(context.Background(), "ipfs://bafytestcid"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if payloads.puts != 1 {
		t.Fatalf("archive puts = %d, want 1", payloads.puts)
	}
	if string(payloads.data["bafytestcid"]) != `{"ok":true}` {
		t.Fatalf("archived payload = %q", payloads.data["bafytestcid"])
	}
}

func TestResolveGatewayBadJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	r := NewResolver(server.URL + "/")
	_, err := r.Resolve(context.Background(), "ipfs://bafytestcid")
	if !errors.Is(err, ErrUnableToParseJSON) {
		t.Fatalf("err = %v, want ErrUnableToParseJSON", err)
	}
}

type memoryCache struct {
	data map[string][]byte
	hits int
}

func (m *memoryCache) Get(_ context.Context, uri string) ([]byte, bool) {
	data, ok := m.data[uri]
	if ok {
		m.hits++
	}
	return data, ok
}

func (m *memoryCache) Set(_ context.Context, uri string, data []byte) {
	m.data[uri] = data
}

func TestResolveUsesCache(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	cache := &memoryCache{data: make(map[string][]byte)}
	r := NewResolver(server.URL+"/", WithCache(cache))

	for range 3 {
		if _, err := r.Resolve(context.Background(), "ipfs://bafytestcid"); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("gateway calls = %d, want 1", calls.Load())
	}
	if cache.hits != 2 {
		t.Fatalf("cache hits = %d, want 2", cache.hits)
	}
}
