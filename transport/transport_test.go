package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmesh/conductor/core"
)

func newTestTransport(t *testing.T) *HTTPTransport {
	t.Helper()
	tr := New(&Config{MaxConns: 10, MaxConnsPerHost: 5, KeepAlive: time.Second})
	t.Cleanup(tr.Close)
	return tr
}

func TestPostJSONRoundTrip(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := newTestTransport(t)
	raw, err := tr.PostJSON(context.Background(), srv.URL, map[string]string{"hello": "world"}, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.Equal(t, "world", received["hello"])
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := newTestTransport(t)
	_, err := tr.PostJSON(context.Background(), srv.URL, nil, 5*time.Second)
	require.Error(t, err)

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, KindStatus, terr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, terr.Status)
	assert.True(t, errors.Is(err, core.ErrRequestFailed))
	assert.True(t, core.IsTransient(err))
}

func TestClientErrorIsDomainFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	tr := newTestTransport(t)
	_, err := tr.PostJSON(context.Background(), srv.URL, nil, 5*time.Second)
	require.Error(t, err)

	assert.True(t, errors.Is(err, core.ErrDomainFailure))
	assert.False(t, core.IsTransient(err), "4xx must never be retried")
}

func TestTimeoutClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	tr := newTestTransport(t)
	start := time.Now()
	_, err := tr.PostJSON(context.Background(), srv.URL, nil, 200*time.Millisecond)
	require.Error(t, err)

	assert.True(t, errors.Is(err, core.ErrTimeout), "got: %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestConnectionRefusedClassification(t *testing.T) {
	// Grab a port that nothing listens on
	srv := httptest.NewServer(http.NotFoundHandler())
	dead := srv.URL
	srv.Close()

	tr := newTestTransport(t)
	_, err := tr.PostJSON(context.Background(), dead, nil, 2*time.Second)
	require.Error(t, err)

	assert.True(t, errors.Is(err, core.ErrConnectionFailed), "got: %v", err)
	assert.True(t, core.IsTransient(err))
}

func TestCallerCancellationIsNotATransportFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	tr := newTestTransport(t)
	_, err := tr.PostJSON(ctx, srv.URL, nil, 10*time.Second)
	require.Error(t, err)

	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, core.IsTransient(err), "caller cancellation must not count toward breakers")
}

func TestGetJSONDecodesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"name":"jira-agent","capabilities":["jira"]}`))
	}))
	defer srv.Close()

	tr := newTestTransport(t)
	var out struct {
		Name         string   `json:"name"`
		Capabilities []string `json:"capabilities"`
	}
	require.NoError(t, tr.GetJSON(context.Background(), srv.URL, 5*time.Second, &out))
	assert.Equal(t, "jira-agent", out.Name)
	assert.Equal(t, []string{"jira"}, out.Capabilities)
}

func TestGetJSONMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"name":`))
	}))
	defer srv.Close()

	tr := newTestTransport(t)
	var out map[string]interface{}
	err := tr.GetJSON(context.Background(), srv.URL, 5*time.Second, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrProtocol))
}

func TestClientReuseByTimeoutBucket(t *testing.T) {
	tr := newTestTransport(t)

	a := tr.clientFor(1200 * time.Millisecond)
	b := tr.clientFor(1800 * time.Millisecond)
	c := tr.clientFor(2500 * time.Millisecond)

	assert.Same(t, a, b, "timeouts in the same bucket share a client")
	assert.NotSame(t, a, c)
}
