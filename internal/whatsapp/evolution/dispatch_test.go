package evolution

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder counts requests per path and serves scripted answers.
type recorder struct {
	mu    sync.Mutex
	calls []string
	hits  map[string]int
}

func newRecorder() *recorder {
	return &recorder{hits: map[string]int{}}
}

func (r *recorder) record(req *http.Request) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req.Method+" "+req.URL.Path)
	r.hits[req.URL.Path]++
	return r.hits[req.URL.Path]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) hit(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits[path]
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeHTML(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte("<html><body>login</body></html>"))
}

func artifactCall(srv *httptest.Server, paths []string, out **PairingArtifact) call {
	cands := make([]Candidate, 0, len(paths))
	for _, p := range paths {
		cands = append(cands, Candidate{URL: srv.URL + p})
	}
	return call{
		op:         "test",
		candidates: cands,
		build: func(ctx context.Context, c Candidate) (*http.Request, error) {
			return newJSONRequest(ctx, http.MethodGet, c.URL, nil, nil)
		},
		accept: func(resp *Response) error {
			a, err := normalizeArtifact(resp, "shop")
			if err != nil {
				return err
			}
			*out = a
			return nil
		},
	}
}

func TestDispatchStopsAtFirstSuccess(t *testing.T) {
	rec := newRecorder()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		switch r.URL.Path {
		case "/c1":
			http.NotFound(w, r)
		case "/c2":
			writeHTML(w, http.StatusOK)
		case "/c3":
			writeJSON(w, http.StatusOK, `{"pairingCode":"12345678"}`)
		default:
			writeJSON(w, http.StatusOK, `{"pairingCode":"99999999"}`)
		}
	}))
	defer srv.Close()

	var got *PairingArtifact
	d := &dispatcher{httpClient: srv.Client()}
	err := d.dispatch(context.Background(), artifactCall(srv, []string{"/c1", "/c2", "/c3", "/c4", "/c5"}, &got))
	require.NoError(t, err)
	assert.Equal(t, "1234-5678", got.PairingCode)
	assert.Equal(t, 3, rec.count())
	assert.Zero(t, rec.hit("/c4"))
}

func TestDispatchHTMLThenJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/first" {
			writeHTML(w, http.StatusOK)
			return
		}
		writeJSON(w, http.StatusOK, `{"data":{"qrcode":"abc123","pairingCode":"87654321"}}`)
	}))
	defer srv.Close()

	var got *PairingArtifact
	d := &dispatcher{httpClient: srv.Client()}
	require.NoError(t, d.dispatch(context.Background(), artifactCall(srv, []string{"/first", "/second"}, &got)))
	assert.Equal(t, "data:image/png;base64,abc123", got.QRCode)
	assert.Equal(t, "8765-4321", got.PairingCode)
}

func TestDispatchProviderErrorOnlyOnLastCandidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a":
			writeJSON(w, http.StatusBadRequest, `{"message":"first"}`)
		case "/b":
			writeJSON(w, http.StatusOK, `{"pairingCode":"ABCDEFGH"}`)
		default:
			writeJSON(w, http.StatusForbidden, `{"response":{"message":["denied"]}}`)
		}
	}))
	defer srv.Close()

	d := &dispatcher{httpClient: srv.Client()}

	var got *PairingArtifact
	require.NoError(t, d.dispatch(context.Background(), artifactCall(srv, []string{"/a", "/b"}, &got)))
	assert.Equal(t, "ABCD-EFGH", got.PairingCode)

	err := d.dispatch(context.Background(), artifactCall(srv, []string{"/a", "/c"}, &got))
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusForbidden, perr.Status)
	assert.Equal(t, "denied", perr.Message)
	assert.NotErrorIs(t, err, ErrAllCandidatesExhausted)
}

func TestDispatchTransportErrorContinues(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"pairingCode":"12345678"}`)
	}))
	defer srv.Close()

	var got *PairingArtifact
	c := artifactCall(srv, []string{"/ok"}, &got)
	c.candidates = append([]Candidate{{URL: deadURL + "/down"}}, c.candidates...)

	d := &dispatcher{httpClient: srv.Client()}
	require.NoError(t, d.dispatch(context.Background(), c))
	assert.Equal(t, "1234-5678", got.PairingCode)
}

func TestDispatchExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeHTML(w, http.StatusOK)
	}))
	defer srv.Close()

	var got *PairingArtifact
	d := &dispatcher{httpClient: srv.Client()}
	err := d.dispatch(context.Background(), artifactCall(srv, []string{"/a", "/b", "/c"}, &got))
	require.ErrorIs(t, err, ErrAllCandidatesExhausted)
	assert.ErrorIs(t, err, errInconclusive)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Len(t, exhausted.Attempts, 3)
	assert.True(t, exhausted.AllStatus(http.StatusOK))
	assert.Nil(t, got)
}

func conflictCall(srv *httptest.Server, conflicts *int) call {
	return call{
		op:         "create",
		candidates: []Candidate{{URL: srv.URL + "/create"}, {URL: srv.URL + "/create-alt"}},
		build: func(ctx context.Context, c Candidate) (*http.Request, error) {
			return newJSONRequest(ctx, http.MethodPost, c.URL, map[string]string{"name": "shop"}, nil)
		},
		accept: func(resp *Response) error {
			_, err := normalizeCreate(resp, "shop")
			return err
		},
		onConflict: func(ctx context.Context) error {
			*conflicts++
			return nil
		},
	}
}

func TestDispatchConflictRetriesSameCandidate(t *testing.T) {
	rec := newRecorder()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rec.record(r) == 1 {
			writeJSON(w, http.StatusConflict, `{"message":"already in use"}`)
			return
		}
		writeJSON(w, http.StatusCreated, `{"hash":"tok"}`)
	}))
	defer srv.Close()

	conflicts := 0
	d := &dispatcher{httpClient: srv.Client()}
	require.NoError(t, d.dispatch(context.Background(), conflictCall(srv, &conflicts)))
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 2, rec.hit("/create"))
	assert.Zero(t, rec.hit("/create-alt"))
}

func TestDispatchSecondConflictFails(t *testing.T) {
	rec := newRecorder()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		writeJSON(w, http.StatusConflict, `{"message":"already in use"}`)
	}))
	defer srv.Close()

	conflicts := 0
	d := &dispatcher{httpClient: srv.Client()}
	err := d.dispatch(context.Background(), conflictCall(srv, &conflicts))
	assert.ErrorIs(t, err, ErrProviderConflict)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 2, rec.count())
}

func TestDispatchRepeatedUnauthorizedInvalidatesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"message":"Unauthorized"}`)
	}))
	defer srv.Close()

	session := newAuthSession(srv.URL, "", "", "key", srv.Client())
	session.cached = &Credential{Value: "stale", Kind: CredentialJWT}
	d := &dispatcher{httpClient: srv.Client(), session: session}

	var got *PairingArtifact
	c := artifactCall(srv, []string{"/a", "/b"}, &got)
	c.sessionAuth = true
	err := d.dispatch(context.Background(), c)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusUnauthorized, perr.Status)
	assert.Nil(t, session.cached)
}

func TestDispatchCanceledContext(t *testing.T) {
	rec := newRecorder()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got *PairingArtifact
	d := &dispatcher{httpClient: srv.Client()}
	err := d.dispatch(ctx, artifactCall(srv, []string{"/a"}, &got))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, rec.count())
}
