package evolution

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	APIKey string
	Bearer string
	Body   map[string]interface{}
}

type stubProvider struct {
	*httptest.Server
	mu       sync.Mutex
	requests []capturedRequest
	handle   func(w http.ResponseWriter, r capturedRequest, n int)
	hits     map[string]int
}

func newStubProvider(t *testing.T, handle func(w http.ResponseWriter, r capturedRequest, n int)) *stubProvider {
	t.Helper()
	sp := &stubProvider{handle: handle, hits: map[string]int{}}
	sp.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		cr := capturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			APIKey: r.Header.Get("apikey"),
			Bearer: r.Header.Get("Authorization"),
		}
		if len(raw) > 0 {
			_ = jsonAPI.Unmarshal(raw, &cr.Body)
		}
		sp.mu.Lock()
		sp.requests = append(sp.requests, cr)
		key := r.Method + " " + r.URL.Path
		sp.hits[key]++
		n := sp.hits[key]
		sp.mu.Unlock()
		sp.handle(w, cr, n)
	}))
	t.Cleanup(sp.Close)
	return sp
}

func (sp *stubProvider) count(method, path string) int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.hits[method+" "+path]
}

func (sp *stubProvider) all() []capturedRequest {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return append([]capturedRequest(nil), sp.requests...)
}

func newTestClient(t *testing.T, sp *stubProvider) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:     sp.URL + "/",
		APIKey:      "global-key",
		SettleDelay: time.Millisecond,
		HTTPClient:  sp.Client(),
	})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "provider.local"})
	assert.Error(t, err)
}

func TestCreateInstanceResolvesConflict(t *testing.T) {
	sp := newStubProvider(t, func(w http.ResponseWriter, r capturedRequest, n int) {
		switch {
		case r.Method == http.MethodPost && r.Path == "/instances/create":
			if n == 1 {
				writeJSON(w, http.StatusConflict, `{"message":"name already in use"}`)
				return
			}
			writeJSON(w, http.StatusCreated, `{"data":{"token":"instance-token"}}`)
		case r.Method == http.MethodDelete && r.Path == "/instance/delete/shop":
			writeJSON(w, http.StatusOK, `{"status":"SUCCESS"}`)
		default:
			http.NotFound(w, nil)
		}
	})
	c := newTestClient(t, sp)

	res, err := c.CreateInstance(context.Background(), "shop", true, "(24) 99999-9999")
	require.NoError(t, err)
	assert.Equal(t, "instance-token", res.InstanceToken)
	assert.Equal(t, 1, sp.count(http.MethodDelete, "/instance/delete/shop"))
	assert.Equal(t, 2, sp.count(http.MethodPost, "/instances/create"))

	first := sp.all()[0]
	assert.Equal(t, "global-key", first.APIKey)
	assert.Equal(t, "shop", first.Body["instanceName"])
	assert.Equal(t, true, first.Body["qrcode"])
	assert.Equal(t, "5524999999999", first.Body["number"])
	assert.Equal(t, DefaultIntegration, first.Body["integration"])
}

func TestCreateInstanceInvalidPhone(t *testing.T) {
	sp := newStubProvider(t, func(w http.ResponseWriter, r capturedRequest, n int) {
		t.Errorf("unexpected request %s %s", r.Method, r.Path)
	})
	c := newTestClient(t, sp)

	_, err := c.CreateInstance(context.Background(), "shop", false, "123")
	assert.ErrorIs(t, err, ErrInvalidPhoneNumber)
	_, err = c.CreateInstance(context.Background(), "  ", false, "")
	assert.ErrorIs(t, err, ErrInvalidInstanceName)
}

func TestDeleteInstanceIdempotent(t *testing.T) {
	sp := newStubProvider(t, func(w http.ResponseWriter, r capturedRequest, n int) {
		writeJSON(w, http.StatusNotFound, `{"message":"instance does not exist"}`)
	})
	c := newTestClient(t, sp)

	require.NoError(t, c.DeleteInstance(context.Background(), "gone", ""))
	assert.Len(t, sp.all(), len(deletePaths))
}

func TestDeleteInstanceProviderError(t *testing.T) {
	sp := newStubProvider(t, func(w http.ResponseWriter, r capturedRequest, n int) {
		writeJSON(w, http.StatusInternalServerError, `{"message":"storage offline"}`)
	})
	c := newTestClient(t, sp)

	err := c.DeleteInstance(context.Background(), "shop", "instance-token")
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "storage offline", perr.Message)
	for _, r := range sp.all() {
		assert.Equal(t, "instance-token", r.APIKey)
	}
}

func TestGetConnectionCodeSkipsHTML(t *testing.T) {
	sp := newStubProvider(t, func(w http.ResponseWriter, r capturedRequest, n int) {
		switch r.Path {
		case "/instances/connect/shop":
			writeHTML(w, http.StatusOK)
		case "/instance/connect/shop":
			writeJSON(w, http.StatusOK, `{"data":{"qrcode":"abc123","pairingCode":"87654321"}}`)
		default:
			http.NotFound(w, nil)
		}
	})
	c := newTestClient(t, sp)

	a, err := c.GetConnectionCode(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,abc123", a.QRCode)
	assert.Equal(t, "8765-4321", a.PairingCode)
}

func TestGetConnectionCodeTimeoutTriesNextCandidate(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/instances/connect/shop":
			select {
			case <-time.After(300 * time.Millisecond):
			case <-r.Context().Done():
			}
			writeJSON(w, http.StatusOK, `{"pairingCode":"99999999"}`)
		case "/instance/connect/shop":
			writeJSON(w, http.StatusOK, `{"pairingCode":"12345678"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{
		BaseURL:     srv.URL,
		APIKey:      "global-key",
		Timeout:     50 * time.Millisecond,
		SettleDelay: time.Millisecond,
	})
	require.NoError(t, err)

	a, err := c.GetConnectionCode(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, "1234-5678", a.PairingCode)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/instances/connect/shop", "/instance/connect/shop"}, paths)
}

func TestNewClientAppliesTimeoutToSuppliedHTTPClient(t *testing.T) {
	supplied := &http.Client{}
	c, err := NewClient(Config{BaseURL: "http://provider.local", Timeout: 2 * time.Second, HTTPClient: supplied})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, c.dispatcher.httpClient.Timeout)
	assert.Zero(t, supplied.Timeout)

	bounded := &http.Client{Timeout: time.Second}
	c, err = NewClient(Config{BaseURL: "http://provider.local", HTTPClient: bounded})
	require.NoError(t, err)
	assert.Same(t, bounded, c.dispatcher.httpClient)
}

func TestConnectWithPairingCode(t *testing.T) {
	sp := newStubProvider(t, func(w http.ResponseWriter, r capturedRequest, n int) {
		switch {
		case r.Path == "/instances/create":
			writeJSON(w, http.StatusCreated, `{"hash":"inst-token","qrcode":{"pairingCode":null}}`)
		case r.Path == "/instances/connect/shop" && r.Query == "number=5524999999999":
			writeJSON(w, http.StatusOK, `{"pairingCode":"ABCD1234","code":"2@raw"}`)
		default:
			http.NotFound(w, nil)
		}
	})
	c := newTestClient(t, sp)

	res, err := c.ConnectWithPairingCode(context.Background(), "shop", "24999999999")
	require.NoError(t, err)
	assert.Equal(t, "inst-token", res.InstanceToken)
	assert.Equal(t, "ABCD-1234", res.Pairing.PairingCode)

	reqs := sp.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, true, reqs[0].Body["qrcode"])
	assert.Equal(t, "5524999999999", reqs[0].Body["number"])
}

func TestConnectWithPairingCodeHonorsContext(t *testing.T) {
	sp := newStubProvider(t, func(w http.ResponseWriter, r capturedRequest, n int) {
		writeJSON(w, http.StatusCreated, `{"hash":"inst-token"}`)
	})
	c := newTestClient(t, sp)
	c.settleDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.ConnectWithPairingCode(ctx, "shop", "24999999999")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, sp.all(), 1)
}

func TestGetConnectionStateUsesInstanceToken(t *testing.T) {
	sp := newStubProvider(t, func(w http.ResponseWriter, r capturedRequest, n int) {
		writeJSON(w, http.StatusOK, `{"instance":{"instanceName":"shop","state":"open"}}`)
	})
	c := newTestClient(t, sp)

	state, err := c.GetConnectionState(context.Background(), "shop", "inst-token")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, state)
	reqs := sp.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "inst-token", reqs[0].APIKey)
	assert.Equal(t, "/instance/connectionState/shop", reqs[0].Path)
}

func TestGetConnectionStateFallsBackToList(t *testing.T) {
	sp := newStubProvider(t, func(w http.ResponseWriter, r capturedRequest, n int) {
		if r.Path == "/instance/fetchInstances" {
			writeJSON(w, http.StatusOK, `[{"name":"other","connectionStatus":"open"},{"name":"shop","connectionStatus":"connecting"}]`)
			return
		}
		http.NotFound(w, nil)
	})
	c := newTestClient(t, sp)

	state, err := c.GetConnectionState(context.Background(), "shop", "")
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, state)
	assert.Len(t, sp.all(), len(statusPaths)+1)
}

func TestSendTextRequiresInstanceToken(t *testing.T) {
	sp := newStubProvider(t, func(w http.ResponseWriter, r capturedRequest, n int) {
		t.Errorf("unexpected request %s", r.Path)
	})
	c := newTestClient(t, sp)

	_, err := c.SendTextMessage(context.Background(), "shop", "", "24999999999", "hi")
	assert.ErrorIs(t, err, ErrInstanceTokenRequired)
	_, err = c.SendTextMessage(context.Background(), "shop", "tok", "24999999999", " ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = c.SendTextMessage(context.Background(), "shop", "tok", "99", "hi")
	assert.ErrorIs(t, err, ErrInvalidPhoneNumber)
}

func TestSendText(t *testing.T) {
	sp := newStubProvider(t, func(w http.ResponseWriter, r capturedRequest, n int) {
		writeJSON(w, http.StatusCreated, `{"key":{"id":"3EB0"},"status":"PENDING"}`)
	})
	c := newTestClient(t, sp)

	ack, err := c.SendTextMessage(context.Background(), "shop", "inst-token", "55024999999999", "Seu pedido saiu para entrega")
	require.NoError(t, err)
	assert.Equal(t, "3EB0", ack.MessageID)

	reqs := sp.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/message/sendText/shop", reqs[0].Path)
	assert.Equal(t, "inst-token", reqs[0].APIKey)
	assert.Empty(t, reqs[0].Bearer)
	assert.Equal(t, "5524999999999", reqs[0].Body["number"])
}

func TestSendImageFallsBackToNestedShape(t *testing.T) {
	sp := newStubProvider(t, func(w http.ResponseWriter, r capturedRequest, n int) {
		if _, nested := r.Body["mediaMessage"]; nested {
			writeJSON(w, http.StatusCreated, `{"key":{"id":"IMG1"}}`)
			return
		}
		writeJSON(w, http.StatusBadRequest, `{"response":{"message":["mediaMessage is required"]}}`)
	})
	c := newTestClient(t, sp)

	ack, err := c.SendImageMessage(context.Background(), "shop", "inst-token", "24999999999", "https://cdn.example.com/acai.jpg", "Promo")
	require.NoError(t, err)
	assert.Equal(t, "IMG1", ack.MessageID)

	reqs := sp.all()
	require.Len(t, reqs, len(sendMediaPaths)+1)
	assert.Equal(t, "image", reqs[0].Body["mediatype"])
	nested, ok := reqs[len(reqs)-1].Body["mediaMessage"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/acai.jpg", nested["media"])
	assert.Equal(t, "Promo", nested["caption"])
}

func TestLogoutInstance(t *testing.T) {
	sp := newStubProvider(t, func(w http.ResponseWriter, r capturedRequest, n int) {
		writeJSON(w, http.StatusOK, `{"status":"SUCCESS","error":false}`)
	})
	c := newTestClient(t, sp)

	require.NoError(t, c.LogoutInstance(context.Background(), "shop", ""))
	reqs := sp.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodDelete, reqs[0].Method)
	assert.Equal(t, "/instance/logout/shop", reqs[0].Path)
}
