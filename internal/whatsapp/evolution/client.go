package evolution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultSettleDelay = 5 * time.Second
	DefaultIntegration = "WHATSAPP-BAILEYS"
)

var errMissingBaseURL = errors.New("evolution: provider base url must be an absolute http(s) url")

// Config configures a Client. Email and Password enable JWT login, APIKey
// is used when login is not configured or not available.
type Config struct {
	BaseURL     string
	Email       string
	Password    string
	APIKey      string
	Timeout     time.Duration
	SettleDelay time.Duration
	CountryCode string
	Integration string
	HTTPClient  *http.Client
}

// Client exposes the instance lifecycle operations of the provider.
type Client struct {
	baseURL     string
	countryCode string
	integration string
	settleDelay time.Duration
	session     *AuthSession
	dispatcher  *dispatcher
}

func NewClient(cfg Config) (*Client, error) {
	baseURL, err := normalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = DefaultCountryCode
	}
	if cfg.Integration == "" {
		cfg.Integration = DefaultIntegration
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	} else if httpClient.Timeout == 0 {
		hc := *httpClient
		hc.Timeout = cfg.Timeout
		httpClient = &hc
	}
	session := newAuthSession(baseURL, cfg.Email, cfg.Password, cfg.APIKey, httpClient)
	return &Client{
		baseURL:     baseURL,
		countryCode: cfg.CountryCode,
		integration: cfg.Integration,
		settleDelay: cfg.SettleDelay,
		session:     session,
		dispatcher:  &dispatcher{httpClient: httpClient, session: session},
	}, nil
}

// Session exposes the credential cache.
func (c *Client) Session() *AuthSession {
	return c.session
}

// CreateInstance creates an instance. An existing instance with the same
// name is deleted and the creation retried once.
func (c *Client) CreateInstance(ctx context.Context, name string, wantsQRCode bool, phone string) (*CreateResult, error) {
	name, err := checkName(name)
	if err != nil {
		return nil, err
	}
	payload := map[string]interface{}{
		"name":         name,
		"instanceName": name,
		"qrcode":       wantsQRCode,
		"integration":  c.integration,
	}
	if strings.TrimSpace(phone) != "" {
		number, err := NormalizePhone(phone, c.countryCode)
		if err != nil {
			return nil, err
		}
		payload["number"] = number
	}
	cred, err := c.session.Credential(ctx)
	if err != nil {
		return nil, err
	}
	auth := cred.strategy()

	var result *CreateResult
	err = c.dispatcher.dispatch(ctx, call{
		op:          "create_instance",
		candidates:  c.candidates(createPaths, name, nil, false),
		sessionAuth: true,
		build: func(ctx context.Context, cand Candidate) (*http.Request, error) {
			return newJSONRequest(ctx, http.MethodPost, cand.URL, payload, auth)
		},
		accept: func(resp *Response) error {
			r, err := normalizeCreate(resp, name)
			if err != nil {
				return err
			}
			result = r
			return nil
		},
		onConflict: func(ctx context.Context) error {
			return c.deleteWith(ctx, name, auth, true)
		},
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("evolution: instance created",
		zap.String("instance", name),
		zap.Bool("has_token", result.InstanceToken != ""),
		zap.Bool("has_pairing", result.Pairing != nil))
	return result, nil
}

// GetConnectionCode fetches fresh pairing material for an instance.
func (c *Client) GetConnectionCode(ctx context.Context, name string) (*PairingArtifact, error) {
	return c.connectionCode(ctx, name, "")
}

func (c *Client) connectionCode(ctx context.Context, name, number string) (*PairingArtifact, error) {
	name, err := checkName(name)
	if err != nil {
		return nil, err
	}
	cred, err := c.session.Credential(ctx)
	if err != nil {
		return nil, err
	}
	auth := cred.strategy()
	var query url.Values
	if number != "" {
		query = url.Values{"number": []string{number}}
	}

	var artifact *PairingArtifact
	err = c.dispatcher.dispatch(ctx, call{
		op:          "connection_code",
		candidates:  c.candidates(connectPaths, name, query, false),
		sessionAuth: true,
		build: func(ctx context.Context, cand Candidate) (*http.Request, error) {
			return newJSONRequest(ctx, http.MethodGet, cand.URL, nil, auth)
		},
		accept: func(resp *Response) error {
			a, err := normalizeArtifact(resp, name)
			if err != nil {
				return err
			}
			artifact = a
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// ConnectWithPairingCode creates the instance for phone, waits for it to
// settle and then fetches the pairing material for that number.
func (c *Client) ConnectWithPairingCode(ctx context.Context, name, phone string) (*PairingResult, error) {
	number, err := NormalizePhone(phone, c.countryCode)
	if err != nil {
		return nil, err
	}
	created, err := c.CreateInstance(ctx, name, true, number)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.settleDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}

	artifact, err := c.connectionCode(ctx, name, number)
	if err != nil {
		if created.Pairing == nil || ctx.Err() != nil {
			return nil, err
		}
		zap.L().Warn("evolution: connect code unavailable, using pairing data from creation",
			zap.String("instance", name), zap.Error(err))
		artifact = created.Pairing
	}
	return &PairingResult{Pairing: *artifact, InstanceToken: created.InstanceToken}, nil
}

// GetConnectionState reads the instance state. The instance token is used
// when given. When the direct lookup yields nothing the instance list is
// searched by name.
func (c *Client) GetConnectionState(ctx context.Context, name, instanceToken string) (ConnectionState, error) {
	name, err := checkName(name)
	if err != nil {
		return "", err
	}
	auth, sessionAuth, err := c.authFor(ctx, instanceToken)
	if err != nil {
		return "", err
	}

	var state ConnectionState
	accept := func(resp *Response) error {
		s, err := normalizeState(resp, name)
		if err != nil {
			return err
		}
		state = s
		return nil
	}
	build := func(ctx context.Context, cand Candidate) (*http.Request, error) {
		return newJSONRequest(ctx, http.MethodGet, cand.URL, nil, auth)
	}

	err = c.dispatcher.dispatch(ctx, call{
		op:          "connection_state",
		candidates:  c.candidates(statusPaths, name, nil, instanceToken != ""),
		sessionAuth: sessionAuth,
		build:       build,
		accept:      accept,
	})
	if err == nil {
		return state, nil
	}
	if !lookupMissed(err) {
		return "", err
	}

	zap.L().Debug("evolution: direct state lookup failed, searching instance list",
		zap.String("instance", name), zap.Error(err))
	err = c.dispatcher.dispatch(ctx, call{
		op:          "connection_state_list",
		candidates:  c.candidates(listPaths, name, nil, instanceToken != ""),
		sessionAuth: sessionAuth,
		build:       build,
		accept:      accept,
	})
	if err != nil {
		return "", err
	}
	return state, nil
}

// lookupMissed reports whether a direct lookup failed in a way the
// instance list can still answer.
func lookupMissed(err error) bool {
	if errors.Is(err, ErrAllCandidatesExhausted) {
		return true
	}
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Status == http.StatusNotFound
}

// DeleteInstance removes an instance. An instance that every candidate
// reports as not found counts as deleted.
func (c *Client) DeleteInstance(ctx context.Context, name, instanceToken string) error {
	name, err := checkName(name)
	if err != nil {
		return err
	}
	auth, sessionAuth, err := c.authFor(ctx, instanceToken)
	if err != nil {
		return err
	}
	return c.deleteWith(ctx, name, auth, sessionAuth)
}

func (c *Client) deleteWith(ctx context.Context, name string, auth authStrategy, sessionAuth bool) error {
	err := c.dispatcher.dispatch(ctx, call{
		op:          "delete_instance",
		candidates:  c.candidates(deletePaths, name, nil, !sessionAuth),
		sessionAuth: sessionAuth,
		build: func(ctx context.Context, cand Candidate) (*http.Request, error) {
			return newJSONRequest(ctx, http.MethodDelete, cand.URL, nil, auth)
		},
		accept: normalizeDelete,
	})
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) && exhausted.AllStatus(http.StatusNotFound) {
		zap.L().Info("evolution: instance already absent", zap.String("instance", name))
		return nil
	}
	if err != nil {
		return err
	}
	zap.L().Info("evolution: instance deleted", zap.String("instance", name))
	return nil
}

// LogoutInstance unlinks the paired device while keeping the instance.
func (c *Client) LogoutInstance(ctx context.Context, name, instanceToken string) error {
	name, err := checkName(name)
	if err != nil {
		return err
	}
	auth, sessionAuth, err := c.authFor(ctx, instanceToken)
	if err != nil {
		return err
	}
	return c.dispatcher.dispatch(ctx, call{
		op:          "logout_instance",
		candidates:  c.candidates(logoutPaths, name, nil, instanceToken != ""),
		sessionAuth: sessionAuth,
		build: func(ctx context.Context, cand Candidate) (*http.Request, error) {
			return newJSONRequest(ctx, http.MethodDelete, cand.URL, nil, auth)
		},
		accept: normalizeDelete,
	})
}

// SendTextMessage sends a text message from an instance.
func (c *Client) SendTextMessage(ctx context.Context, name, instanceToken, to, text string) (*SendAck, error) {
	name, err := checkName(name)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(instanceToken) == "" {
		return nil, ErrInstanceTokenRequired
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	number, err := NormalizeRecipient(to, c.countryCode)
	if err != nil {
		return nil, err
	}
	payload := map[string]interface{}{"number": number, "text": text}
	return c.send(ctx, "send_text", sendTextPaths, name, instanceToken, payload)
}

// SendImageMessage sends an image by URL. The flat payload is tried first
// and the nested mediaMessage payload second.
func (c *Client) SendImageMessage(ctx context.Context, name, instanceToken, to, mediaURL, caption string) (*SendAck, error) {
	name, err := checkName(name)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(instanceToken) == "" {
		return nil, ErrInstanceTokenRequired
	}
	if strings.TrimSpace(mediaURL) == "" {
		return nil, ErrEmptyMessage
	}
	number, err := NormalizeRecipient(to, c.countryCode)
	if err != nil {
		return nil, err
	}
	media := map[string]interface{}{
		"mediatype": "image",
		"media":     mediaURL,
		"caption":   caption,
	}
	primary := map[string]interface{}{"number": number}
	for k, v := range media {
		primary[k] = v
	}
	ack, err := c.send(ctx, "send_image", sendMediaPaths, name, instanceToken, primary)
	if err == nil || ctx.Err() != nil {
		return ack, err
	}
	zap.L().Info("evolution: primary media payload rejected, trying nested shape",
		zap.String("instance", name), zap.Error(err))
	alternate := map[string]interface{}{"number": number, "mediaMessage": media}
	return c.send(ctx, "send_image_alt", sendMediaPaths, name, instanceToken, alternate)
}

func (c *Client) send(ctx context.Context, op string, paths []string, name, instanceToken string, payload interface{}) (*SendAck, error) {
	auth := apiKeyAuth{key: strings.TrimSpace(instanceToken)}
	var ack *SendAck
	err := c.dispatcher.dispatch(ctx, call{
		op:         op,
		candidates: c.candidates(paths, name, nil, true),
		build: func(ctx context.Context, cand Candidate) (*http.Request, error) {
			return newJSONRequest(ctx, http.MethodPost, cand.URL, payload, auth)
		},
		accept: func(resp *Response) error {
			a, err := normalizeSend(resp)
			if err != nil {
				return err
			}
			ack = a
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// authFor prefers the instance token over the session credential.
func (c *Client) authFor(ctx context.Context, instanceToken string) (authStrategy, bool, error) {
	if token := strings.TrimSpace(instanceToken); token != "" {
		return apiKeyAuth{key: token}, false, nil
	}
	cred, err := c.session.Credential(ctx)
	if err != nil {
		return nil, false, err
	}
	return cred.strategy(), true, nil
}

func newJSONRequest(ctx context.Context, method, endpoint string, payload interface{}, auth authStrategy) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := jsonAPI.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, image/*;q=0.9, */*;q=0.8")
	if auth != nil {
		auth.Apply(req)
	}
	return req, nil
}

func checkName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidInstanceName
	}
	return name, nil
}
