package evolution

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

const (
	defaultTokenTTL = 24 * time.Hour
	tokenExpirySkew = 30 * time.Second
	maxBodyBytes    = 8 << 20
)

var loginPaths = []string{
	"/auth/login",
	"/api/auth/login",
	"/login",
	"/api/login",
	"/manager/login",
}

var tokenPaths = [][]string{
	{"data", "token"},
	{"token"},
	{"accessToken"},
	{"access_token"},
}

type authStrategy interface {
	Apply(req *http.Request)
}

type bearerAuth struct {
	token string
}

func (b bearerAuth) Apply(req *http.Request) {
	if b.token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
}

type apiKeyAuth struct {
	key string
}

func (a apiKeyAuth) Apply(req *http.Request) {
	if a.key == "" {
		return
	}
	req.Header.Set("apikey", a.key)
}

// AuthSession caches the account-wide credential. A cached credential is
// reused until it expires, so at most one login happens per TTL window.
// Concurrent callers that see an expired credential may each log in; the
// lock only guards the cached value.
type AuthSession struct {
	baseURL    string
	email      string
	password   string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time

	mu     sync.RWMutex
	cached *Credential
}

func newAuthSession(baseURL, email, password, apiKey string, httpClient *http.Client) *AuthSession {
	return &AuthSession{
		baseURL:    baseURL,
		email:      strings.TrimSpace(email),
		password:   password,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Credential returns the cached credential or mints a new one.
func (s *AuthSession) Credential(ctx context.Context) (Credential, error) {
	s.mu.RLock()
	cached := s.cached
	s.mu.RUnlock()
	if cached != nil && !cached.expired(s.now()) {
		return *cached, nil
	}

	cred, err := s.mint(ctx)
	if err != nil {
		return Credential{}, err
	}
	s.mu.Lock()
	s.cached = &cred
	s.mu.Unlock()
	return cred, nil
}

// Authorize sets the header matching the credential kind.
func (s *AuthSession) Authorize(req *http.Request, cred Credential) {
	cred.strategy().Apply(req)
}

// Invalidate drops the cached credential so the next call logs in again.
func (s *AuthSession) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
	zap.L().Info("evolution: cached credential invalidated")
}

func (s *AuthSession) mint(ctx context.Context) (Credential, error) {
	if s.email != "" && s.password != "" {
		for _, p := range loginPaths {
			token, err := s.login(ctx, s.baseURL+p)
			if err != nil {
				if ctx.Err() != nil {
					return Credential{}, ctx.Err()
				}
				zap.L().Debug("evolution: login attempt failed", zap.String("path", p), zap.Error(err))
				continue
			}
			cred := Credential{Value: token, Kind: CredentialJWT, ExpiresAt: s.tokenExpiry(token)}
			zap.L().Info("evolution: credential minted",
				zap.String("kind", cred.Kind.String()),
				zap.String("path", p),
				zap.Time("expires_at", cred.ExpiresAt),
				zap.Int("token_len", len(token)))
			return cred, nil
		}
		if s.apiKey == "" {
			zap.L().Error("evolution: every login endpoint failed and no api key is configured")
			return Credential{}, ErrAuthenticationUnavailable
		}
		zap.L().Warn("evolution: login unavailable, falling back to configured api key")
	}

	if s.apiKey != "" {
		cred := Credential{Value: s.apiKey, Kind: classifyKey(s.apiKey)}
		zap.L().Info("evolution: using configured api key", zap.String("kind", cred.Kind.String()))
		return cred, nil
	}
	return Credential{}, ErrNoCredentialsConfigured
}

func (s *AuthSession) login(ctx context.Context, endpoint string) (string, error) {
	body, err := jsonAPI.Marshal(map[string]string{"email": s.email, "password": s.password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("login status %d", resp.StatusCode)
	}
	var doc interface{}
	if err := jsonAPI.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("login body is not json: %w", err)
	}
	for _, path := range tokenPaths {
		if token := lookupString(doc, path...); token != "" {
			return token, nil
		}
	}
	return "", fmt.Errorf("login body has no token field")
}

// tokenExpiry returns now+24h, or the token's exp claim minus a small skew
// when that is earlier. An exp that is not in the future is ignored.
func (s *AuthSession) tokenExpiry(token string) time.Time {
	now := s.now()
	expiry := now.Add(defaultTokenTTL)
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return expiry
	}
	if claims.ExpiresAt == nil {
		return expiry
	}
	claimed := claims.ExpiresAt.Time.Add(-tokenExpirySkew)
	if !claimed.After(now) {
		return expiry
	}
	if claimed.Before(expiry) {
		return claimed
	}
	return expiry
}

// classifyKey treats three dot-separated segments as a JWT.
func classifyKey(key string) CredentialKind {
	parts := strings.Split(key, ".")
	if len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] != "" {
		return CredentialJWT
	}
	return CredentialStaticKey
}
