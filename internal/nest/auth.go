package nest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/dskrypa/hass-nest-web/internal/clock"
)

const (
	defaultTokenURL    = "https://oauth2.googleapis.com/token"
	defaultIssueJWTURL = "https://nestauthproxyservice-pa.googleapis.com/v1/issue_jwt"
	defaultClientID    = "733249279899-1gpkq9duqmdp55a7e5lft1pr2smumdla.apps.googleusercontent.com"
	nestScope          = "https://www.googleapis.com/auth/nest-account"

	sessionLifetime = time.Hour
	sessionSkew     = time.Minute
)

// Session is a Nest web session: a short-lived JWT and the Nest user id it belongs to.
type Session struct {
	Token  string
	UserID string
	Expiry time.Time
}

// SessionSource hands out valid sessions.
type SessionSource interface {
	Session(ctx context.Context) (Session, error)
	// Invalidate drops a cached session after the service rejected it.
	Invalidate()
}

// StaticSession is a SessionSource that always returns the same session.
type StaticSession Session

func (s StaticSession) Session(context.Context) (Session, error) { return Session(s), nil }
func (StaticSession) Invalidate()                                 {}

// AuthConfig configures the Google OAuth exchange behind a Nest session.
type AuthConfig struct {
	RefreshToken string
	ClientID     string
	TokenURL     string
	IssueJWTURL  string
	HTTPClient   *http.Client
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Authenticator exchanges a Google OAuth refresh token for Nest session JWTs.
type Authenticator struct {
	tokens     oauth2.TokenSource
	tokenURL   string
	issueURL   string
	httpClient *http.Client
	clock      clock.Clock
	logger     *zap.Logger

	mu      sync.Mutex
	session *Session
}

// NewAuthenticator builds an Authenticator. ctx is only used by the OAuth
// token source to pick up the HTTP client.
func NewAuthenticator(ctx context.Context, cfg AuthConfig) (*Authenticator, error) {
	if cfg.RefreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.IssueJWTURL == "" {
		cfg.IssueJWTURL = defaultIssueJWTURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	oauthCfg := &oauth2.Config{
		ClientID: cfg.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: cfg.TokenURL},
		Scopes:   []string{nestScope},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)

	return &Authenticator{
		tokens:     oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}),
		tokenURL:   cfg.TokenURL,
		issueURL:   cfg.IssueJWTURL,
		httpClient: cfg.HTTPClient,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}, nil
}

// Session returns the cached session, issuing a new one when it is close to expiry.
func (a *Authenticator) Session(ctx context.Context) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil && a.clock.Now().Add(sessionSkew).Before(a.session.Expiry) {
		return *a.session, nil
	}

	session, err := a.issue(ctx)
	if err != nil {
		return Session{}, err
	}
	a.session = &session
	a.logger.Debug("Issued Nest session",
		zap.String("user_id", session.UserID),
		zap.Time("expiry", session.Expiry))
	return session, nil
}

func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = nil
}

type issueJWTRequest struct {
	EmbedGoogleOAuthAccessToken bool   `json:"embed_google_oauth_access_token"`
	ExpireAfter                 string `json:"expire_after"`
	GoogleOAuthAccessToken      string `json:"google_oauth_access_token"`
	PolicyID                    string `json:"policy_id"`
}

type issueJWTResponse struct {
	JWT    string `json:"jwt"`
	Claims struct {
		Subject struct {
			NestID struct {
				ID string `json:"id"`
			} `json:"nestId"`
		} `json:"subject"`
		ExpirationTime string `json:"expirationTime"`
	} `json:"claims"`
}

func (a *Authenticator) issue(ctx context.Context) (Session, error) {
	token, err := a.tokens.Token()
	if err != nil {
		return Session{}, &ConnectionError{Op: "oauth token", URL: a.tokenURL, Err: err}
	}

	body, err := json.Marshal(issueJWTRequest{
		EmbedGoogleOAuthAccessToken: true,
		ExpireAfter:                 fmt.Sprintf("%ds", int(sessionLifetime.Seconds())),
		GoogleOAuthAccessToken:      token.AccessToken,
		PolicyID:                    "authproxy-oauth-policy",
	})
	if err != nil {
		return Session{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.issueURL, bytes.NewReader(body))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Session{}, &ConnectionError{Op: "issue jwt", URL: a.issueURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Session{}, &ConnectionError{
			Op:  "issue jwt",
			URL: a.issueURL,
			Err: HTTPStatusError{Status: resp.StatusCode, Body: string(data)},
		}
	}

	var out issueJWTResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Session{}, &ConnectionError{Op: "issue jwt", URL: a.issueURL, Err: fmt.Errorf("decode: %w", err)}
	}
	if out.JWT == "" {
		return Session{}, fmt.Errorf("issue jwt: response did not include a token")
	}

	return a.sessionFromResponse(out)
}

// sessionFromResponse reads the expiry and user id from the unverified JWT,
// falling back to the claims echoed beside it. The token is verified by Nest,
// not by us.
func (a *Authenticator) sessionFromResponse(out issueJWTResponse) (Session, error) {
	session := Session{
		Token:  out.JWT,
		UserID: out.Claims.Subject.NestID.ID,
		Expiry: a.clock.Now().Add(sessionLifetime),
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(out.JWT, claims); err != nil {
		a.logger.Warn("Could not parse Nest session token claims", zap.Error(err))
	} else {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			session.Expiry = exp.Time
		}
		if session.UserID == "" {
			if sub, err := claims.GetSubject(); err == nil {
				session.UserID = sub
			}
		}
	}

	if out.Claims.ExpirationTime != "" {
		if exp, err := time.Parse(time.RFC3339, out.Claims.ExpirationTime); err == nil && exp.Before(session.Expiry) {
			session.Expiry = exp
		}
	}

	session.UserID = strings.TrimSpace(session.UserID)
	if session.UserID == "" {
		return Session{}, fmt.Errorf("issue jwt: no nest user id in response")
	}
	return session, nil
}
