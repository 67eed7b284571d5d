package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/trailcam-labs/trailcam-bridge/internal/model"
	"github.com/trailcam-labs/trailcam-bridge/internal/moultrie"
	"github.com/trailcam-labs/trailcam-bridge/internal/storage"
	"golang.org/x/sync/singleflight"
)

// State is the authenticator state machine.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateNeedsReauth
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateNeedsReauth:
		return "needs_reauth"
	default:
		return "unauthenticated"
	}
}

// Config holds identity-provider knobs.
type Config struct {
	TokenURL     string
	ClientID     string
	RedirectURI  string
	Scope        string
	Timeout      time.Duration
	SafetyMargin time.Duration
}

// Authenticator owns the token lifecycle for one account: code exchange,
// refresh-token rotation and terminal invalid-grant detection. EnsureValid
// is the single choke point through which every outbound call acquires a
// token; concurrent callers coalesce into one in-flight refresh because the
// provider invalidates a refresh token after first use.
type Authenticator struct {
	accountID string
	cfg       Config
	store     storage.Store
	http      *http.Client
	group     singleflight.Group

	mu     sync.Mutex
	token  *model.Token
	state  State
	force  bool
	loaded bool
}

// New builds an Authenticator for the given account.
func New(accountID string, cfg Config, store storage.Store) *Authenticator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 5 * time.Minute
	}
	return &Authenticator{
		accountID: accountID,
		cfg:       cfg,
		store:     store,
		http:      &http.Client{Timeout: cfg.Timeout},
	}
}

// State returns the current lifecycle state.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// NeedsReauth reports whether the session requires external reauthentication.
func (a *Authenticator) NeedsReauth() bool {
	return a.State() == StateNeedsReauth
}

// Exchange trades an externally obtained authorization code for a token
// pair and persists it, transitioning to Authenticated.
func (a *Authenticator) Exchange(ctx context.Context, code, verifier string) (*model.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", a.cfg.ClientID)
	form.Set("code", code)
	form.Set("redirect_uri", a.cfg.RedirectURI)
	form.Set("code_verifier", verifier)
	form.Set("scope", a.cfg.Scope)

	token, err := a.requestToken(ctx, "exchange", form)
	if err != nil {
		return nil, err
	}
	a.adopt(ctx, token)
	return token, nil
}

// Refresh forces a token refresh regardless of expiry, coalesced with any
// refresh already in flight.
func (a *Authenticator) Refresh(ctx context.Context) (*model.Token, error) {
	a.Invalidate()
	v, err, _ := a.group.Do("refresh", func() (any, error) {
		return a.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Token), nil
}

// EnsureValid returns a token guaranteed to outlive the safety margin,
// refreshing first when necessary.
func (a *Authenticator) EnsureValid(ctx context.Context) (string, error) {
	a.mu.Lock()
	if !a.loaded {
		if err := a.restoreLocked(ctx); err != nil {
			a.mu.Unlock()
			return "", err
		}
	}
	if a.state == StateNeedsReauth {
		a.mu.Unlock()
		return "", &moultrie.Error{Kind: moultrie.KindInvalidGrant, Op: "ensure_valid", Message: "reauthentication required"}
	}
	if !a.token.Usable() {
		a.mu.Unlock()
		return "", &moultrie.Error{Kind: moultrie.KindInvalidGrant, Op: "ensure_valid", Message: "no stored credentials"}
	}
	if !a.force && !a.token.Expired(a.cfg.SafetyMargin) {
		access := a.token.AccessToken
		a.mu.Unlock()
		return access, nil
	}
	a.mu.Unlock()

	v, err, _ := a.group.Do("refresh", func() (any, error) {
		return a.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(*model.Token).AccessToken, nil
}

// Token implements moultrie.TokenSource.
func (a *Authenticator) Token(ctx context.Context) (string, error) {
	return a.EnsureValid(ctx)
}

// Invalidate marks the current access token as rejected so the next
// EnsureValid refreshes even inside the expiry window.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	a.force = true
	a.mu.Unlock()
}

// restoreLocked loads the persisted token pair once. Caller holds a.mu.
func (a *Authenticator) restoreLocked(ctx context.Context) error {
	a.loaded = true
	token, err := a.store.LoadToken(ctx, a.accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if token.Usable() {
		a.token = token
		a.state = StateAuthenticated
	}
	return nil
}

func (a *Authenticator) refresh(ctx context.Context) (*model.Token, error) {
	a.mu.Lock()
	// A coalesced caller may arrive after the previous flight finished.
	if a.token.Usable() && !a.force && !a.token.Expired(a.cfg.SafetyMargin) {
		token := a.token
		a.mu.Unlock()
		return token, nil
	}
	if !a.token.Usable() {
		a.mu.Unlock()
		return nil, &moultrie.Error{Kind: moultrie.KindInvalidGrant, Op: "refresh", Message: "no refresh token"}
	}
	refreshToken := a.token.RefreshToken
	a.mu.Unlock()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", a.cfg.ClientID)
	form.Set("refresh_token", refreshToken)
	form.Set("scope", a.cfg.Scope)

	token, err := a.requestToken(ctx, "refresh", form)
	if err != nil {
		if moultrie.IsKind(err, moultrie.KindInvalidGrant) {
			a.mu.Lock()
			a.state = StateNeedsReauth
			a.mu.Unlock()
			if clearErr := a.store.ClearToken(ctx, a.accountID); clearErr != nil {
				slog.Warn("clear revoked token", "account", a.accountID, "error", clearErr)
			}
			slog.Warn("refresh token revoked, reauthentication required", "account", a.accountID)
		}
		return nil, err
	}
	a.adopt(ctx, token)
	slog.Debug("token refreshed", "account", a.accountID, "expires_at", token.ExpiresAt)
	return token, nil
}

// adopt installs a freshly issued pair and persists it.
func (a *Authenticator) adopt(ctx context.Context, token *model.Token) {
	a.mu.Lock()
	a.token = token
	a.state = StateAuthenticated
	a.force = false
	a.loaded = true
	a.mu.Unlock()
	if err := a.store.SaveToken(ctx, a.accountID, token); err != nil {
		slog.Warn("persist token", "account", a.accountID, "error", err)
	}
}

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    json.Number `json:"expires_in"`
	ExpiresOn    json.Number `json:"expires_on"`
}

type tokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (a *Authenticator) requestToken(ctx context.Context, op string, form url.Values) (*model.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, &moultrie.Error{Kind: moultrie.KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &moultrie.Error{Kind: moultrie.KindTransient, Op: op, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr tokenError
		_ = json.Unmarshal(raw, &oauthErr)
		kind := moultrie.KindTransient
		switch {
		case oauthErr.Code == "invalid_grant":
			kind = moultrie.KindInvalidGrant
		case resp.StatusCode >= 500:
			kind = moultrie.KindTransient
		default:
			kind = moultrie.KindClient
		}
		return nil, &moultrie.Error{
			Kind:    kind,
			Op:      op,
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(oauthErr.Code + " " + oauthErr.Description),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, &moultrie.Error{Kind: moultrie.KindClient, Op: op, Message: "decode token response", Err: err}
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return nil, &moultrie.Error{Kind: moultrie.KindClient, Op: op, Message: "token response missing tokens"}
	}
	return &model.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    expiryOf(tr),
	}, nil
}

// expiryOf derives the access-token expiry. B2C reports expires_in as a
// string; when both numeric fields are absent the JWT exp claim decides.
func expiryOf(tr tokenResponse) time.Time {
	if secs, err := tr.ExpiresIn.Int64(); err == nil && secs > 0 {
		return time.Now().Add(time.Duration(secs) * time.Second)
	}
	if unix, err := tr.ExpiresOn.Int64(); err == nil && unix > 0 {
		return time.Unix(unix, 0)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	// No expiry material at all; assume an hour like the provider default.
	return time.Now().Add(time.Hour)
}
