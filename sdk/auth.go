package voxhall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/voxhall/voxhall-go/internal/clock"
)

const (
	// credentialSkew keeps a credential from being used right at its expiry
	// edge: a cached credential is treated as stale once it is within this
	// window of expiring.
	credentialSkew = 60 * time.Second

	// renewAhead is how long before expiry the background renewal fires.
	renewAhead = 5 * time.Minute
)

// Credential is a bearer token with its expiry instant. Replaced wholesale
// on renewal; never mutated in place.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

type authResponse struct {
	JWT       string `json:"jwt"`
	ExpiresAt int64  `json:"expires_at"` // unix milliseconds
}

// TokenAuthority acquires and renews the session credential from a site
// token. It owns the single background renewal timer: scheduling a new one
// cancels the previous, and Clear cancels it outright.
type TokenAuthority struct {
	apiURL     string
	siteToken  string
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger

	mu         sync.Mutex
	cred       *Credential
	renewTimer clock.Timer
}

// NewTokenAuthority builds a TokenAuthority. apiURL is the HTTP base of the
// widget backend (the /init and /renew endpoints hang off it).
func NewTokenAuthority(apiURL, siteToken string, httpClient *http.Client, clk clock.Clock, logger *slog.Logger) *TokenAuthority {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenAuthority{
		apiURL:     strings.TrimRight(strings.TrimSpace(apiURL), "/"),
		siteToken:  strings.TrimSpace(siteToken),
		httpClient: httpClient,
		clock:      clk,
		logger:     logger,
	}
}

// Authenticate exchanges the site token for a fresh Credential, replaces the
// cache, and (re)schedules background renewal.
func (a *TokenAuthority) Authenticate(ctx context.Context) (Credential, error) {
	if a.siteToken == "" {
		return Credential{}, newAuthError(CodeInvalidSiteToken, "site token is empty", nil)
	}

	body, _ := json.Marshal(map[string]string{"site_token": a.siteToken})
	cred, err := a.requestCredential(ctx, a.apiURL+"/init", "", body)
	if err != nil {
		return Credential{}, err
	}

	a.storeAndSchedule(cred)
	return cred, nil
}

// Renew exchanges the current credential for a fresh one via the renewal
// endpoint. On any renewal failure it falls back to a full Authenticate
// before giving up.
func (a *TokenAuthority) Renew(ctx context.Context) (Credential, error) {
	a.mu.Lock()
	current := a.cred
	a.mu.Unlock()

	if current == nil {
		return a.Authenticate(ctx)
	}

	cred, err := a.requestCredential(ctx, a.apiURL+"/renew", current.Token, nil)
	if err != nil {
		a.logger.Warn("credential renewal failed, re-authenticating", "error", err)
		return a.Authenticate(ctx)
	}

	a.storeAndSchedule(cred)
	return cred, nil
}

// ValidCredential returns the cached Credential while it has more than
// credentialSkew of life left; otherwise it authenticates again.
func (a *TokenAuthority) ValidCredential(ctx context.Context) (Credential, error) {
	a.mu.Lock()
	cred := a.cred
	now := a.clock.Now()
	a.mu.Unlock()

	if cred != nil && now.Before(cred.ExpiresAt.Add(-credentialSkew)) {
		return *cred, nil
	}
	return a.Authenticate(ctx)
}

// HandleRenewed stores a server-pushed credential (a "renewed" frame on the
// open socket) and reschedules background renewal around it. expiresAt is
// unix milliseconds.
func (a *TokenAuthority) HandleRenewed(token string, expiresAt int64) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	cred := Credential{Token: token, ExpiresAt: time.UnixMilli(expiresAt)}
	if expiresAt == 0 {
		if exp, ok := expiryFromJWT(token); ok {
			cred.ExpiresAt = exp
		}
	}
	a.storeAndSchedule(cred)
}

// Clear invalidates the cached credential and cancels the renewal timer.
// Idempotent.
func (a *TokenAuthority) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cred = nil
	if a.renewTimer != nil {
		a.renewTimer.Stop()
		a.renewTimer = nil
	}
}

func (a *TokenAuthority) requestCredential(ctx context.Context, endpoint, bearer string, body []byte) (Credential, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return Credential{}, newAuthError(CodeAuthNetwork, "build auth request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Credential{}, newAuthError(CodeAuthNetwork, "auth request failed", &TransportError{Op: http.MethodPost, URL: endpoint, Err: err})
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Credential{}, newAuthError(CodeInvalidSiteToken, "site token rejected", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Credential{}, newAuthError(CodeAuthNetwork, "auth endpoint error", fmt.Errorf("status %d", resp.StatusCode))
	}

	var parsed authResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Credential{}, newAuthError(CodeAuthFailed, "decode auth response", err)
	}
	if strings.TrimSpace(parsed.JWT) == "" {
		return Credential{}, newAuthError(CodeAuthFailed, "auth response missing jwt", nil)
	}

	cred := Credential{Token: parsed.JWT, ExpiresAt: time.UnixMilli(parsed.ExpiresAt)}
	if parsed.ExpiresAt == 0 {
		if exp, ok := expiryFromJWT(parsed.JWT); ok {
			cred.ExpiresAt = exp
		} else {
			return Credential{}, newAuthError(CodeAuthFailed, "auth response missing expiry", nil)
		}
	}
	return cred, nil
}

// storeAndSchedule replaces the cached credential and re-arms the single
// renewal timer at expiry minus renewAhead. A credential already inside
// that window renews at half its remaining life rather than immediately,
// so a backend that keeps issuing near-expiry tokens cannot drive a
// renewal loop; an already-expired credential schedules nothing.
func (a *TokenAuthority) storeAndSchedule(cred Credential) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cred = &cred

	if a.renewTimer != nil {
		a.renewTimer.Stop()
		a.renewTimer = nil
	}
	now := a.clock.Now()
	delay := cred.ExpiresAt.Add(-renewAhead).Sub(now)
	if delay <= 0 {
		// ValidCredential re-authenticates expired credentials on demand.
		remaining := cred.ExpiresAt.Sub(now)
		if remaining <= 0 {
			return
		}
		delay = remaining / 2
	}
	a.renewTimer = a.clock.AfterFunc(delay, func() {
		if _, err := a.Renew(context.Background()); err != nil {
			a.logger.Warn("background credential renewal failed", "error", err)
		}
	})
}

// expiryFromJWT reads the exp claim without verifying the signature; the
// client does not hold the signing key, it only needs the timestamp for
// renewal scheduling.
func expiryFromJWT(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
