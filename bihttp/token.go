// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bihttp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenRefreshMargin is how close to expiry a cached token is still reused.
const tokenRefreshMargin = 30 * time.Second

// opaqueTokenTTL caches tokens whose expiry cannot be read from the payload.
const opaqueTokenTTL = time.Minute

// TokenFunc returns a bearer token for the remote backend.
type TokenFunc func(ctx context.Context) (string, error)

// tokenSource caches the bearer token between requests and pre-checks its
// exp claim so an expired token is refreshed before it hits the wire instead
// of burning a round trip on a 401.
type tokenSource struct {
	mu    sync.Mutex
	fetch TokenFunc
	raw   string
	exp   time.Time
}

func newTokenSource(fetch TokenFunc) *tokenSource {
	return &tokenSource{fetch: fetch}
}

func (t *tokenSource) token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.raw != "" && time.Until(t.exp) > tokenRefreshMargin {
		return t.raw, nil
	}

	raw, err := t.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch bearer token: %w", err)
	}
	t.raw = raw
	t.exp = tokenExpiry(raw)
	return raw, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// backend verifies, the client only needs to know when to refresh.
func tokenExpiry(raw string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Now().Add(opaqueTokenTTL)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now().Add(opaqueTokenTTL)
	}
	return exp.Time
}
