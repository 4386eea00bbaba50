package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vulcan-sh/vulcan/internal/apierr"
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/store"
)

// claims embeds the role and issuance time in the bearer token itself, so a
// stolen database dump (which only contains the token's hash) cannot be
// used to forge a session: the attacker would still need the signing key
// to mint a JWT whose hash matches a live api_tokens row.
type claims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies bearer tokens against the UserStore.
type Issuer struct {
	signingKey []byte
	store      store.UserStore
}

// NewIssuer constructs an Issuer. signingKey must be non-empty in any
// deployment that issues tokens; an empty key is only tolerated so tests
// can exercise the rest of the Manager without configuring one.
func NewIssuer(signingKey string, s store.UserStore) *Issuer {
	return &Issuer{signingKey: []byte(signingKey), store: s}
}

// hashToken returns the hex-encoded SHA-256 of a bearer token. Only this
// hash is ever persisted.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue mints a new bearer token for userID/role, persists its hash, and
// returns the plaintext token once. The caller (POST /v1/auth/tokens) never
// sees it again.
func (iss *Issuer) Issue(ctx context.Context, userID, role, name string) (string, error) {
	now := time.Now().UTC()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	})
	signed, err := tok.SignedString(iss.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	rec := &model.APIToken{
		ID:        model.NewID(),
		UserID:    userID,
		TokenHash: hashToken(signed),
		Name:      name,
		Role:      role,
		CreatedAt: now,
	}
	if err := iss.store.CreateAPIToken(ctx, rec); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}
	return signed, nil
}

// Verify validates a bearer token's JWT signature, then confirms its hash
// still resolves to an active (non-revoked) api_tokens row and that the
// row's stored role matches the token's embedded role — a revoked or
// role-downgraded token is rejected even if the signature still verifies.
func (iss *Issuer) Verify(ctx context.Context, token string) (Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method)
		}
		return iss.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, apierr.New(apierr.AuthRequired, "invalid token", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok {
		return Principal{}, apierr.New(apierr.AuthRequired, "invalid token claims", nil)
	}

	rec, err := iss.store.GetAPITokenByHash(ctx, hashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return Principal{}, apierr.New(apierr.AuthRequired, "unknown token", nil)
	}
	if err != nil {
		return Principal{}, apierr.New(apierr.HostLocalError, "lookup token", err)
	}
	if !rec.Active() {
		return Principal{}, apierr.New(apierr.AuthRequired, "token revoked", nil)
	}
	if subtle.ConstantTimeCompare([]byte(rec.Role), []byte(c.Role)) != 1 {
		return Principal{}, apierr.New(apierr.AuthRequired, "token role stale", nil)
	}

	_ = iss.store.TouchAPITokenUse(ctx, rec.ID)

	return Principal{UserID: c.UserID, Role: c.Role}, nil
}
