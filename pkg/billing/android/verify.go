package android

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

const (
	googleIssuer     = "https://accounts.google.com"
	googleIssuerBare = "accounts.google.com"
	googleCertsURL   = "https://www.googleapis.com/oauth2/v3/certs"
	signatureHeader  = "X-Signature"
)

// Verifier authenticates a Pub/Sub push delivery.
type Verifier interface {
	Verify(ctx context.Context, r *http.Request, body []byte) error
}

// OIDCVerifier checks the OIDC bearer token Pub/Sub attaches to authenticated pushes.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
	email    string
}

// NewOIDCVerifier verifies tokens issued by Google for audience. If serviceAccountEmail
// is set, the token must also name that push service account.
func NewOIDCVerifier(ctx context.Context, audience, serviceAccountEmail string) *OIDCVerifier {
	keySet := oidc.NewRemoteKeySet(ctx, googleCertsURL)
	return NewOIDCVerifierWithKeySet(keySet, audience, serviceAccountEmail)
}

// NewOIDCVerifierWithKeySet is NewOIDCVerifier with an explicit key set.
func NewOIDCVerifierWithKeySet(keySet oidc.KeySet, audience, serviceAccountEmail string) *OIDCVerifier {
	// Google issues both the bare and the https issuer; it is checked after verification.
	verifier := oidc.NewVerifier(googleIssuer, keySet, &oidc.Config{
		ClientID:             audience,
		SupportedSigningAlgs: []string{oidc.RS256},
		SkipIssuerCheck:      true,
	})
	return &OIDCVerifier{verifier: verifier, email: serviceAccountEmail}
}

type pushClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

func (v *OIDCVerifier) Verify(ctx context.Context, r *http.Request, _ []byte) error {
	raw := bearerToken(r)
	if raw == "" {
		return fmt.Errorf("%w: missing bearer token", billing.ErrAuthenticity)
	}
	token, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return fmt.Errorf("%w: %v", billing.ErrAuthenticity, err)
	}
	if token.Issuer != googleIssuer && token.Issuer != googleIssuerBare {
		return fmt.Errorf("%w: unexpected issuer %q", billing.ErrAuthenticity, token.Issuer)
	}
	if v.email == "" {
		return nil
	}
	var claims pushClaims
	if err := token.Claims(&claims); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrAuthenticity, err)
	}
	if !claims.EmailVerified || !strings.EqualFold(claims.Email, v.email) {
		return fmt.Errorf("%w: unexpected service account", billing.ErrAuthenticity)
	}
	return nil
}

// HMACVerifier checks a hex HMAC-SHA256 of the body sent in the X-Signature header,
// for deployments that relay Pub/Sub messages through their own pusher.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier for the shared secret.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(strings.TrimSpace(secret))}
}

func (v *HMACVerifier) Verify(_ context.Context, r *http.Request, body []byte) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: no secret configured", billing.ErrAuthenticity)
	}
	sig := strings.TrimSpace(r.Header.Get(signatureHeader))
	if sig == "" {
		return fmt.Errorf("%w: missing signature", billing.ErrAuthenticity)
	}
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", billing.ErrAuthenticity)
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(expected, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", billing.ErrAuthenticity)
	}
	return nil
}

// Sign returns the X-Signature value for body.
func (v *HMACVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > len("bearer ") && strings.EqualFold(auth[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}
