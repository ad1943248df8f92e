package ios

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// Verifier checks the signature of a compact JWS and decodes its claims.
type Verifier interface {
	Parse(signed string, claims jwt.Claims) error
}

var parser = jwt.NewParser(
	jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
	jwt.WithoutClaimsValidation(),
)

// ChainVerifier trusts JWS whose x5c header chains to one of the root certificates.
type ChainVerifier struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewChainVerifier creates a verifier for the given roots.
func NewChainVerifier(roots *x509.CertPool) *ChainVerifier {
	return &ChainVerifier{roots: roots, now: time.Now}
}

func (v *ChainVerifier) Parse(signed string, claims jwt.Claims) error {
	if _, err := parser.ParseWithClaims(signed, claims, v.keyFunc); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrAuthenticity, err)
	}
	return nil
}

func (v *ChainVerifier) keyFunc(token *jwt.Token) (interface{}, error) {
	raw, ok := token.Header["x5c"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, errors.New("missing x5c header")
	}

	certs := make([]*x509.Certificate, 0, len(raw))
	for _, entry := range raw {
		s, ok := entry.(string)
		if !ok {
			return nil, errors.New("invalid x5c entry")
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode x5c: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse x5c: %w", err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	leaf := certs[0]
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("verify x5c chain: %w", err)
	}

	key, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("leaf certificate is not ECDSA")
	}
	return key, nil
}

// KeyVerifier trusts JWS signed by a single ECDSA key, ignoring any x5c header.
type KeyVerifier struct {
	key *ecdsa.PublicKey
}

// NewKeyVerifier creates a verifier for a static public key.
func NewKeyVerifier(key *ecdsa.PublicKey) *KeyVerifier {
	return &KeyVerifier{key: key}
}

func (v *KeyVerifier) Parse(signed string, claims jwt.Claims) error {
	_, err := parser.ParseWithClaims(signed, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", billing.ErrAuthenticity, err)
	}
	return nil
}

// LoadRootCertificates reads PEM or DER encoded certificates (such as AppleRootCA-G3.cer)
// into a pool.
func LoadRootCertificates(paths ...string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read root certificate: %w", err)
		}
		if block, _ := pem.Decode(data); block == nil {
			cert, err := x509.ParseCertificate(data)
			if err != nil {
				return nil, fmt.Errorf("parse root certificate %s: %w", path, err)
			}
			pool.AddCert(cert)
			continue
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates in %s", path)
		}
	}
	return pool, nil
}
