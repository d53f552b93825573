package gotrue_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// signingKey is an asymmetric key the fake server signs access tokens with and
// publishes on its JWKS endpoint.
type signingKey struct {
	kid     string
	private crypto.Signer
	method  jwt.SigningMethod
}

// jwk is the JSON Web Key form of a public key.
type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`

	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

func newRSAKey(t *testing.T, kid string) *signingKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &signingKey{kid: kid, private: key, method: jwt.SigningMethodRS256}
}

func newECDSAKey(t *testing.T, kid string) *signingKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &signingKey{kid: kid, private: key, method: jwt.SigningMethodES256}
}

func (k *signingKey) sign(t *testing.T, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(k.method, claims)
	token.Header["kid"] = k.kid
	s, err := token.SignedString(k.private)
	require.NoError(t, err)
	return s
}

func (k *signingKey) jwk() jwk {
	out := jwk{Kid: k.kid, Use: "sig", Alg: k.method.Alg()}
	switch pub := k.private.Public().(type) {
	case *rsa.PublicKey:
		out.Kty = "RSA"
		out.N = base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
		out.E = base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	case *ecdsa.PublicKey:
		// Coordinates are fixed width for P-256.
		out.Kty = "EC"
		out.Crv = "P-256"
		out.X = base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, 32)))
		out.Y = base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, 32)))
	}
	return out
}
