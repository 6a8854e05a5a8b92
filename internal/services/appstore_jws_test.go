package services

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeSigningCert creates a self-signed ES256 certificate whose subject
// passes the Apple root check.
func makeSigningCert(t *testing.T, commonName string) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"Test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return key, der
}

// signCompactJWS builds an ES256-signed compact JWS carrying the cert in
// its x5c header.
func signCompactJWS(t *testing.T, key *ecdsa.PrivateKey, certDER []byte, payload interface{}) string {
	t.Helper()
	header := map[string]interface{}{
		"alg": "ES256",
		"x5c": []string{base64.StdEncoding.EncodeToString(certDER)},
	}
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)
	payloadJSON, err := json.Marshal(payload)
	require.NoError(t, err)

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	hash := sha256.Sum256([]byte(signingInput))

	r, s, err := ecdsa.Sign(rand.Reader, key, hash[:])
	require.NoError(t, err)
	signature := make([]byte, 64)
	r.FillBytes(signature[:32])
	s.FillBytes(signature[32:])

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature)
}

// unsignedCompactJWS builds a JWS with a junk signature, for
// decode-without-verification tests.
func unsignedCompactJWS(t *testing.T, payload interface{}) string {
	t.Helper()
	payloadJSON, err := json.Marshal(payload)
	require.NoError(t, err)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payloadJSON) + "." + base64.RawURLEncoding.EncodeToString([]byte("sig"))
}

func TestJWSDecodeWithoutVerification(t *testing.T) {
	v, err := NewJWSVerifier("", false)
	require.NoError(t, err)

	var out map[string]string
	err = v.DecodeAndVerify(unsignedCompactJWS(t, map[string]string{"notificationType": "DID_RENEW"}), &out)
	require.NoError(t, err)
	assert.Equal(t, "DID_RENEW", out["notificationType"])
}

func TestJWSRejectsMalformedToken(t *testing.T) {
	v, err := NewJWSVerifier("", false)
	require.NoError(t, err)

	var out map[string]string
	assert.Error(t, v.DecodeAndVerify("only.two", &out))
	assert.Error(t, v.DecodeAndVerify("notajws", &out))
}

func TestJWSVerifiesSignedPayload(t *testing.T) {
	key, certDER := makeSigningCert(t, "Apple Root CA Test")
	v, err := NewJWSVerifier("", true)
	require.NoError(t, err)

	token := signCompactJWS(t, key, certDER, map[string]string{"notificationType": "DID_RENEW"})

	var out map[string]string
	require.NoError(t, v.DecodeAndVerify(token, &out))
	assert.Equal(t, "DID_RENEW", out["notificationType"])
}

func TestJWSRejectsTamperedPayload(t *testing.T) {
	key, certDER := makeSigningCert(t, "Apple Root CA Test")
	v, err := NewJWSVerifier("", true)
	require.NoError(t, err)

	token := signCompactJWS(t, key, certDER, map[string]string{"notificationType": "DID_RENEW"})
	dot := strings.LastIndex(token, ".")
	forged := strings.Replace(token[:dot], base64.RawURLEncoding.EncodeToString([]byte(`{"notificationType":"DID_RENEW"}`)),
		base64.RawURLEncoding.EncodeToString([]byte(`{"notificationType":"REFUND"}`)), 1) + token[dot:]

	var out map[string]string
	assert.Error(t, v.DecodeAndVerify(forged, &out))
}

func TestJWSRejectsNonAppleRoot(t *testing.T) {
	key, certDER := makeSigningCert(t, "Some Other Authority")
	v, err := NewJWSVerifier("", true)
	require.NoError(t, err)

	token := signCompactJWS(t, key, certDER, map[string]string{"notificationType": "DID_RENEW"})

	var out map[string]string
	assert.Error(t, v.DecodeAndVerify(token, &out))
}
