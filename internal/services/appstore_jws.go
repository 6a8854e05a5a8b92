package services

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// JWSVerifier decodes the signed payloads of App Store Server
// Notifications V2. When verification is enabled it checks the x5c
// certificate chain against the Apple root and the ES256 signature
// against the leaf key; otherwise payloads are decoded without
// verification (development mode).
type JWSVerifier struct {
	verify    bool
	rootCert  *x509.Certificate
	certCache map[string]*x509.Certificate
	mutex     sync.RWMutex
}

// NewJWSVerifier creates a verifier. rootPEM pins the Apple Root CA;
// when empty, the root is accepted by subject match only.
func NewJWSVerifier(rootPEM string, verify bool) (*JWSVerifier, error) {
	v := &JWSVerifier{
		verify:    verify,
		certCache: make(map[string]*x509.Certificate),
	}

	if verify && rootPEM != "" {
		block, _ := pem.Decode([]byte(rootPEM))
		if block == nil {
			return nil, fmt.Errorf("failed to decode Apple root CA PEM")
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Apple root CA: %w", err)
		}
		v.rootCert = cert
	}

	return v, nil
}

// jwsHeader is the protected header of a compact JWS.
type jwsHeader struct {
	Alg string   `json:"alg"`
	X5C []string `json:"x5c"` // leaf first, root last, base64 DER
}

// DecodeAndVerify decodes a compact JWS payload into out, verifying the
// signature first when verification is enabled.
func (v *JWSVerifier) DecodeAndVerify(signedPayload string, out interface{}) error {
	parts := strings.Split(signedPayload, ".")
	if len(parts) != 3 {
		return fmt.Errorf("invalid JWS format: expected 3 parts, got %d", len(parts))
	}

	if v.verify {
		if err := v.verifySignature(parts); err != nil {
			return err
		}
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("failed to decode JWS payload: %w", err)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to parse JWS payload: %w", err)
	}

	return nil
}

// verifySignature checks the x5c chain and the ES256 signature over the
// signing input.
func (v *JWSVerifier) verifySignature(parts []string) error {
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("failed to decode JWS header: %w", err)
	}

	var header jwsHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return fmt.Errorf("failed to parse JWS header: %w", err)
	}
	if header.Alg != "ES256" {
		return fmt.Errorf("unexpected JWS algorithm: %s", header.Alg)
	}

	certChain, err := v.certificateChain(header.X5C)
	if err != nil {
		return err
	}

	if err := v.verifyCertificateChain(certChain); err != nil {
		return err
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("failed to decode JWS signature: %w", err)
	}
	if len(signature) != 64 {
		return fmt.Errorf("invalid ES256 signature length: expected 64, got %d", len(signature))
	}

	publicKey, ok := certChain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("leaf certificate does not contain ECDSA public key")
	}

	signingInput := parts[0] + "." + parts[1]
	hash := sha256.Sum256([]byte(signingInput))

	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:])
	if !ecdsa.Verify(publicKey, hash[:], r, s) {
		return fmt.Errorf("JWS signature verification failed")
	}

	return nil
}

// certificateChain parses the x5c entries, leaf first.
func (v *JWSVerifier) certificateChain(x5c []string) ([]*x509.Certificate, error) {
	if len(x5c) == 0 {
		return nil, fmt.Errorf("JWS header carries no certificate chain")
	}

	certificates := make([]*x509.Certificate, 0, len(x5c))
	for _, certB64 := range x5c {
		v.mutex.RLock()
		cached, exists := v.certCache[certB64]
		v.mutex.RUnlock()
		if exists {
			certificates = append(certificates, cached)
			continue
		}

		der, err := base64.StdEncoding.DecodeString(certB64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode x5c certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse x5c certificate: %w", err)
		}

		v.mutex.Lock()
		v.certCache[certB64] = cert
		v.mutex.Unlock()

		certificates = append(certificates, cert)
	}

	return certificates, nil
}

// verifyCertificateChain checks validity windows, that each certificate
// is signed by its successor, and that the chain ends at the Apple root.
func (v *JWSVerifier) verifyCertificateChain(certChain []*x509.Certificate) error {
	now := time.Now()
	for i, cert := range certChain {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return fmt.Errorf("certificate %d is expired or not yet valid", i)
		}
		if i < len(certChain)-1 {
			if err := cert.CheckSignatureFrom(certChain[i+1]); err != nil {
				return fmt.Errorf("certificate %d signature verification failed: %w", i, err)
			}
		}
	}

	rootCert := certChain[len(certChain)-1]
	if v.rootCert != nil {
		if !rootCert.Equal(v.rootCert) {
			return fmt.Errorf("chain does not end at the pinned Apple root")
		}
		return nil
	}
	if !isAppleRootCertificate(rootCert) {
		return fmt.Errorf("invalid root certificate: not from Apple")
	}

	return nil
}

// isAppleRootCertificate checks the certificate subject when no root is
// pinned.
func isAppleRootCertificate(cert *x509.Certificate) bool {
	appleSubjects := []string{
		"Apple Root CA",
		"Apple Inc.",
		"Apple Computer, Inc.",
	}

	for _, subject := range appleSubjects {
		if strings.Contains(cert.Subject.String(), subject) {
			return true
		}
	}

	return false
}

// ClearCache empties the certificate cache.
func (v *JWSVerifier) ClearCache() {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	v.certCache = make(map[string]*x509.Certificate)
}
