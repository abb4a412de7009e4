// Package certs generates the short-lived self-signed certificates used by identities that
// authenticate with X.509 thumbprints.
package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"
)

// Algorithm is the key algorithm of a generated certificate. The zero value means none
// was requested.
type Algorithm int

const (
	Unspecified Algorithm = iota
	RSA
	ECC
)

func (a Algorithm) String() string {
	switch a {
	case Unspecified:
		return "unspecified"
	case RSA:
		return "RSA"
	case ECC:
		return "ECC"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

const (
	defaultValidity = 24 * time.Hour
	rsaKeyBits      = 2048
)

// ErrAlgorithmUnsupported means the platform cannot generate keys of the requested
// algorithm. Scenarios treat it as a reason to skip, not to fail.
var ErrAlgorithmUnsupported = errors.New("key algorithm is not supported on this platform")

// Material is a generated certificate with its key. The same thumbprint is registered as
// both primary and secondary.
type Material struct {
	Algorithm           Algorithm
	Certificate         *x509.Certificate
	PrivateKey          crypto.Signer
	PrimaryThumbprint   string
	SecondaryThumbprint string
}

// CertificatePEM returns the public certificate in PEM form.
func (m *Material) CertificatePEM() string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.Certificate.Raw}))
}

// PrivateKeyPEM returns the private key as PKCS#8 PEM.
func (m *Material) PrivateKeyPEM() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(m.PrivateKey)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// TLSCertificate returns the material as a client certificate for tls.Config.
func (m *Material) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{m.Certificate.Raw},
		PrivateKey:  m.PrivateKey,
		Leaf:        m.Certificate,
	}
}

// Authority produces self-signed certificates. Tests substitute fakes.
type Authority interface {
	Supports(alg Algorithm) bool
	Generate(alg Algorithm, commonName string) (*Material, error)
}

// SelfSignedAuthority generates certificates in memory. The zero value is ready to use.
type SelfSignedAuthority struct {
	// Digest computes the thumbprint from the DER certificate. Defaults to SHA256Thumbprint.
	Digest func(der []byte) string
	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader
	// Now defaults to time.Now.
	Now func() time.Time
	// Validity defaults to 24 hours.
	Validity time.Duration
	// Unsupported lists algorithms to report as unavailable on this platform.
	Unsupported []Algorithm
}

func (a *SelfSignedAuthority) Supports(alg Algorithm) bool {
	if alg != RSA && alg != ECC {
		return false
	}
	for _, u := range a.Unsupported {
		if u == alg {
			return false
		}
	}
	return true
}

func (a *SelfSignedAuthority) Generate(alg Algorithm, commonName string) (*Material, error) {
	if !a.Supports(alg) {
		return nil, fmt.Errorf("%s: %w", alg, ErrAlgorithmUnsupported)
	}
	random := a.Rand
	if random == nil {
		random = rand.Reader
	}

	var key crypto.Signer
	var err error
	switch alg {
	case ECC:
		key, err = ecdsa.GenerateKey(elliptic.P256(), random)
	default:
		key, err = rsa.GenerateKey(random, rsaKeyBits)
	}
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", alg, err)
	}

	serialNumber, err := rand.Int(random, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	if a.Now != nil {
		now = a.Now()
	}
	validity := a.Validity
	if validity <= 0 {
		validity = defaultValidity
	}

	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(random, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	digest := a.Digest
	if digest == nil {
		digest = SHA256Thumbprint
	}
	thumbprint := digest(der)

	return &Material{
		Algorithm:           alg,
		Certificate:         leaf,
		PrivateKey:          key,
		PrimaryThumbprint:   thumbprint,
		SecondaryThumbprint: thumbprint,
	}, nil
}

// SHA256Thumbprint is the upper-case hex SHA-256 digest of a DER certificate.
func SHA256Thumbprint(der []byte) string {
	sum := sha256.Sum256(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
