// Package ca implements the private certificate authority securing the
// control plane between the backend and provisioned bot VMs.
//
// The CA root signs two kinds of leaves: the config endpoint's server
// certificate and one client certificate per bot instance. A bot's identity
// is carried solely in its certificate's Common Name, bot-<id>; there is no
// revocation list; authorization is re-checked against the instance store on
// every request.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// BotCNPrefix prefixes every bot client certificate's Common Name.
const BotCNPrefix = "bot-"

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

// Materials bundles a PEM certificate with its PEM private key.
type Materials struct {
	CertPEM []byte
	KeyPEM  []byte
}

func newSerialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

func marshalKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}), nil
}

// GenerateCA creates a long-lived self-signed ECDSA P-256 root certificate
// with the CA bit and key-signing usage set.
func GenerateCA() (*Materials, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := newSerialNumber()
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Clawhost"},
			CommonName:   "Clawhost Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	keyPEM, err := marshalKeyPEM(caKey)
	if err != nil {
		return nil, err
	}

	return &Materials{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEM:  keyPEM,
	}, nil
}

// GenerateServerCertificate issues the config endpoint's own serverAuth leaf
// with subject alternative names covering both the DNS hostname and the
// private IP the VMs dial.
func GenerateServerCertificate(hostname, privateIP string, caCertPEM, caKeyPEM []byte) (*Materials, error) {
	caCert, caKey, err := parseCA(caCertPEM, caKeyPEM)
	if err != nil {
		return nil, err
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate server key: %w", err)
	}

	serial, err := newSerialNumber()
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: hostname,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{hostname},
	}

	if ip := net.ParseIP(privateIP); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create server certificate: %w", err)
	}

	keyPEM, err := marshalKeyPEM(leafKey)
	if err != nil {
		return nil, err
	}

	return &Materials{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEM:  keyPEM,
	}, nil
}

// GenerateBotCertificate issues a clientAuth leaf for one bot instance.
// The Common Name bot-<id> is the only identity the config endpoint trusts.
func GenerateBotCertificate(botID string, caCertPEM, caKeyPEM []byte) (*Materials, error) {
	if botID == "" {
		return nil, errors.New("bot id must not be empty")
	}

	caCert, caKey, err := parseCA(caCertPEM, caKeyPEM)
	if err != nil {
		return nil, err
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate bot key: %w", err)
	}

	serial, err := newSerialNumber()
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: BotCNPrefix + botID,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot certificate: %w", err)
	}

	keyPEM, err := marshalKeyPEM(leafKey)
	if err != nil {
		return nil, err
	}

	return &Materials{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEM:  keyPEM,
	}, nil
}

// ExtractBotIDFromCert returns the bot id encoded in the certificate's
// Common Name, or "" when the PEM is malformed or the CN does not carry the
// bot- prefix.
func ExtractBotIDFromCert(certPEM []byte) string {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return ""
	}
	return BotIDFromCommonName(cert.Subject.CommonName)
}

// BotIDFromCommonName extracts the bot id from an already-parsed CN.
func BotIDFromCommonName(cn string) string {
	if !strings.HasPrefix(cn, BotCNPrefix) {
		return ""
	}
	id := strings.TrimPrefix(cn, BotCNPrefix)
	if id == "" {
		return ""
	}
	return id
}

// VerifyCertificate reports whether the CA's public key validates the leaf's
// signature.
func VerifyCertificate(leafPEM, caPEM []byte) bool {
	leaf, err := ParseCertificate(leafPEM)
	if err != nil {
		return false
	}
	caCert, err := ParseCertificate(caPEM)
	if err != nil {
		return false
	}
	return leaf.CheckSignatureFrom(caCert) == nil
}

// ParseCertificate decodes a single PEM certificate block.
func ParseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("failed to decode certificate PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

func parseCA(caCertPEM, caKeyPEM []byte) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	caCert, err := ParseCertificate(caCertPEM)
	if err != nil {
		return nil, nil, err
	}

	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil || keyBlock.Type != "PRIVATE KEY" {
		return nil, nil, errors.New("failed to decode CA key PEM block")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}

	caKey, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, nil, errors.New("CA key is not an ECDSA key")
	}

	return caCert, caKey, nil
}
