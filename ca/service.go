package ca

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clawhost/provisioning-backend/cryptoutils"
	"github.com/clawhost/provisioning-backend/storage"
)

// ErrNoActiveCA is returned when certificate issuance or mTLS serving is
// requested but no active CA row exists. Callers treat this as fatal at
// startup.
var ErrNoActiveCA = errors.New("no active certificate authority")

// ActiveCA is the decrypted in-memory view of the active CA row.
type ActiveCA struct {
	CertPEM []byte
	KeyPEM  []byte

	ServerCertPEM []byte
	ServerKeyPEM  []byte

	Cert *x509.Certificate
}

// Service loads, caches, and rotates the active certificate authority, and
// issues bot certificates from it.
//
// The decrypted material is cached process-wide after the first read; reads
// are safe across concurrent requests, and ClearCache must be called after a
// rotation performed by another component.
type Service struct {
	store storage.Store
	box   *cryptoutils.SecretBox
	log   *slog.Logger

	mu     sync.RWMutex
	cached *ActiveCA
}

// NewService creates a CA service over the given store and secret box.
func NewService(store storage.Store, box *cryptoutils.SecretBox, log *slog.Logger) *Service {
	return &Service{store: store, box: box, log: log}
}

// GetActiveCA returns the active CA, decrypting and caching it on first use.
func (s *Service) GetActiveCA(ctx context.Context) (*ActiveCA, error) {
	s.mu.RLock()
	cached := s.cached
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached, nil
	}

	row, err := s.store.ActiveCA(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoActiveCA
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active CA: %w", err)
	}

	keyPEM, err := s.box.DecryptString(row.PrivateKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt CA key: %w", err)
	}

	active := &ActiveCA{
		CertPEM: []byte(row.CertPEM),
		KeyPEM:  []byte(keyPEM),
	}

	active.Cert, err = ParseCertificate(active.CertPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse active CA certificate: %w", err)
	}

	if row.ServerCertPEM != "" {
		serverKeyPEM, err := s.box.DecryptString(row.ServerKeyEncrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt server key: %w", err)
		}
		active.ServerCertPEM = []byte(row.ServerCertPEM)
		active.ServerKeyPEM = []byte(serverKeyPEM)
	}

	s.cached = active
	s.log.Debug("Active CA loaded into cache")
	return active, nil
}

// ClearCache drops the cached CA material. Call after rotation.
func (s *Service) ClearCache() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// Initialize creates the CA and its derived server pair if no active CA
// exists yet. Returns the active CA either way.
func (s *Service) Initialize(ctx context.Context, hostname, privateIP string) (*ActiveCA, error) {
	active, err := s.GetActiveCA(ctx)
	if err == nil {
		return active, nil
	}
	if !errors.Is(err, ErrNoActiveCA) {
		return nil, err
	}

	s.log.Info("No active CA found, generating", "hostname", hostname)
	return s.Rotate(ctx, hostname, privateIP)
}

// Rotate deactivates the current CA row, inserts a freshly generated one,
// and invalidates the cache. Previously issued bot certificates stop
// verifying against the new root.
func (s *Service) Rotate(ctx context.Context, hostname, privateIP string) (*ActiveCA, error) {
	root, err := GenerateCA()
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA: %w", err)
	}

	server, err := GenerateServerCertificate(hostname, privateIP, root.CertPEM, root.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to generate server certificate: %w", err)
	}

	keyEnc, err := s.box.Encrypt(root.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt CA key: %w", err)
	}
	serverKeyEnc, err := s.box.Encrypt(server.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt server key: %w", err)
	}

	row := &storage.CACertificate{
		Active:              true,
		CertPEM:             string(root.CertPEM),
		PrivateKeyEncrypted: keyEnc,
		ServerCertPEM:       string(server.CertPEM),
		ServerKeyEncrypted:  serverKeyEnc,
	}
	if err := s.store.ReplaceActiveCA(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to replace active CA: %w", err)
	}

	s.ClearCache()
	s.log.Info("Certificate authority rotated")
	return s.GetActiveCA(ctx)
}

// IssueBotCertificate mints a client certificate for a bot instance from the
// active CA.
func (s *Service) IssueBotCertificate(ctx context.Context, botID string) (*Materials, error) {
	active, err := s.GetActiveCA(ctx)
	if err != nil {
		return nil, err
	}
	return GenerateBotCertificate(botID, active.CertPEM, active.KeyPEM)
}

// ServerTLSConfig builds the mTLS listener configuration: the endpoint's own
// server certificate plus mandatory client-certificate verification against
// the active CA. The material is re-resolved per handshake through
// GetConfigForClient, so a rotation takes effect on the next connection
// without restarting the listener.
func (s *Service) ServerTLSConfig(ctx context.Context) (*tls.Config, error) {
	// Fail fast at construction when no usable CA exists.
	cfg, err := s.buildServerTLSConfig(ctx)
	if err != nil {
		return nil, err
	}

	cfg.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		ctx := hello.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return s.buildServerTLSConfig(ctx)
	}
	return cfg, nil
}

func (s *Service) buildServerTLSConfig(ctx context.Context) (*tls.Config, error) {
	active, err := s.GetActiveCA(ctx)
	if err != nil {
		return nil, err
	}

	if len(active.ServerCertPEM) == 0 {
		return nil, errors.New("active CA has no server certificate")
	}

	serverCert, err := tls.X509KeyPair(active.ServerCertPEM, active.ServerKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key pair: %w", err)
	}

	clientCAs := x509.NewCertPool()
	if !clientCAs.AppendCertsFromPEM(active.CertPEM) {
		return nil, errors.New("failed to add CA certificate to client pool")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    clientCAs,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
