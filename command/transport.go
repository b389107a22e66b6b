package command

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// TrustedClientStore is the directory of trusted client certificates keyed
// by CN that spec §4.9/§6 requires ("directory of trusted client
// certificates keyed by CN"). Chaining to the CA is necessary but not
// sufficient for admission: the exact leaf certificate presented by a
// connecting client must also match the entry recorded for its CN here.
type TrustedClientStore struct {
	byCN map[string]*x509.Certificate
}

// LoadTrustedClients reads every *.pem file in dir, indexing each parsed
// certificate by its subject Common Name — the client identifier per
// spec §6 ("Client identifier = certificate subject CN").
func LoadTrustedClients(dir string) (*TrustedClientStore, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read trusted clients directory")
	}
	store := &TrustedClientStore{byCN: make(map[string]*x509.Certificate)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".pem") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", entry.Name())
		}
		cert, err := parseCertPEM(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", entry.Name())
		}
		store.byCN[cert.Subject.CommonName] = cert
	}
	return store, nil
}

// NewTrustedClientStore builds a store directly from already-parsed
// certificates, keyed by their subject CN — used by tests and by callers
// that provision trusted clients from something other than a directory of
// PEM files.
func NewTrustedClientStore(certs ...*x509.Certificate) *TrustedClientStore {
	store := &TrustedClientStore{byCN: make(map[string]*x509.Certificate, len(certs))}
	for _, c := range certs {
		store.byCN[c.Subject.CommonName] = c
	}
	return store
}

func parseCertPEM(raw []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

// Lookup returns the trusted certificate recorded for cn, if any.
func (s *TrustedClientStore) Lookup(cn string) (*x509.Certificate, bool) {
	cert, ok := s.byCN[cn]
	return cert, ok
}

// PublicKey returns the public key of the trusted certificate recorded
// for cn. The command channel uses this both to verify live envelope
// signatures and to re-admit offline-queued commands on reconnect,
// without needing to re-establish a TLS connection to learn the key.
func (s *TrustedClientStore) PublicKey(cn string) (crypto.PublicKey, bool) {
	cert, ok := s.byCN[cn]
	if !ok {
		return nil, false
	}
	return cert.PublicKey, true
}

// ServerTLSConfig builds the mutual-TLS server configuration the command
// channel's listener uses: the server presents certPEM/keyPEM and
// requires every client to present a certificate that (a) chains to
// clientCAPEM and (b) exactly matches an entry in trusted, keyed by CN —
// the channel's "no anonymous commands, no merely-CA-signed commands"
// policy.
func ServerTLSConfig(certPEM, keyPEM, clientCAPEM []byte, trusted *TrustedClientStore) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "load server key pair")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(clientCAPEM) {
		return nil, errors.New("no client CA certificates parsed")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("no peer certificate presented")
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return errors.Wrap(err, "parse peer certificate")
			}
			known, ok := trusted.Lookup(leaf.Subject.CommonName)
			if !ok {
				return errors.Errorf("client %q is not in the trusted-clients directory", leaf.Subject.CommonName)
			}
			if !known.Equal(leaf) {
				return errors.Errorf("client %q presented a certificate that does not match its trusted-clients directory entry", leaf.Subject.CommonName)
			}
			return nil
		},
	}, nil
}

// SubjectCN extracts the verified client certificate's Common Name from a
// completed TLS connection state, the identity the channel binds session
// tokens and dispatched commands to.
func SubjectCN(state tls.ConnectionState) (string, error) {
	if len(state.PeerCertificates) == 0 {
		return "", errors.New("no verified peer certificate")
	}
	return state.PeerCertificates[0].Subject.CommonName, nil
}
