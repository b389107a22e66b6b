package command

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
	"github.com/gvsrusa/sevak-roocode-sub001/safety"
)

// issueCert mints a leaf certificate for cn signed by caKey/caCert (or
// self-signed when caCert is nil), returning its PEM-encoded cert/key and
// the parsed *x509.Certificate.
func issueCert(t *testing.T, cn string, caKey *ecdsa.PrivateKey, caCert *x509.Certificate) ([]byte, []byte, *x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.That(t, err, test.ShouldBeNil)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:                  caCert == nil,
		BasicConstraintsValid: true,
		DNSNames:              []string{cn},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	signerCert, signerKey := template, key
	if caCert != nil {
		signerCert, signerKey = caCert, caKey
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &key.PublicKey, signerKey)
	test.That(t, err, test.ShouldBeNil)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyBytes, err := x509.MarshalECPrivateKey(key)
	test.That(t, err, test.ShouldBeNil)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	parsed, err := x509.ParseCertificate(der)
	test.That(t, err, test.ShouldBeNil)
	return certPEM, keyPEM, parsed, key
}

func TestServerAcceptsTLSAndAdmitsCommand(t *testing.T) {
	caCertPEM, _, caCert, caKey := issueCert(t, "test-ca", nil, nil)
	serverCertPEM, serverKeyPEM, _, _ := issueCert(t, "tractor-server", caKey, caCert)
	clientCertPEM, clientKeyPEM, clientCert, clientKey := issueCert(t, "tractor-01", caKey, caCert)

	trusted := NewTrustedClientStore(clientCert)
	tlsCfg, err := ServerTLSConfig(serverCertPEM, serverKeyPEM, caCertPEM, trusted)
	test.That(t, err, test.ShouldBeNil)

	bus := mesh.New(logging.NewTestLogger())
	channel := New(bus, DefaultConfig(), []byte("test-secret"), logging.NewTestLogger())
	mon := safety.New(bus, safety.DefaultConfig(), logging.NewTestLogger())

	var admitted int32
	bus.Subscribe("command.admitted", func(interface{}) { atomic.AddInt32(&admitted, 1) })

	srv := NewServer(tlsCfg, channel, trusted, mon, bus, logging.NewTestLogger())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, listener)

	clientCertPair, err := tls.X509KeyPair(clientCertPEM, clientKeyPEM)
	test.That(t, err, test.ShouldBeNil)
	rootPool := x509.NewCertPool()
	rootPool.AddCert(caCert)

	conn, err := tls.Dial("tcp", listener.Addr().String(), &tls.Config{
		Certificates: []tls.Certificate{clientCertPair},
		RootCAs:      rootPool,
		ServerName:   "tractor-server",
		MinVersion:   tls.VersionTLS13,
	})
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()

	dec := json.NewDecoder(conn)
	var first TelemetrySnapshot
	test.That(t, dec.Decode(&first), test.ShouldBeNil)
	safetyPayload, ok := first.Data["safety"].(map[string]interface{})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, safetyPayload["State"], test.ShouldEqual, string(safety.Normal))

	payload := []byte(string(TypeNavigate) + "n-live" + "wire-test")
	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, clientKey, digest[:])
	test.That(t, err, test.ShouldBeNil)

	envelope := Envelope{
		ID:        "live-1",
		Type:      TypeNavigate,
		IssuedAt:  time.Now(),
		Payload:   payload,
		Signature: sig,
	}
	enc := json.NewEncoder(conn)
	test.That(t, enc.Encode(envelope), test.ShouldBeNil)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&admitted) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	test.That(t, atomic.LoadInt32(&admitted), test.ShouldEqual, int32(1))
}
