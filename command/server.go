package command

import (
	"context"
	"crypto"
	"crypto/tls"
	"encoding/json"
	"net"
	"time"

	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
	"github.com/gvsrusa/sevak-roocode-sub001/safety"
)

// Server is the mutually-authenticated command-and-telemetry listener spec
// §4.9 describes: "one long-lived bidirectional message stream per
// session." It accepts TLS connections under tlsConfig (built by
// ServerTLSConfig), reads newline-delimited JSON envelopes off each one and
// hands them to Channel.Admit, and pushes every TelemetrySnapshot the
// channel's publisher emits back down the same connection.
type Server struct {
	tlsConfig *tls.Config
	channel   *Channel
	trusted   *TrustedClientStore
	mon       *safety.Monitor
	bus       *mesh.Bus
	logger    logging.Logger
}

// NewServer builds a Server dispatching admitted commands through channel
// and pushing telemetry published on "command.telemetry" back to whichever
// client is connected.
func NewServer(tlsConfig *tls.Config, channel *Channel, trusted *TrustedClientStore, mon *safety.Monitor, bus *mesh.Bus, logger logging.Logger) *Server {
	return &Server{
		tlsConfig: tlsConfig,
		channel:   channel,
		trusted:   trusted,
		mon:       mon,
		bus:       bus,
		logger:    logger.Named("command.server"),
	}
}

// Serve accepts connections off listener until ctx is cancelled, handling
// each on its own goroutine. It wraps listener in the server's TLS config
// itself, so callers pass a plain net.Listener (e.g. from net.Listen).
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	tlsListener := tls.NewListener(listener, s.tlsConfig)
	go func() {
		<-ctx.Done()
		tlsListener.Close()
	}()
	for {
		conn, err := tlsListener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.logger.Warnw("accept failed", "error", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn performs the mutual-TLS handshake, resolves the connecting
// client's identity and signing key, then runs the inbound-admit and
// outbound-telemetry loops concurrently until the connection closes.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		s.logger.Errorw("accepted connection is not TLS")
		return
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.logger.Warnw("tls handshake failed", "error", err)
		return
	}

	cn, err := SubjectCN(tlsConn.ConnectionState())
	if err != nil {
		s.logger.Warnw("no verified client identity", "error", err)
		return
	}
	signerKey, ok := s.trusted.PublicKey(cn)
	if !ok {
		s.logger.Warnw("connected client not in trusted-clients directory", "subject_cn", cn)
		return
	}
	s.logger.Infow("client connected", "subject_cn", cn)

	enc := json.NewEncoder(conn)

	// Per spec §7's reconnect contract, the current estop state goes out
	// before any other snapshot, ahead of the cadence/edge-triggered feed.
	if err := enc.Encode(s.estopFirstSnapshot()); err != nil {
		s.logger.Warnw("failed to send initial estop snapshot", "subject_cn", cn, "error", err)
		return
	}

	outbound := make(chan TelemetrySnapshot, 8)
	handle := s.bus.Subscribe("command.telemetry", func(payload interface{}) {
		snap, ok := payload.(TelemetrySnapshot)
		if !ok {
			return
		}
		select {
		case outbound <- snap:
		default:
			s.logger.Warnw("dropping telemetry snapshot, outbound buffer full", "subject_cn", cn)
		}
	})
	defer s.bus.Unsubscribe("command.telemetry", handle)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readEnvelopes(conn, cn, signerKey)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case snap := <-outbound:
			if err := enc.Encode(snap); err != nil {
				s.logger.Warnw("failed to send telemetry snapshot", "subject_cn", cn, "error", err)
				return
			}
		}
	}
}

// readEnvelopes decodes one JSON-framed Envelope per call and admits it,
// until the connection's decoder returns an error (including a clean
// close).
func (s *Server) readEnvelopes(conn net.Conn, cn string, signerKey crypto.PublicKey) {
	dec := json.NewDecoder(conn)
	for {
		var e Envelope
		if err := dec.Decode(&e); err != nil {
			return
		}
		e.SubjectCN = cn
		if err := s.channel.Admit(&e, signerKey); err != nil {
			s.logger.Warnw("command rejected", "subject_cn", cn, "id", e.ID, "error", err)
		}
	}
}

func (s *Server) estopFirstSnapshot() TelemetrySnapshot {
	return TelemetrySnapshot{
		At:   time.Now(),
		Data: map[string]interface{}{"safety": s.mon.Snapshot()},
	}
}
