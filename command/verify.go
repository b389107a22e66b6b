package command

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"time"

	"github.com/pkg/errors"

	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
)

// Config tunes the verification pipeline's freshness window and session
// TTL.
type Config struct {
	FreshnessWindow time.Duration
	SessionTTL      time.Duration
	SeenSetSweepEvery time.Duration
}

// DefaultConfig returns the nominal 5-minute freshness window.
func DefaultConfig() Config {
	return Config{
		FreshnessWindow:   5 * time.Minute,
		SessionTTL:        10 * time.Minute,
		SeenSetSweepEvery: time.Minute,
	}
}

// RejectionReason names the verification step that rejected an envelope.
type RejectionReason string

const (
	RejectStructural RejectionReason = "structural"
	RejectStale      RejectionReason = "stale"
	RejectReplay     RejectionReason = "replay"
	RejectSignature  RejectionReason = "signature"
	RejectMFA        RejectionReason = "mfa"
)

// RejectedError reports why an envelope was not admitted.
type RejectedError struct {
	Reason RejectionReason
	Detail string
}

func (e *RejectedError) Error() string {
	return "command rejected (" + string(e.Reason) + "): " + e.Detail
}

// Channel is the server-side command channel: the single authoritative
// verifier and dispatcher for inbound envelopes.
type Channel struct {
	cfg     Config
	bus     *mesh.Bus
	logger  logging.Logger
	seen    *seenSet
	session *SessionIssuer
	nowFn   func() time.Time
}

// New builds a Channel publishing admitted commands onto bus.
func New(bus *mesh.Bus, cfg Config, sessionSecret []byte, logger logging.Logger) *Channel {
	return &Channel{
		cfg:     cfg,
		bus:     bus,
		logger:  logger.Named("command"),
		seen:    newSeenSet(),
		session: NewSessionIssuer(sessionSecret, cfg.SessionTTL),
		nowFn:   time.Now,
	}
}

// Admit runs the five-step verification order the specification requires:
// structural check, freshness, replay, signature, then critical-command
// MFA, admitting and dispatching only if every applicable step passes.
func (c *Channel) Admit(e *Envelope, signerKey crypto.PublicKey) error {
	if err := e.structurallyValid(); err != nil {
		return &RejectedError{Reason: RejectStructural, Detail: err.Error()}
	}

	now := c.nowFn()
	age := now.Sub(e.IssuedAt)
	if age < 0 {
		age = -age
	}
	if age > c.cfg.FreshnessWindow {
		return &RejectedError{Reason: RejectStale, Detail: "issued_at outside freshness window"}
	}

	key := seenKey{id: e.ID, issuedAt: e.IssuedAt.UnixNano()}
	c.seen.mu.Lock()
	_, replayed := c.seen.seen[key]
	c.seen.mu.Unlock()
	if replayed {
		return &RejectedError{Reason: RejectReplay, Detail: "(id, timestamp) already seen"}
	}

	if err := verifySignature(signerKey, e.Payload, e.Signature); err != nil {
		return &RejectedError{Reason: RejectSignature, Detail: err.Error()}
	}

	if e.Type.IsCritical() {
		if err := c.session.Verify(e.MFAToken, e.SubjectCN, now); err != nil {
			return &RejectedError{Reason: RejectMFA, Detail: err.Error()}
		}
	}

	// Only envelopes that passed every check enter the seen-set; the
	// add is atomic, so a concurrent duplicate is still caught here.
	if c.seen.CheckAndAdd(e.ID, e.IssuedAt, now) {
		return &RejectedError{Reason: RejectReplay, Detail: "(id, timestamp) already seen"}
	}

	c.dispatch(e)
	return nil
}

// verifySignature dispatches on the concrete public key type, mirroring
// the polymorphism-over-kinds approach the rest of this system uses for
// sensor samples.
func verifySignature(key crypto.PublicKey, payload, sig []byte) error {
	digest := sha256.Sum256(payload)
	switch k := key.(type) {
	case *rsa.PublicKey:
		return errors.Wrap(rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig), "rsa verify")
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, digest[:], sig) {
			return errors.New("ecdsa signature mismatch")
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(k, payload, sig) {
			return errors.New("ed25519 signature mismatch")
		}
		return nil
	default:
		return errors.Errorf("unsupported signer key type %T", key)
	}
}

func (c *Channel) dispatch(e *Envelope) {
	c.bus.Publish("command.admitted", e)
	c.bus.Publish("command."+string(e.Type), e)
}

// IssueSession mints an MFA session token for subjectCN, called after an
// out-of-band MFA challenge succeeds.
func (c *Channel) IssueSession(subjectCN string) (string, error) {
	return c.session.Issue(subjectCN, c.nowFn())
}

// SweepSeenSet drops (id, timestamp) pairs older than the freshness window, run
// periodically so the replay set does not grow without bound.
func (c *Channel) SweepSeenSet() int {
	return c.seen.Sweep(c.nowFn(), c.cfg.FreshnessWindow)
}
