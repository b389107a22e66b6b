package command

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"sync/atomic"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/gvsrusa/sevak-roocode-sub001/internal/fsutil"
	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
)

func signedEnvelope(t *testing.T, typ Type, nonce string, issuedAt time.Time, key *ecdsa.PrivateKey) (*Envelope, *ecdsa.PublicKey) {
	t.Helper()
	payload := []byte(string(typ) + nonce + issuedAt.String())
	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	test.That(t, err, test.ShouldBeNil)
	return &Envelope{
		ID:        "cmd-1",
		Type:      typ,
		Nonce:     nonce,
		IssuedAt:  issuedAt,
		Payload:   payload,
		Signature: sig,
		SubjectCN: "tractor-01",
	}, &key.PublicKey
}

func newTestChannel(t *testing.T) (*Channel, *ecdsa.PrivateKey) {
	t.Helper()
	bus := mesh.New(logging.NewTestLogger())
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.That(t, err, test.ShouldBeNil)
	c := New(bus, DefaultConfig(), []byte("test-secret"), logging.NewTestLogger())
	return c, key
}

func TestAdmitValidCommand(t *testing.T) {
	c, key := newTestChannel(t)
	e, pub := signedEnvelope(t, TypeNavigate, "n1", time.Now(), key)
	err := c.Admit(e, pub)
	test.That(t, err, test.ShouldBeNil)
}

// S2: a captured-and-replayed envelope is rejected even though its
// signature still verifies, because its (id, timestamp) has already been
// admitted. Replay protection is keyed on (id, timestamp), not on nonce.
func TestReplayedEnvelopeRejected(t *testing.T) {
	c, key := newTestChannel(t)
	issuedAt := time.Now()
	e, pub := signedEnvelope(t, TypeNavigate, "n-replay", issuedAt, key)
	test.That(t, c.Admit(e, pub), test.ShouldBeNil)

	e2, pub2 := signedEnvelope(t, TypeNavigate, "n-replay", issuedAt, key)
	err := c.Admit(e2, pub2)
	test.That(t, err, test.ShouldNotBeNil)
	rejected, ok := err.(*RejectedError)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, rejected.Reason, test.ShouldEqual, RejectReplay)
}

// Two commands that reuse the same nonce but carry distinct (id,
// timestamp) pairs are NOT replays — nonce is optional and unrelated to
// the replay key the specification names.
func TestSameNonceDifferentIDNotReplay(t *testing.T) {
	c, key := newTestChannel(t)
	e, pub := signedEnvelope(t, TypeNavigate, "shared-nonce", time.Now(), key)
	test.That(t, c.Admit(e, pub), test.ShouldBeNil)

	e2, pub2 := signedEnvelope(t, TypeNavigate, "shared-nonce", time.Now(), key)
	e2.ID = "cmd-2"
	err := c.Admit(e2, pub2)
	test.That(t, err, test.ShouldBeNil)
}

// A command with the same (id, timestamp) as one already admitted is
// rejected as a replay even when its nonce differs from the original.
func TestSameIDTimestampDifferentNonceIsReplay(t *testing.T) {
	c, key := newTestChannel(t)
	issuedAt := time.Now()
	e, pub := signedEnvelope(t, TypeNavigate, "nonce-a", issuedAt, key)
	test.That(t, c.Admit(e, pub), test.ShouldBeNil)

	e2, pub2 := signedEnvelope(t, TypeNavigate, "nonce-b", issuedAt, key)
	err := c.Admit(e2, pub2)
	test.That(t, err, test.ShouldNotBeNil)
	rejected, ok := err.(*RejectedError)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, rejected.Reason, test.ShouldEqual, RejectReplay)
}

func TestStaleCommandRejected(t *testing.T) {
	c, key := newTestChannel(t)
	old := time.Now().Add(-10 * time.Minute)
	e, pub := signedEnvelope(t, TypeNavigate, "n-old", old, key)
	err := c.Admit(e, pub)
	test.That(t, err, test.ShouldNotBeNil)
	rejected := err.(*RejectedError)
	test.That(t, rejected.Reason, test.ShouldEqual, RejectStale)
}

// Boundary behaviour: flipping a single byte of the signature must be
// rejected, never silently accepted.
func TestSingleByteSignatureFlipRejected(t *testing.T) {
	c, key := newTestChannel(t)
	e, pub := signedEnvelope(t, TypeNavigate, "n-flip", time.Now(), key)
	e.Signature[0] ^= 0xFF
	err := c.Admit(e, pub)
	test.That(t, err, test.ShouldNotBeNil)
	rejected := err.(*RejectedError)
	test.That(t, rejected.Reason, test.ShouldEqual, RejectSignature)
}

// Nonce is optional per the data model: clearing it must not trip the
// structural check.
func TestMissingNonceIsNotStructurallyRejected(t *testing.T) {
	c, key := newTestChannel(t)
	e, pub := signedEnvelope(t, TypeNavigate, "n-struct", time.Now(), key)
	e.Nonce = ""
	err := c.Admit(e, pub)
	test.That(t, err, test.ShouldBeNil)
}

func TestStructuralRejectionOnMissingID(t *testing.T) {
	c, key := newTestChannel(t)
	e, pub := signedEnvelope(t, TypeNavigate, "n-struct-id", time.Now(), key)
	e.ID = ""
	err := c.Admit(e, pub)
	rejected := err.(*RejectedError)
	test.That(t, rejected.Reason, test.ShouldEqual, RejectStructural)
}

func TestCriticalCommandRequiresValidSession(t *testing.T) {
	c, key := newTestChannel(t)
	e, pub := signedEnvelope(t, TypeEmergencyStop, "n-crit", time.Now(), key)
	err := c.Admit(e, pub)
	test.That(t, err, test.ShouldNotBeNil)
	rejected := err.(*RejectedError)
	test.That(t, rejected.Reason, test.ShouldEqual, RejectMFA)

	token, err := c.IssueSession("tractor-01")
	test.That(t, err, test.ShouldBeNil)
	e2, pub2 := signedEnvelope(t, TypeEmergencyStop, "n-crit-2", time.Now(), key)
	e2.MFAToken = token
	err = c.Admit(e2, pub2)
	test.That(t, err, test.ShouldBeNil)
}

func TestSessionRejectedForDifferentSubject(t *testing.T) {
	c, key := newTestChannel(t)
	token, err := c.IssueSession("someone-else")
	test.That(t, err, test.ShouldBeNil)
	e, pub := signedEnvelope(t, TypeResetEmergency, "n-crit-3", time.Now(), key)
	e.MFAToken = token
	err = c.Admit(e, pub)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSweepSeenSetDropsOldEntries(t *testing.T) {
	c, key := newTestChannel(t)
	fixed := time.Now()
	c.nowFn = func() time.Time { return fixed }
	e, pub := signedEnvelope(t, TypeNavigate, "n-sweep", fixed, key)
	test.That(t, c.Admit(e, pub), test.ShouldBeNil)
	test.That(t, c.seen.Len(), test.ShouldEqual, 1)

	c.nowFn = func() time.Time { return fixed.Add(time.Hour) }
	dropped := c.SweepSeenSet()
	test.That(t, dropped, test.ShouldEqual, 1)
	test.That(t, c.seen.Len(), test.ShouldEqual, 0)
}

// S3: commands issued while disconnected are queued and survive until
// reconnection. That critical commands are never queued is checked by
// TestOfflineQueueRefusesCriticalCommands.
func TestOfflineQueueRoundTrip(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	q := NewOfflineQueue(fs, "/queue/offline.jsonl", 7*24*time.Hour)
	now := time.Now()

	err := q.Enqueue(Envelope{ID: "c1", Type: TypeNavigate, Nonce: "n1"}, now)
	test.That(t, err, test.ShouldBeNil)
	err = q.Enqueue(Envelope{ID: "c2", Type: TypeStop, Nonce: "n2"}, now)
	test.That(t, err, test.ShouldBeNil)

	n, err := q.Len()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 2)

	drained, err := q.Drain(now.Add(time.Hour))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(drained), test.ShouldEqual, 2)

	n, err = q.Len()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 0)
}

func TestOfflineQueueRefusesCriticalCommands(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	q := NewOfflineQueue(fs, "/queue/offline.jsonl", 7*24*time.Hour)
	err := q.Enqueue(Envelope{ID: "c1", Type: TypeEmergencyStop, Nonce: "n1"}, time.Now())
	test.That(t, err, test.ShouldNotBeNil)
}

func TestOfflineQueueDropsExpiredEntries(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	ttl := time.Hour
	q := NewOfflineQueue(fs, "/queue/offline.jsonl", ttl)
	now := time.Now()
	test.That(t, q.Enqueue(Envelope{ID: "c1", Type: TypeNavigate, Nonce: "n1"}, now), test.ShouldBeNil)

	drained, err := q.Drain(now.Add(2 * time.Hour))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(drained), test.ShouldEqual, 0)
}

// TestTelemetryPublisherEdgeTriggerFiresImmediately covers §4.9's
// "plus on every significant state change (edge-triggered)" requirement:
// a publish happens as soon as a subscribed edge-trigger topic fires,
// without waiting for the next cadence tick.
func TestTelemetryPublisherEdgeTriggerFiresImmediately(t *testing.T) {
	bus := mesh.New(logging.NewTestLogger())
	var published int32
	bus.Subscribe("command.telemetry", func(interface{}) {
		atomic.AddInt32(&published, 1)
	})

	pub, err := NewTelemetryPublisher(bus, func() map[string]interface{} {
		return map[string]interface{}{"ok": true}
	}, logging.NewTestLogger())
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cleanup, err := pub.Start(ctx, time.Hour, nil, time.Hour, []string{"safety.estop.activated"})
	test.That(t, err, test.ShouldBeNil)
	defer cleanup()

	bus.Publish("safety.estop.activated", nil)

	test.That(t, atomic.LoadInt32(&published) >= 1, test.ShouldBeTrue)
}

// TestTelemetryPublisherSeenSetSweepWired covers the seen-set sweep job
// registering successfully alongside the telemetry cadence job.
func TestTelemetryPublisherSeenSetSweepWired(t *testing.T) {
	bus := mesh.New(logging.NewTestLogger())
	pub, err := NewTelemetryPublisher(bus, func() map[string]interface{} {
		return map[string]interface{}{}
	}, logging.NewTestLogger())
	test.That(t, err, test.ShouldBeNil)

	swept := func() {}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cleanup, err := pub.Start(ctx, time.Hour, swept, time.Hour, nil)
	test.That(t, err, test.ShouldBeNil)
	defer cleanup()
}
