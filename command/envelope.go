// Package command implements the command channel (C9): the mutually
// authenticated inbound command path (structural check, freshness,
// replay rejection, signature verification, critical-command MFA gating,
// dispatch), session tokens, outbound telemetry, and the client-side
// offline command queue.
package command

import (
	"time"

	"github.com/pkg/errors"
)

// Type names a command the channel accepts. The eight base types mirror
// spec §6's command vocabulary exactly; firmware_update and calibrate are
// additional maintenance commands the same critical-command MFA gate in
// §4.9 names alongside emergency_stop and reset.
type Type string

const (
	TypeMove               Type = "move"
	TypeNavigate           Type = "navigate"
	TypeStop               Type = "stop"
	TypeEmergencyStop      Type = "emergency_stop"
	TypeSetBoundaries      Type = "set_boundaries"
	TypeResetEmergency     Type = "reset_emergency"
	TypeControlImplement   Type = "control_implement"
	TypeUpdateSafetyLimits Type = "update_safety_limits"
	TypeFirmwareUpdate     Type = "firmware_update"
	TypeCalibrate          Type = "calibrate"
)

// criticalTypes require a verified MFA assertion on top of the base
// signature check before being admitted.
var criticalTypes = map[Type]bool{
	TypeEmergencyStop:  true,
	TypeFirmwareUpdate: true,
	TypeResetEmergency: true,
	TypeCalibrate:      true,
}

// IsCritical reports whether t requires MFA.
func (t Type) IsCritical() bool {
	return criticalTypes[t]
}

// Envelope is one signed command as received over the channel. Nonce is
// optional per the data model (spec §3: "optional nonce") — replay
// protection is keyed on (ID, IssuedAt), not on Nonce.
type Envelope struct {
	ID        string
	Type      Type
	Params    map[string]interface{}
	IssuedAt  time.Time
	Nonce     string
	Signature []byte
	Payload   []byte // the exact bytes the signature was computed over
	SubjectCN string // the client certificate's Common Name, bound at the transport layer
	MFAToken  string // required, and separately verified, for critical commands
}

// structurallyValid reports whether the envelope carries the minimum
// fields every command must have, independent of signature or freshness.
// Nonce is not checked here: it is optional per the data model.
func (e *Envelope) structurallyValid() error {
	if e.ID == "" {
		return errors.New("structural: missing id")
	}
	if e.Type == "" {
		return errors.New("structural: missing type")
	}
	if e.IssuedAt.IsZero() {
		return errors.New("structural: missing issued_at")
	}
	if len(e.Signature) == 0 {
		return errors.New("structural: missing signature")
	}
	return nil
}
