// Package messageengine carries service calls and event notifications between devices over COMMS.
package messageengine

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"

	"github.com/morezero/smartspace/pkg/messages"
)

// ProtocolVersion is the envelope version this engine speaks.
const ProtocolVersion = "1.0.0"

// DefaultVersionConstraint accepts peers speaking a compatible protocol.
const DefaultVersionConstraint = "^1.0.0"

// Envelope is a request sent to a device: a service call, a notify or a describe request.
type Envelope struct {
	ID      string                `json:"id"`
	Version string                `json:"v"`
	From    *messages.Device      `json:"from,omitempty"`
	Call    *messages.ServiceCall `json:"call,omitempty"`
	Notify  *messages.Notify      `json:"notify,omitempty"`
}

// Reply answers an Envelope.
type Reply struct {
	ID       string                    `json:"id"`
	Version  string                    `json:"v"`
	Response *messages.ServiceResponse `json:"response,omitempty"`
	Device   *messages.Device          `json:"device,omitempty"`
}

// EngineError is a transport-level failure of the engine.
type EngineError struct {
	Code    string
	Message string
	Err     error
}

// Engine error codes.
const (
	CodeNoDevice        = "NO_DEVICE"
	CodeUnreachable     = "UNREACHABLE"
	CodeBadReply        = "BAD_REPLY"
	CodeVersionMismatch = "VERSION_MISMATCH"
	CodeEncodeFailed    = "ENCODE_FAILED"
)

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// VersionChecker validates peer protocol versions.
type VersionChecker struct {
	constraint *masterminds.Constraints
	raw        string
}

// NewVersionChecker parses constraint, or DefaultVersionConstraint when empty.
func NewVersionChecker(constraint string) (*VersionChecker, error) {
	if constraint == "" {
		constraint = DefaultVersionConstraint
	}
	c, err := masterminds.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid protocol version constraint %q: %w", constraint, err)
	}
	return &VersionChecker{constraint: c, raw: constraint}, nil
}

// Check returns an EngineError when v does not satisfy the constraint.
func (vc *VersionChecker) Check(v string) error {
	sv, err := masterminds.NewVersion(v)
	if err != nil {
		return &EngineError{Code: CodeVersionMismatch, Message: fmt.Sprintf("unparseable protocol version %q", v), Err: err}
	}
	if !vc.constraint.Check(sv) {
		return &EngineError{Code: CodeVersionMismatch, Message: fmt.Sprintf("protocol version %s does not satisfy %s", v, vc.raw)}
	}
	return nil
}
