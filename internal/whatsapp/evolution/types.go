// Package evolution drives a remote WhatsApp instance provider over HTTP.
//
// The provider's surface differs between deployments, so every logical
// operation is expressed as an ordered list of endpoint candidates that are
// tried in sequence, and every response goes through one normalizer that
// understands the known body shapes.
package evolution

import (
	"strings"
	"time"
)

// CredentialKind decides which header carries a credential.
type CredentialKind int

const (
	CredentialJWT CredentialKind = iota + 1
	CredentialStaticKey
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialJWT:
		return "jwt"
	case CredentialStaticKey:
		return "static_key"
	default:
		return "unknown"
	}
}

// Credential is the account-wide provider credential. A zero ExpiresAt
// means the credential never expires.
type Credential struct {
	Value     string
	Kind      CredentialKind
	ExpiresAt time.Time
}

func (c Credential) expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

func (c Credential) strategy() authStrategy {
	if c.Kind == CredentialJWT {
		return bearerAuth{token: c.Value}
	}
	return apiKeyAuth{key: c.Value}
}

// ConnectionState is the folded instance connection status.
type ConnectionState string

const (
	StateCreated      ConnectionState = "created"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// ParseConnectionState folds the provider vocabulary into ConnectionState.
// Unknown values are reported as disconnected.
func ParseConnectionState(raw string) ConnectionState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open", "connected":
		return StateConnected
	case "close", "closed", "disconnected":
		return StateDisconnected
	case "connecting":
		return StateConnecting
	case "created":
		return StateCreated
	default:
		return StateDisconnected
	}
}

// PairingArtifact holds the material used to link a phone to an instance.
// QRCode is a data URL, PairingCode is formatted as XXXX-XXXX when it has
// eight characters.
type PairingArtifact struct {
	QRCode      string `json:"qr_code,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
}

func (p PairingArtifact) Empty() bool {
	return p.QRCode == "" && p.PairingCode == ""
}

// SendAck acknowledges an accepted outbound message.
type SendAck struct {
	MessageID string `json:"message_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// CreateResult is returned by CreateInstance. InstanceToken is opaque and
// must be persisted by the caller; it is required for sending messages.
type CreateResult struct {
	InstanceName  string
	InstanceToken string
	Pairing       *PairingArtifact
}

// PairingResult is returned by ConnectWithPairingCode.
type PairingResult struct {
	Pairing       PairingArtifact
	InstanceToken string
}

// Candidate is one endpoint tried for a logical operation.
type Candidate struct {
	URL                   string
	RequiresInstanceToken bool
}

// Response is the raw provider answer handed to the normalizer.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

func (r *Response) ok() bool {
	return r.Status >= 200 && r.Status < 300
}
