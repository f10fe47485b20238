package mint

import "time"

// Mode selects how the mint engine exposes itself to the network.
type Mode string

const (
	// ModePlain serves the mint on a plain TCP listener only.
	ModePlain Mode = "plain"
	// ModeHidden additionally publishes the mint as a hidden service.
	// The onion address becomes available asynchronously after start.
	ModeHidden Mode = "hidden"
)

// Valid reports whether m is a recognised mode.
func (m Mode) Valid() bool {
	return m == ModePlain || m == ModeHidden
}

// State describes the engine lifecycle as reported by status queries.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// ReasonCode classifies failures for UI consumption. Raw engine result
// codes never leave the bridge layer.
type ReasonCode string

const (
	ReasonNone               ReasonCode = ""
	ReasonConfigMissing      ReasonCode = "config_missing"
	ReasonReconfigureNeeded  ReasonCode = "reconfigure_required"
	ReasonBindFailed         ReasonCode = "bind_failed"
	ReasonEngineLoadFatal    ReasonCode = "engine_load_fatal"
	ReasonStartRejected      ReasonCode = "start_rejected"
	ReasonAddressUnavailable ReasonCode = "address_unavailable"
)

// ServiceStatus is a point-in-time snapshot of the engine. It is derived
// on demand and never persisted.
type ServiceStatus struct {
	Mode      Mode       `json:"mode"`
	State     State      `json:"state"`
	Address   string     `json:"address,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Reason    ReasonCode `json:"reason,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Running reports whether the snapshot describes a live engine.
func (s ServiceStatus) Running() bool {
	return s.State == StateRunning || s.State == StateStarting
}

// OperatorIdentity is the mint operator's signing identity. The secret key
// is encrypted at rest and cleared on logout.
type OperatorIdentity struct {
	PublicKey string `json:"pubkey"`
	SecretKey string `json:"secret_key"`
	Imported  bool   `json:"imported"`
}

// Empty reports whether the identity carries no usable key material.
func (id OperatorIdentity) Empty() bool {
	return id.PublicKey == "" || id.SecretKey == ""
}
