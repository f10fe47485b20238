package eventbus

import (
	"time"

	"github.com/pocketmint-io/pocketmint/internal/mint"
)

// Topic identifies a logical channel on the bus.
type Topic string

const (
	TopicEngineStatus    Topic = "engine.status"
	TopicEngineAddress   Topic = "engine.address"
	TopicAcquireProgress Topic = "acquire.progress"
	TopicConnState       Topic = "conn.state"
)

// Source describes which component produced an event.
type Source string

const (
	SourceController  Source = "controller"
	SourceAcquirer    Source = "address_acquirer"
	SourceConnManager Source = "conn_manager"
	SourceDaemon      Source = "daemon"
	SourceEngine      Source = "engine"
	SourceUnknown     Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

// EngineStatusEvent carries a fresh engine status snapshot. Generation
// identifies the start cycle the snapshot belongs to; consumers discard
// events from superseded generations.
type EngineStatusEvent struct {
	Status     mint.ServiceStatus
	Generation uint64
}

// AddressEvent is published once when the hidden-service address for a
// start generation becomes known.
type AddressEvent struct {
	Address    string
	Generation uint64
}

// AcquireProgressEvent reports address-acquisition progress while the
// hidden service is still publishing.
type AcquireProgressEvent struct {
	Attempt     int
	MaxAttempts int
	Elapsed     time.Duration
	Generation  uint64
}

// ConnStateEvent notifies observers about daemon connection transitions.
type ConnStateEvent struct {
	State  string
	Detail string
}

// Engine groups engine topic descriptors.
var Engine = struct {
	Status  TopicDef[EngineStatusEvent]
	Address TopicDef[AddressEvent]
}{
	Status:  NewTopicDef[EngineStatusEvent](TopicEngineStatus),
	Address: NewTopicDef[AddressEvent](TopicEngineAddress),
}

// Acquire groups address-acquisition topic descriptors.
var Acquire = struct {
	Progress TopicDef[AcquireProgressEvent]
}{
	Progress: NewTopicDef[AcquireProgressEvent](TopicAcquireProgress),
}

// Conn groups connection topic descriptors.
var Conn = struct {
	State TopicDef[ConnStateEvent]
}{
	State: NewTopicDef[ConnStateEvent](TopicConnState),
}
