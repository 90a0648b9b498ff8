package types

import (
	"fmt"
	"time"
)

// MessageType identifies a message on the supervisor/worker channel.
type MessageType int

const (
	// MessageReady is emitted once by a worker when it can accept tasks
	MessageReady MessageType = iota + 1
	// MessageTask carries a task payload to a worker
	MessageTask
	// MessageResult carries a task outcome back from a worker
	MessageResult
	// MessageHealthCheck probes a worker's health
	MessageHealthCheck
	// MessageHealth is the reply to a health probe
	MessageHealth
	// MessageShutdown asks a worker to finish in-flight work and exit
	MessageShutdown
	// MessageShutdownAck confirms a shutdown request was accepted
	MessageShutdownAck
)

// String returns the wire name of the message type
func (mt MessageType) String() string {
	switch mt {
	case MessageReady:
		return "ready"
	case MessageTask:
		return "task"
	case MessageResult:
		return "result"
	case MessageHealthCheck:
		return "health-check"
	case MessageHealth:
		return "health"
	case MessageShutdown:
		return "shutdown"
	case MessageShutdownAck:
		return "shutdown-ack"
	default:
		return "unknown"
	}
}

// Envelope is the unit of exchange between the foreman and one worker.
// Correlated pairs (task/result, health-check/health) share an ID so replies
// can be matched even when task results and health replies interleave.
type Envelope struct {
	// Type is the message kind
	Type MessageType

	// ID is the correlation id; required for task, result, health-check
	// and health messages
	ID string

	// Payload is opaque to the channel; its shape depends on Type
	Payload interface{}
}

// Validate checks the envelope at the channel boundary.
func (e Envelope) Validate() error {
	switch e.Type {
	case MessageReady, MessageShutdown, MessageShutdownAck:
		return nil
	case MessageTask, MessageResult, MessageHealthCheck, MessageHealth:
		if e.ID == "" {
			return fmt.Errorf("%s message requires a correlation id", e.Type)
		}
		return nil
	default:
		return fmt.Errorf("unknown message type %d", int(e.Type))
	}
}

// ResultPayload is the payload of a MessageResult envelope.
type ResultPayload struct {
	// OK indicates the task succeeded
	OK bool

	// Value is the task output when OK
	Value interface{}

	// Err describes the failure when not OK
	Err string
}

// HealthPayload is the payload of a MessageHealth envelope.
type HealthPayload struct {
	// Healthy is the worker's self-assessment
	Healthy bool

	// Metrics carries opaque resource readings (e.g. cpu_percent, rss_bytes)
	Metrics map[string]float64
}

// HealthRecord is the foreman's view of one worker's probe history.
// It is consumed by the health monitor and restart policy only.
type HealthRecord struct {
	// LastCheckAt is when the last probe was sent
	LastCheckAt time.Time

	// LastSuccessAt is when the last healthy reply arrived
	LastSuccessAt time.Time

	// Metrics is the most recent metrics snapshot
	Metrics map[string]float64
}
