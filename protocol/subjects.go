// Package protocol defines the messages exchanged between engines, clients,
// the hub, the heartbeat monitor and the scheduler, and the bus subjects
// they travel on.
package protocol

import (
	"fmt"
	"strings"
)

// Bus subjects.
const (
	SubjectRegistration   = "hub.registration"
	SubjectUnregistration = "hub.unregistration"
	SubjectQuery          = "hub.query"
	SubjectNotification   = "hub.notification"

	SubjectPing = "heartbeat.ping"
	SubjectPong = "heartbeat.pong"

	SubjectSubmit = "scheduler.submit"
	SubjectAbort  = "scheduler.abort"
	SubjectResult = "scheduler.result"

	SubjectMonitorSubmit      = "monitor.submit"
	SubjectMonitorDestination = "monitor.destination"
	SubjectMonitorResult      = "monitor.result"
	SubjectIOPub              = "monitor.iopub"
)

// EngineTaskSubject is where the scheduler sends tasks for an engine.
func EngineTaskSubject(queue string) string { return "engine." + queue + ".task" }

// EngineControlSubject carries abort requests to an engine.
func EngineControlSubject(control string) string { return "engine." + control + ".control" }

// ClientResultSubject is where a client receives its results.
func ClientResultSubject(clientID string) string { return "client." + clientID + ".result" }

// ValidateIdentity checks that an engine or client identity can be used as a
// single subject token.
func ValidateIdentity(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s identity is empty", kind)
	}
	if strings.ContainsAny(id, ". \t\r\n*>") {
		return fmt.Errorf("%s identity %q contains reserved characters", kind, id)
	}
	return nil
}

// Endpoints is the subject directory handed to engines and clients.
type Endpoints struct {
	Registration   string `json:"registration"`
	Unregistration string `json:"unregistration"`
	Query          string `json:"query"`
	Notification   string `json:"notification"`
	Ping           string `json:"ping"`
	Pong           string `json:"pong"`
	Submit         string `json:"submit"`
	Abort          string `json:"abort"`
	Result         string `json:"result"`
	IOPub          string `json:"iopub"`
	Task           string `json:"task,omitempty"`
	Control        string `json:"control,omitempty"`
}

// DefaultEndpoints returns the shared subjects.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Registration:   SubjectRegistration,
		Unregistration: SubjectUnregistration,
		Query:          SubjectQuery,
		Notification:   SubjectNotification,
		Ping:           SubjectPing,
		Pong:           SubjectPong,
		Submit:         SubjectSubmit,
		Abort:          SubjectAbort,
		Result:         SubjectResult,
		IOPub:          SubjectIOPub,
	}
}

// ForEngine adds the engine's private task and control subjects.
func (e Endpoints) ForEngine(queue, control string) Endpoints {
	e.Task = EngineTaskSubject(queue)
	e.Control = EngineControlSubject(control)
	return e
}
