package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vinayprograms/taskhub/errors"
)

// Status values carried by replies and results.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusAborted Status = "aborted"
)

// Notification types published on SubjectNotification.
const (
	NotifyRegistration   = "registration_notification"
	NotifyUnregistration = "unregistration_notification"
	NotifyShutdown       = "shutdown_notice"
)

// RegistrationRequest asks the hub to admit an engine. Control defaults to
// Queue when empty.
type RegistrationRequest struct {
	Queue     string `json:"queue"`
	Heartbeat string `json:"heartbeat"`
	Control   string `json:"control,omitempty"`
}

// RegistrationReply answers a RegistrationRequest.
type RegistrationReply struct {
	Status    Status     `json:"status"`
	ID        int        `json:"id"`
	Endpoints *Endpoints `json:"endpoints,omitempty"`
	EName     string     `json:"ename,omitempty"`
	EValue    string     `json:"evalue,omitempty"`
}

// Err returns the reply's error, or nil when Status is ok.
func (r *RegistrationReply) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return wireError(r.EName, r.EValue)
}

// UnregistrationRequest removes an engine.
type UnregistrationRequest struct {
	ID int `json:"id"`
}

// Notification announces membership changes and shutdown.
type Notification struct {
	Type    string `json:"type"`
	ID      int    `json:"id"`
	Queue   string `json:"queue,omitempty"`
	Control string `json:"control,omitempty"`
}

// Pong is a heartbeat reply. On the wire it is the pair [identity, token].
type Pong struct {
	_        struct{} `cbor:",toarray"`
	Identity string
	Token    string
}

// MarshalJSON encodes the pong as a two element array.
func (p Pong) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.Identity, p.Token})
}

// UnmarshalJSON decodes a two element array.
func (p *Pong) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("pong: want [identity, token], got %d elements", len(pair))
	}
	p.Identity, p.Token = pair[0], pair[1]
	return nil
}

// ErrorFields is embedded by replies that can fail.
type ErrorFields struct {
	Status Status `json:"status"`
	EName  string `json:"ename,omitempty"`
	EValue string `json:"evalue,omitempty"`
}

// SetError marks the reply failed with err's wire form.
func (f *ErrorFields) SetError(err error) {
	f.Status = StatusError
	f.EName, f.EValue = errors.ToWire(err)
}

// Err returns the reply's error, or nil when Status is ok.
func (f ErrorFields) Err() error {
	if f.Status != StatusError {
		return nil
	}
	return wireError(f.EName, f.EValue)
}

func wireError(ename, evalue string) error {
	if err := errors.FromWire(ename, evalue); err != nil {
		return err
	}
	return errors.Internal("request failed without error details")
}
