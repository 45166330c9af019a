package protocol

import (
	"time"

	"github.com/vinayprograms/taskhub/errors"
)

// DependencySpec names tasks a job depends on and how their outcomes count.
// All selects all-of or any-of; unset means all-of. Success and Failure
// choose which outcomes satisfy the dependency; when both are false,
// success is assumed.
type DependencySpec struct {
	IDs     []string `json:"ids,omitempty"`
	All     *bool    `json:"all,omitempty"`
	Success bool     `json:"success,omitempty"`
	Failure bool     `json:"failure,omitempty"`
}

// AllSucceeded is the usual dependency: every id completed successfully.
func AllSucceeded(ids ...string) DependencySpec {
	return DependencySpec{IDs: ids, All: flag(true), Success: true}
}

// AnySucceeded is met once one of ids completed successfully.
func AnySucceeded(ids ...string) DependencySpec {
	return DependencySpec{IDs: ids, All: flag(false), Success: true}
}

// RequireAll reports whether every id must be satisfied.
func (d DependencySpec) RequireAll() bool { return d.All == nil || *d.All }

// Normalized returns a copy with the all-of and success defaults applied.
func (d DependencySpec) Normalized() DependencySpec {
	if !d.Success && !d.Failure {
		d.Success = true
	}
	d.All = flag(d.RequireAll())
	d.IDs = append([]string(nil), d.IDs...)
	return d
}

func flag(v bool) *bool { return &v }

// TaskHeader identifies a submission.
type TaskHeader struct {
	MsgID    string    `json:"msg_id"`
	ClientID string    `json:"client_id"`
	Date     time.Time `json:"date"`
}

// TaskMetadata carries scheduling constraints. Targets are engine queue
// identities. Timeout is in seconds from submission; zero means none.
type TaskMetadata struct {
	Targets []string       `json:"targets,omitempty"`
	After   DependencySpec `json:"after,omitempty"`
	Follow  DependencySpec `json:"follow,omitempty"`
	Retries int            `json:"retries,omitempty"`
	Timeout float64        `json:"timeout,omitempty"`
}

// TaskEnvelope is a task submission.
type TaskEnvelope struct {
	Header   TaskHeader   `json:"header"`
	Metadata TaskMetadata `json:"metadata"`
	Content  []byte       `json:"content,omitempty"`
	Buffers  [][]byte     `json:"buffers,omitempty"`
}

// Validate checks required fields and identity formats.
func (t *TaskEnvelope) Validate() error {
	if t.Header.MsgID == "" {
		return errors.InvalidRequest("task envelope without msg_id")
	}
	if err := ValidateIdentity("client", t.Header.ClientID); err != nil {
		return errors.InvalidRequest(err.Error(), errors.WithMsgID(t.Header.MsgID))
	}
	if t.Metadata.Retries < 0 || t.Metadata.Timeout < 0 {
		return errors.InvalidRequest("retries and timeout must not be negative", errors.WithMsgID(t.Header.MsgID))
	}
	return nil
}

// ResultEnvelope is an engine's reply to a task, relayed by the scheduler
// to the client and mirrored to the hub.
type ResultEnvelope struct {
	ParentID  string     `json:"parent_id"`
	ClientID  string     `json:"client_id,omitempty"`
	Status    Status     `json:"status"`
	Engine    string     `json:"engine,omitempty"`
	Started   *time.Time `json:"started,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`
	Content   []byte     `json:"content,omitempty"`
	Buffers   [][]byte   `json:"buffers,omitempty"`
	EName     string     `json:"ename,omitempty"`
	EValue    string     `json:"evalue,omitempty"`
	Date      time.Time  `json:"date"`
}

// Succeeded reports whether the task completed without error.
func (r *ResultEnvelope) Succeeded() bool {
	return r.Status == StatusOK
}

// Err returns the failure carried by the result, or nil on success.
func (r *ResultEnvelope) Err() error {
	if r.Succeeded() {
		return nil
	}
	return wireError(r.EName, r.EValue)
}

// FailedResult builds the reply for a task that never produced one of its
// own: unreachable, timed out, aborted or stranded.
func FailedResult(msgID, clientID, engine string, err error) *ResultEnvelope {
	now := time.Now().UTC()
	status := StatusError
	if errors.Is(err, errors.ErrCodeTaskAborted) {
		status = StatusAborted
	}
	ename, evalue := errors.ToWire(err)
	return &ResultEnvelope{
		ParentID:  msgID,
		ClientID:  clientID,
		Status:    status,
		Engine:    engine,
		Completed: &now,
		EName:     ename,
		EValue:    evalue,
		Date:      now,
	}
}

// DestinationMessage tells the hub which engine a task was assigned to.
type DestinationMessage struct {
	MsgID  string    `json:"msg_id"`
	Engine string    `json:"engine"`
	Date   time.Time `json:"date"`
}

// AbortRequest cancels tasks.
type AbortRequest struct {
	MsgIDs   []string `json:"msg_ids"`
	ClientID string   `json:"client_id,omitempty"`
}

// ControlMessage is sent to an engine's control subject.
type ControlMessage struct {
	Type   string   `json:"type"`
	MsgIDs []string `json:"msg_ids,omitempty"`
}

// ControlAbort is the ControlMessage type asking an engine to stop tasks.
const ControlAbort = "abort_request"

// IOPub kinds.
const (
	IOPubStream = "stream"
	IOPubError  = "error"
)

// IOPubMessage carries output an engine produced while running a task.
type IOPubMessage struct {
	ParentID string `json:"parent_id"`
	Engine   string `json:"engine,omitempty"`
	Kind     string `json:"kind"`
	Name     string `json:"name,omitempty"`
	Text     string `json:"text,omitempty"`
	EName    string `json:"ename,omitempty"`
	EValue   string `json:"evalue,omitempty"`
}
