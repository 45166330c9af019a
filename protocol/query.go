package protocol

import "time"

// Hub query types.
const (
	QueryConnection = "connection_request"
	QueueRequest    = "queue_request"
	LoadRequest     = "load_request"
	PurgeRequest    = "purge_request"
	ResultRequest   = "result_request"
	HistoryRequest  = "history_request"
	DBRequest       = "db_request"
	ResubmitRequest = "resubmit_request"
	ShutdownRequest = "shutdown_request"
)

// QueryRequest is sent to SubjectQuery. Which fields matter depends on Type.
// A nil Targets list means every registered engine.
type QueryRequest struct {
	Type       string         `json:"type"`
	Targets    []int          `json:"targets,omitempty"`
	Verbose    bool           `json:"verbose,omitempty"`
	MsgIDs     []string       `json:"msg_ids,omitempty"`
	EngineIDs  []int          `json:"engine_ids,omitempty"`
	All        bool           `json:"all,omitempty"`
	StatusOnly bool           `json:"status_only,omitempty"`
	Query      map[string]any `json:"query,omitempty"`
	Keys       []string       `json:"keys,omitempty"`
}

// QueueStatus summarizes one engine. The id lists are filled only for
// verbose requests.
type QueueStatus struct {
	Queue        string   `json:"queue"`
	Pending      int      `json:"pending"`
	Completed    int      `json:"completed"`
	Failed       int      `json:"failed"`
	PendingIDs   []string `json:"pending_ids,omitempty"`
	CompletedIDs []string `json:"completed_ids,omitempty"`
	FailedIDs    []string `json:"failed_ids,omitempty"`
}

// TaskResult is a finished task as returned by result_request.
type TaskResult struct {
	Status    Status     `json:"status"`
	Engine    string     `json:"engine,omitempty"`
	EngineID  *int       `json:"engine_id,omitempty"`
	Submitted *time.Time `json:"submitted,omitempty"`
	Started   *time.Time `json:"started,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`
	Content   []byte     `json:"content,omitempty"`
	Buffers   [][]byte   `json:"buffers,omitempty"`
	EName     string     `json:"ename,omitempty"`
	EValue    string     `json:"evalue,omitempty"`
	Stdout    string     `json:"stdout,omitempty"`
	Stderr    string     `json:"stderr,omitempty"`
}

// QueryReply answers every query type.
type QueryReply struct {
	ErrorFields

	// connection_request
	Endpoints *Endpoints     `json:"endpoints,omitempty"`
	Engines   map[int]string `json:"engines,omitempty"`
	Controls  map[int]string `json:"controls,omitempty"`

	// queue_request
	Queues     map[int]QueueStatus `json:"queues,omitempty"`
	Unassigned int                 `json:"unassigned,omitempty"`

	// load_request
	Loads map[int]int `json:"loads,omitempty"`

	// result_request
	Pending   []string               `json:"pending,omitempty"`
	Completed []string               `json:"completed,omitempty"`
	Results   map[string]*TaskResult `json:"results,omitempty"`

	// history_request
	History []string `json:"history,omitempty"`

	// db_request
	Records []map[string]any `json:"records,omitempty"`

	// resubmit_request: old msg_id -> new msg_id
	Resubmitted map[string]string `json:"resubmitted,omitempty"`
}

// OK returns a successful reply.
func OK() *QueryReply {
	return &QueryReply{ErrorFields: ErrorFields{Status: StatusOK}}
}

// ErrorReply returns a failed reply carrying err.
func ErrorReply(err error) *QueryReply {
	r := &QueryReply{}
	r.SetError(err)
	return r
}
