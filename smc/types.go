package smc

// Status is the outcome vocabulary carried by every Reply.
type Status string

const (
	// StatusSuccess reports recoverable progress; more commands are expected.
	StatusSuccess Status = "SUCCESS"
	// StatusSuccessDone reports terminal success (session computed, final pong).
	StatusSuccessDone Status = "SUCCESS_DONE"
	// StatusDenied reports a recoverable failure; the session remains usable.
	StatusDenied Status = "DENIED"
	// StatusUnknownCmd reports an unsupported aggregation or command shape.
	StatusUnknownCmd Status = "UNKNOWN_CMD"
	// StatusAborted reports a fatal failure; the session has been torn down.
	StatusAborted Status = "ABORTED"
)

// IsValid reports whether s is part of the status vocabulary.
func (s Status) IsValid() bool {
	switch s {
	case StatusSuccess, StatusSuccessDone, StatusDenied, StatusUnknownCmd, StatusAborted:
		return true
	default:
		return false
	}
}

// Aggregation names the function the peers jointly evaluate.
type Aggregation string

const (
	AggregationSum Aggregation = "sum"
)

// Participant is one peer of a computation.
type Participant struct {
	PartyID  int    `json:"partyID" jsonschema:"minimum=1,description=Caller-assigned party number unique within the session"`
	Endpoint string `json:"endpoint" jsonschema:"description=Peer address as host:port"`
}

// Task describes what to compute. It is fixed by a successful Prepare and
// read-only afterwards.
type Task struct {
	Aggregation Aggregation       `json:"aggregation" jsonschema:"enum=sum"`
	Params      map[string]string `json:"params,omitempty"`
}

// Param returns the named task parameter.
func (t Task) Param(name string) (string, bool) {
	if t.Params == nil {
		return "", false
	}
	v, ok := t.Params[name]
	return v, ok
}

// PreparePayload configures the local engine for a computation.
type PreparePayload struct {
	LocalPartyID int           `json:"localPartyID" jsonschema:"minimum=1"`
	Participants []Participant `json:"participants"`
	Task         *Task         `json:"task,omitempty"`
}

// LinkPayload opens the network channels to every peer.
type LinkPayload struct{}

// SessionPayload runs the computation.
type SessionPayload struct{}

// DebugPayload is an echo request that never touches phase state.
type DebugPayload struct {
	Ping             float64 `json:"ping"`
	MorePhasesFollow bool    `json:"morePhasesFollow,omitempty"`
}

// PayloadKind discriminates Command payloads.
type PayloadKind string

const (
	PayloadUnknown PayloadKind = ""
	PayloadPrepare PayloadKind = "prepare"
	PayloadLink    PayloadKind = "link"
	PayloadSession PayloadKind = "session"
	PayloadDebug   PayloadKind = "debug"
)

// Command is a discriminated union over the phase payloads. Exactly one field
// is expected to be set.
type Command struct {
	Prepare *PreparePayload `json:"prepare,omitempty"`
	Link    *LinkPayload    `json:"link,omitempty"`
	Session *SessionPayload `json:"session,omitempty"`
	Debug   *DebugPayload   `json:"debug,omitempty"`
}

// Kind returns the payload kind, or PayloadUnknown when zero or several payloads
// are set.
func (c *Command) Kind() PayloadKind {
	if c == nil {
		return PayloadUnknown
	}
	kind := PayloadUnknown
	n := 0
	if c.Prepare != nil {
		kind, n = PayloadPrepare, n+1
	}
	if c.Link != nil {
		kind, n = PayloadLink, n+1
	}
	if c.Session != nil {
		kind, n = PayloadSession, n+1
	}
	if c.Debug != nil {
		kind, n = PayloadDebug, n+1
	}
	if n != 1 {
		return PayloadUnknown
	}
	return kind
}

// Result carries the numeric outcome of a computation or a debug pong.
type Result struct {
	Value float64 `json:"value"`
}

// Reply is produced fresh for every command and never mutated after return.
type Reply struct {
	Status  Status  `json:"status"`
	Message string  `json:"message,omitempty"`
	Result  *Result `json:"result,omitempty"`
}

// NewReply builds a reply without a result.
func NewReply(status Status, msg string) *Reply {
	return &Reply{Status: status, Message: msg}
}

// NewResultReply builds a reply carrying a numeric result.
func NewResultReply(status Status, msg string, value float64) *Reply {
	return &Reply{Status: status, Message: msg, Result: &Result{Value: value}}
}

// Fixed reply messages.
const (
	MsgInvalidSession    = "Session ID not allowed"
	MsgInvalidTransition = "Invalid state transition"
	MsgInvalidTask       = "Invalid task"
	MsgAborted           = "session failed. tear down all connections"
)

// AbortedReply reports that the session was torn down after a fatal failure.
func AbortedReply() *Reply { return NewReply(StatusAborted, MsgAborted) }
