package protocol

// Op names a control channel operation. Requests travel as one JSON object
// per line over the daemon's unix socket.
type Op string

const (
	OpPing         Op = "ping"          // liveness probe
	OpStatus       Op = "status"        // counts by status
	OpReady        Op = "ready"         // READY queue in dispatch order
	OpInject       Op = "inject"        // create a work unit
	OpAnswer       Op = "answer"        // answer a NEEDS_ATTENTION unit
	OpResolve      Op = "resolve"       // apply a conflict verdict
	OpAttention    Op = "attention"     // prioritized attention queue
	OpShow         Op = "show"          // full work unit detail
	OpDashboardURL Op = "dashboard_url" // where the HTTP listener ended up
)

// Valid reports whether o is a known control operation.
func (o Op) Valid() bool {
	switch o {
	case OpPing, OpStatus, OpReady, OpInject, OpAnswer, OpResolve,
		OpAttention, OpShow, OpDashboardURL:
		return true
	default:
		return false
	}
}

// Request is one control channel message from a CLI client.
type Request struct {
	Op               Op      `json:"op"`
	ChunkID          string  `json:"chunk_id,omitempty"`
	Text             string  `json:"text,omitempty"`
	CompetingChunkID string  `json:"competing_chunk_id,omitempty"`
	Verdict          Verdict `json:"verdict,omitempty"`
}

// Response is the daemon's reply to one Request. OK false carries Error;
// the data fields are populated per operation.
type Response struct {
	OK           bool            `json:"ok"`
	Error        string          `json:"error,omitempty"`
	Counts       map[string]int  `json:"counts,omitempty"`
	ActiveAgents int             `json:"active_agents,omitempty"`
	MaxAgents    int             `json:"max_agents,omitempty"`
	Unit         *WorkUnit       `json:"unit,omitempty"`
	Units        []WorkUnit      `json:"units,omitempty"`
	Attention    []AttentionItem `json:"attention,omitempty"`
	URL          string          `json:"url,omitempty"`
	Result       *PhaseResult    `json:"result,omitempty"`
}

// ErrorResponse builds a failed Response from err.
func ErrorResponse(err error) Response {
	return Response{OK: false, Error: err.Error()}
}
