package relay

// State is the endpoint's operating state.
type State int32

const (
	StateListening State = iota
	StateConnected
	StateCapturing
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateConnected:
		return "CONNECTED"
	case StateCapturing:
		return "CAPTURING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Capture outcomes, used as metric labels.
const (
	captureRelayed  = "relayed"
	captureTimeout  = "timeout"
	captureOversize = "oversize"
	captureAborted  = "aborted"
)

// Send outcomes, used as metric labels.
const (
	sendWritten = "written"
	sendDropped = "dropped"
	sendFailed  = "failed"
)

// Status is a point-in-time snapshot of one endpoint.
type Status struct {
	Name         string `json:"name"`
	Addr         string `json:"addr"`
	State        string `json:"state"`
	Remote       string `json:"remote,omitempty"`
	Relayed      uint64 `json:"relayed"`
	Timeouts     uint64 `json:"timeouts"`
	Oversize     uint64 `json:"oversize"`
	Aborted      uint64 `json:"aborted"`
	Reconnects   uint64 `json:"reconnects"`
	Sent         uint64 `json:"sent"`
	Dropped      uint64 `json:"dropped"`
	SendFailures uint64 `json:"send_failures"`
}
