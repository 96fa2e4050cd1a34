package endpoint

// Events is the endpoint's asynchronous notification surface for a UI/CLI
// consumer (§6): connection-status transitions, tunnel-snapshot changes,
// and user-presentable non-fatal errors. Each channel is buffered and
// non-blocking on send so a slow or absent consumer never stalls the
// endpoint's own loops.
type Events struct {
	ConnectionStatus chan bool
	TunnelsUpdated   chan struct{}
	ServerError      chan string
}

func newEvents() *Events {
	return &Events{
		ConnectionStatus: make(chan bool, 8),
		TunnelsUpdated:   make(chan struct{}, 8),
		ServerError:      make(chan string, 8),
	}
}

func (e *Events) emitConnectionStatus(connected bool) {
	select {
	case e.ConnectionStatus <- connected:
	default:
	}
}

func (e *Events) emitTunnelsUpdated() {
	select {
	case e.TunnelsUpdated <- struct{}{}:
	default:
	}
}

func (e *Events) emitServerError(msg string) {
	select {
	case e.ServerError <- msg:
	default:
	}
}
