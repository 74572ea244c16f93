package lifecycle

// ControlEvent is an order from the host service manager.
type ControlEvent int

const (
	// ControlStart is issued once when the host launches the service.
	ControlStart ControlEvent = iota
	// ControlStop asks for a bounded graceful shutdown.
	ControlStop
)

func (e ControlEvent) String() string {
	switch e {
	case ControlStart:
		return "start"
	case ControlStop:
		return "stop"
	default:
		return "unknown"
	}
}

// ServiceState is the single process-wide state owned by the Controller.
type ServiceState string

const (
	ServiceStopped      ServiceState = "stopped"
	ServiceStartPending ServiceState = "start-pending"
	ServiceRunning      ServiceState = "running"
	ServiceStopPending  ServiceState = "stop-pending"
)

// Status is what the Controller reports back to the host on every state
// transition and on each checkpoint during a long stop.
type Status struct {
	State   ServiceState
	Message string

	// Checkpoint increments on each periodic progress report while a
	// pending operation is in flight, so the host's watchdog can tell
	// "slow" from "hung".
	Checkpoint int

	// Err is set when a transition failed (discovery fatal, all spawns
	// failed, internal fault).
	Err error
}

// Host abstracts the service manager's control surface: it delivers
// start/stop orders and accepts status reports. Implementations must make
// Report cheap and non-blocking; it is called from the controller loop.
type Host interface {
	Events() <-chan ControlEvent
	Report(Status)
}
