package jobq

// NetworkGate reports connectivity. The Manager samples it once per
// selection attempt; jobs that require network are ineligible while it
// reports false.
type NetworkGate interface {
	IsConnected() bool
}

// NetworkEventSource is the optional push capability of a NetworkGate.
// A gate implementing it delivers connectivity changes synchronously to
// the registered listener; the Manager then waits on explicit wakeups
// instead of polling on a bounded interval.
type NetworkEventSource interface {
	SetListener(fn func(connected bool))
}

// AssumeConnected is the default gate: always connected, no events.
type AssumeConnected struct{}

func (AssumeConnected) IsConnected() bool { return true }
