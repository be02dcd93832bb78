package sampler

import "context"

// Listener is one listening socket as seen by the network probe.
type Listener struct {
	Proto     string // "TCP" or "UDP"
	LocalAddr string
	LocalPort int
	PID       int32
}

// Conn is one established TCP connection as seen by the network probe.
type Conn struct {
	RemoteIP  string
	LocalPort int
}

// NetProbe enumerates the host's sockets. The production implementation is
// gopsutil-backed (SystemProbe); tests inject fakes.
type NetProbe interface {
	Listeners(ctx context.Context) ([]Listener, error)
	Established(ctx context.Context) ([]Conn, error)
}

// ProcInfo is one running process as seen by the process probe. Exe may be
// empty when the probe cannot resolve the executable path.
type ProcInfo struct {
	PID  int32
	Name string
	Exe  string
}

// ProcProbe enumerates running processes.
type ProcProbe interface {
	Processes(ctx context.Context) ([]ProcInfo, error)
}

// LogRecord is one raw record read from an OS event log channel. Strings
// holds the record's positional insertion strings, whose meaning depends on
// the record's event id.
type LogRecord struct {
	RecordID    uint64
	EventID     int
	TimeCreated string
	Strings     []string
}

// LogProbe reads OS event log channels. Latest returns the newest record id
// in a channel (the bookmark starting point); ReadSince returns the records
// with id strictly greater than after, in increasing id order.
type LogProbe interface {
	Latest(ctx context.Context, channel string) (uint64, error)
	ReadSince(ctx context.Context, channel string, after uint64) ([]LogRecord, error)
}
