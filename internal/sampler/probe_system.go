package sampler

import (
	"context"
	"fmt"
	"syscall"

	gnet "github.com/shirou/gopsutil/v3/net"
	gproc "github.com/shirou/gopsutil/v3/process"
)

// SystemProbe is the production NetProbe and ProcProbe, backed by gopsutil.
type SystemProbe struct{}

// Listeners returns every TCP socket in LISTEN state plus every bound UDP
// socket (UDP has no formal listening state).
func (SystemProbe) Listeners(ctx context.Context) ([]Listener, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("sampler: enumerating sockets: %w", err)
	}

	var listeners []Listener
	for _, c := range conns {
		switch c.Type {
		case syscall.SOCK_STREAM:
			if c.Status != "LISTEN" {
				continue
			}
			listeners = append(listeners, Listener{
				Proto:     "TCP",
				LocalAddr: c.Laddr.IP,
				LocalPort: int(c.Laddr.Port),
				PID:       c.Pid,
			})
		case syscall.SOCK_DGRAM:
			listeners = append(listeners, Listener{
				Proto:     "UDP",
				LocalAddr: c.Laddr.IP,
				LocalPort: int(c.Laddr.Port),
				PID:       c.Pid,
			})
		}
	}
	return listeners, nil
}

// Established returns the remote address and local port of every established
// TCP connection.
func (SystemProbe) Established(ctx context.Context) ([]Conn, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("sampler: enumerating connections: %w", err)
	}

	var established []Conn
	for _, c := range conns {
		if c.Status != "ESTABLISHED" {
			continue
		}
		established = append(established, Conn{
			RemoteIP:  c.Raddr.IP,
			LocalPort: int(c.Laddr.Port),
		})
	}
	return established, nil
}

// Processes returns the running processes. Processes that vanish mid-scan are
// skipped; a missing executable path is not an error.
func (SystemProbe) Processes(ctx context.Context) ([]ProcInfo, error) {
	procs, err := gproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sampler: enumerating processes: %w", err)
	}

	infos := make([]ProcInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		exe, _ := p.ExeWithContext(ctx)
		infos = append(infos, ProcInfo{PID: p.Pid, Name: name, Exe: exe})
	}
	return infos, nil
}
