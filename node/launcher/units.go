package launcher

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// Unit is one running container or process.
type Unit struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	ConsortiumID string    `json:"consortium_id"`
	Backend      string    `json:"backend"`
	StartedAt    time.Time `json:"started_at"`
}

type unitEntry struct {
	unit Unit
	proc Process
}

// UnitTable is the node's record of running units. It is the only mutable
// state shared across run pipelines.
type UnitTable struct {
	mu    sync.RWMutex
	units map[string]unitEntry
}

func NewUnitTable() *UnitTable {
	return &UnitTable{units: make(map[string]unitEntry)}
}

// Add registers a unit, replacing any unit with the same id.
func (t *UnitTable) Add(u Unit, p Process) {
	t.mu.Lock()
	t.units[u.ID] = unitEntry{unit: u, proc: p}
	t.mu.Unlock()
}

// Remove drops a unit. Removing an unknown id is a no-op.
func (t *UnitTable) Remove(id string) {
	t.mu.Lock()
	delete(t.units, id)
	t.mu.Unlock()
}

func (t *UnitTable) Get(id string) (Unit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.units[id]
	return e.unit, ok
}

func (t *UnitTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.units)
}

// CountBackend returns the number of running units of one backend.
func (t *UnitTable) CountBackend(backend string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.units {
		if e.unit.Backend == backend {
			n++
		}
	}
	return n
}

// List returns the units ordered by start time.
func (t *UnitTable) List() []Unit {
	t.mu.RLock()
	out := make([]Unit, 0, len(t.units))
	for _, e := range t.units {
		out = append(out, e.unit)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Runs returns the earliest unit of every run that still has one running.
func (t *UnitTable) Runs() []Unit {
	seen := make(map[string]bool)
	var out []Unit
	for _, u := range t.List() {
		if u.RunID == "" || seen[u.RunID] {
			continue
		}
		seen[u.RunID] = true
		out = append(out, u)
	}
	return out
}

func (t *UnitTable) process(id string) (Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.units[id]
	return e.proc, ok
}

func (t *UnitTable) snapshot() []unitEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]unitEntry, 0, len(t.units))
	for _, e := range t.units {
		out = append(out, e)
	}
	return out
}

// =============================================================================
// Port reservation
// =============================================================================

// ErrNoFreePort is returned when a range is exhausted.
var ErrNoFreePort = errors.New("launcher: no free port")

// Ports hands out host ports for FL servers. A port stays reserved until
// released even after its probe listener is closed.
type Ports struct {
	mu       sync.Mutex
	lo, hi   int
	reserved map[int]struct{}
}

// NewPorts scans [lo, hi]. With lo <= 0 the kernel picks ephemeral ports.
func NewPorts(lo, hi int) *Ports {
	return &Ports{lo: lo, hi: hi, reserved: make(map[int]struct{})}
}

// Reserve returns n distinct free ports.
func (p *Ports) Reserve(n int) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]int, 0, n)
	release := func() {
		for _, port := range out {
			delete(p.reserved, port)
		}
	}
	for len(out) < n {
		port, err := p.next()
		if err != nil {
			release()
			return nil, err
		}
		p.reserved[port] = struct{}{}
		out = append(out, port)
	}
	return out, nil
}

// Release returns ports to the pool.
func (p *Ports) Release(ports ...int) {
	p.mu.Lock()
	for _, port := range ports {
		delete(p.reserved, port)
	}
	p.mu.Unlock()
}

func (p *Ports) next() (int, error) {
	if p.lo <= 0 {
		for range 16 {
			port, err := probe(0)
			if err != nil {
				return 0, err
			}
			if _, taken := p.reserved[port]; !taken {
				return port, nil
			}
		}
		return 0, ErrNoFreePort
	}
	for port := p.lo; port <= p.hi; port++ {
		if _, taken := p.reserved[port]; taken {
			continue
		}
		if _, err := probe(port); err == nil {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w in %d-%d", ErrNoFreePort, p.lo, p.hi)
}

// ReservePort binds a port in [lo, hi] (or an ephemeral one when lo <= 0),
// closes the listener and returns the port number.
func ReservePort(lo, hi int) (int, error) {
	ports, err := NewPorts(lo, hi).Reserve(1)
	if err != nil {
		return 0, err
	}
	return ports[0], nil
}

func probe(port int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
