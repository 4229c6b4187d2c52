package transport

import (
	"context"
	"sync"

	"github.com/cuemby/ravel/pkg/raverrors"
)

// Network is a shared registry of in-memory transports keyed by address,
// used to wire up a deterministic multi-node cluster in tests without any
// real sockets. It also supports simulating network partitions (spec
// section 8, scenario 3).
type Network struct {
	mu         sync.RWMutex
	transports map[string]*Memory
	partitions map[string]map[string]bool // addr -> set of addrs it cannot reach
}

func NewNetwork() *Network {
	return &Network{
		transports: make(map[string]*Memory),
		partitions: make(map[string]map[string]bool),
	}
}

// NewTransport creates a Memory transport bound to addr and registers it
// on the network. Listen must still be called before it accepts traffic.
func (n *Network) NewTransport(addr string) *Memory {
	m := &Memory{network: n, addr: addr, handlers: make(map[string]Handler)}
	n.mu.Lock()
	n.transports[addr] = m
	n.mu.Unlock()
	return m
}

// Partition makes a and b unable to reach each other until Heal is
// called. It is symmetric.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.partitions[a] == nil {
		n.partitions[a] = make(map[string]bool)
	}
	if n.partitions[b] == nil {
		n.partitions[b] = make(map[string]bool)
	}
	n.partitions[a][b] = true
	n.partitions[b][a] = true
}

// Heal clears every simulated partition.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions = make(map[string]map[string]bool)
}

func (n *Network) reachable(from, to string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return !n.partitions[from][to]
}

func (n *Network) resolve(addr string) (*Memory, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	m, ok := n.transports[addr]
	return m, ok
}

// Memory is a Transport backed by direct in-process calls through a
// shared Network. It is the primary vehicle for deterministic tests over
// the consensus and server packages.
type Memory struct {
	network *Network
	addr    string

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
	listened bool
}

func (m *Memory) Listen(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listened {
		return raverrors.Wrapf(raverrors.IllegalState, "transport for %s already listening", m.addr)
	}
	m.addr = addr
	m.listened = true
	return nil
}

func (m *Memory) Register(topic string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = h
}

func (m *Memory) Send(ctx context.Context, addr, topic string, req []byte) ([]byte, error) {
	if !m.network.reachable(m.addr, addr) {
		return nil, raverrors.ConnectionLost
	}
	peer, ok := m.network.resolve(addr)
	if !ok {
		return nil, raverrors.ConnectionLost
	}
	peer.mu.RLock()
	closed := peer.closed
	h, ok := peer.handlers[topic]
	peer.mu.RUnlock()
	if closed {
		return nil, raverrors.ConnectionLost
	}
	if !ok {
		return nil, raverrors.Wrapf(raverrors.IllegalState, "no handler registered for topic %q at %s", topic, addr)
	}
	return h(ctx, req)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
