// Package demarcation is the UDP wire endpoint: it owns the bound sockets
// and fans inbound datagrams out to a Switch-shaped handler,
// one read-loop goroutine per socket, following the usual
// goroutine-per-listener idiom for inbound connection handling.
package demarcation

import (
	"fmt"
	"net"
	"sync"

	"github.com/zerotier-go/zt-core/log"
)

// DefaultUDPPort is the first port probed at startup, scanning a
// fixed-width range starting here.
const DefaultUDPPort = 9993

// PortScanWidth is how many consecutive ports are tried before giving up.
const PortScanWidth = 128

// Handler receives every inbound datagram demarcation reads off any bound
// socket. It is kept minimal and transport-agnostic so switchboard can
// implement it without importing net.
type Handler interface {
	HandleDatagram(from *net.UDPAddr, data []byte)
}

// Endpoint owns the UDP sockets this node is bound to and dispatches
// inbound datagrams to a Handler.
type Endpoint struct {
	mu      sync.Mutex
	conns   []*net.UDPConn
	handler Handler
	log     log.Logger
	wg      sync.WaitGroup
	closed  bool
}

// New constructs an Endpoint with no bound sockets yet; call Bind to scan
// for a usable port.
func New(handler Handler, logger log.Logger) *Endpoint {
	return &Endpoint{handler: handler, log: logger.New("component", "demarcation")}
}

// Bind scans [startPort, startPort+width) for the first port this process
// can claim on every local UDP-capable address, starting a read-loop
// goroutine for each socket it successfully binds. It returns the port
// actually bound; the invariant is that at least one socket binds or
// startup fails outright.
func (e *Endpoint) Bind(startPort, width int) (int, error) {
	for p := startPort; p < startPort+width; p++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: p})
		if err != nil {
			continue
		}
		e.mu.Lock()
		e.conns = append(e.conns, conn)
		e.mu.Unlock()
		e.wg.Add(1)
		go e.readLoop(conn)
		e.log.Info("bound UDP demarcation socket", "port", p)
		return p, nil
	}
	return 0, fmt.Errorf("demarcation: no free UDP port in [%d, %d)", startPort, startPort+width)
}

func (e *Endpoint) readLoop(conn *net.UDPConn) {
	defer e.wg.Done()
	buf := make([]byte, 16384)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if e.isClosed() {
				return
			}
			e.log.Warn("udp read error", "err", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		e.handler.HandleDatagram(addr, data)
	}
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// WriteTo writes raw bytes to a resolved UDP address over the first bound
// socket. node wires this behind a switchboard.Sender adapter that resolves
// an identity.Address to a *net.UDPAddr via topology before calling this.
func (e *Endpoint) WriteTo(addr *net.UDPAddr, raw []byte) error {
	e.mu.Lock()
	if len(e.conns) == 0 {
		e.mu.Unlock()
		return fmt.Errorf("demarcation: no bound socket")
	}
	conn := e.conns[0]
	e.mu.Unlock()
	_, err := conn.WriteToUDP(raw, addr)
	return err
}

// Close shuts down every bound socket and waits for its read loop to exit.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	conns := e.conns
	e.conns = nil
	e.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.wg.Wait()
	return firstErr
}
