// Package resultsink is a reference render-sink implementation that
// broadcasts per-frame tracking results as newline-delimited JSON over
// UDP and TCP, following the same target-list-plus-queue-per-client
// fan-out shape used elsewhere in this codebase's broadcaster code: a
// connectionless UDP write to every registered address, and a queued,
// reconnect-with-backoff TCP client per subscriber so one stalled
// consumer can't block delivery to the others.
package resultsink

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/planartrack/engine/scheduler"
)

// Sender fans FrameResult values out to UDP targets and queued TCP
// clients.
type Sender struct {
	mu         sync.Mutex
	conn       *net.UDPConn
	udpTargets []*net.UDPAddr
	tcpClients []*tcpClient
	running    bool
	logger     *zap.Logger
}

type tcpClient struct {
	addr    string
	queue   chan []byte
	stop    chan struct{}
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// New builds an unstarted Sender.
func New(logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{logger: logger}
}

// AddUDPTarget registers a UDP address to receive every published
// result.
func (s *Sender) AddUDPTarget(addr string) error {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resultsink: resolve %s: %w", addr, err)
	}
	s.mu.Lock()
	s.udpTargets = append(s.udpTargets, uaddr)
	s.mu.Unlock()
	return nil
}

// AddTCPTarget registers a TCP subscriber; its connection is lazily
// established and reconnected on failure by a dedicated goroutine.
func (s *Sender) AddTCPTarget(addr string) {
	c := &tcpClient{addr: addr, queue: make(chan []byte, 256), stop: make(chan struct{}), logger: s.logger}
	s.mu.Lock()
	s.tcpClients = append(s.tcpClients, c)
	s.mu.Unlock()
}

// Start opens the UDP socket and starts every registered TCP client's
// delivery loop.
func (s *Sender) Start() error {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("resultsink: listen udp: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.running = true
	clients := append([]*tcpClient(nil), s.tcpClients...)
	s.mu.Unlock()

	for _, c := range clients {
		c.wg.Add(1)
		go c.loop()
	}
	return nil
}

// Stop closes the UDP socket, signals every TCP client's loop to exit and
// waits for it; frames still queued for a client are not sent.
func (s *Sender) Stop() {
	s.mu.Lock()
	s.running = false
	conn := s.conn
	clients := append([]*tcpClient(nil), s.tcpClients...)
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, c := range clients {
		close(c.stop)
		c.wg.Wait()
	}
}

// Publish marshals result to JSON and fans it out to every UDP target
// and TCP subscriber. Marshal failures are logged and swallowed.
func (s *Sender) Publish(result scheduler.FrameResult) {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("resultsink: marshal failed", zap.Error(err))
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	running := s.running
	conn := s.conn
	targets := append([]*net.UDPAddr(nil), s.udpTargets...)
	clients := append([]*tcpClient(nil), s.tcpClients...)
	s.mu.Unlock()

	if !running {
		return
	}
	for _, addr := range targets {
		if _, err := conn.WriteToUDP(data, addr); err != nil {
			s.logger.Warn("resultsink: udp send failed", zap.String("addr", addr.String()), zap.Error(err))
		}
	}
	for _, c := range clients {
		select {
		case c.queue <- data:
		default:
			s.logger.Warn("resultsink: tcp client queue full, dropping frame", zap.String("addr", c.addr))
		}
	}
}

func (c *tcpClient) loop() {
	defer c.wg.Done()
	var conn net.Conn

	connect := func() bool {
		var err error
		conn, err = net.DialTimeout("tcp", c.addr, 2*time.Second)
		return err == nil
	}

	for {
		select {
		case <-c.stop:
			if conn != nil {
				conn.Close()
			}
			return
		case msg := <-c.queue:
			if conn == nil && !connect() {
				time.Sleep(500 * time.Millisecond)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := conn.Write(msg); err != nil {
				c.logger.Warn("resultsink: tcp write failed", zap.String("addr", c.addr), zap.Error(err))
				conn.Close()
				conn = nil
			}
		}
	}
}
