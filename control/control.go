// Package control is the authenticated local control channel: a server
// bound to loopback UDP that doubles as the single-instance guard, and a
// paired client library. Framing and the single-instance
// semantics are modeled directly on original_source/node/Node.cpp's
// NodeConfig/_LocalClientImpl pair and Node::LocalClient.
package control

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/golang-jwt/jwt/v4"
	"github.com/zerotier-go/zt-core/authtoken"
	"github.com/zerotier-go/zt-core/log"
	"github.com/zerotier-go/zt-core/xorshift"
)

// DefaultPort is ZT_CONTROL_UDP_PORT, the well-known loopback port the
// server binds and the client targets.
const DefaultPort = 9994

// ephemeralPortLow/High bound the client's own ephemeral socket; retryLimit
// is the original's "for i<5000" bind-retry loop.
const (
	ephemeralPortLow  = 32768
	ephemeralPortHigh = 52768
	retryLimit        = 5000
)

// ErrAnotherInstance is returned when the control port is already bound by
// another process — the single-instance signal raised during startup.
var ErrAnotherInstance = errors.New("control: another instance appears to be running, or local control UDP port cannot be bound")

// ErrNoFreePort is returned when the client exhausts its ephemeral-port
// retry budget — the "missing IPv4 stack" case, generalized to any reason
// no local port could be claimed.
var ErrNoFreePort = errors.New("control: could not bind an ephemeral client port; IPv4 stack may be missing")

func deriveKey(token authtoken.Token) [32]byte {
	return token.Key()
}

// frame is the wire shape: 4-byte conversation ID, 1-byte line count (1 for
// a request, whose single line is the command), payload lines each
// length-prefixed, HMAC-SHA256 trailer.
func encodeFrame(key [32]byte, convID uint32, lines []string) []byte {
	buf := make([]byte, 4, 64)
	binary.BigEndian.PutUint32(buf, convID)
	buf = append(buf, byte(len(lines)))
	for _, l := range lines {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(l)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, l...)
	}
	mac := hmac.New(sha256.New, key[:])
	mac.Write(buf)
	return append(buf, mac.Sum(nil)...)
}

func decodeFrame(key [32]byte, raw []byte) (convID uint32, lines []string, err error) {
	if len(raw) < 4+1+32 {
		return 0, nil, fmt.Errorf("control: frame too short")
	}
	body, trailer := raw[:len(raw)-32], raw[len(raw)-32:]
	mac := hmac.New(sha256.New, key[:])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), trailer) {
		return 0, nil, fmt.Errorf("control: bad authentication trailer")
	}

	convID = binary.BigEndian.Uint32(body[:4])
	count := int(body[4])
	pos := 5
	for i := 0; i < count; i++ {
		if pos+2 > len(body) {
			return 0, nil, fmt.Errorf("control: truncated frame")
		}
		n := int(binary.BigEndian.Uint16(body[pos : pos+2]))
		pos += 2
		if pos+n > len(body) {
			return 0, nil, fmt.Errorf("control: truncated frame")
		}
		lines = append(lines, string(body[pos:pos+n]))
		pos += n
	}
	return convID, lines, nil
}

// RequestHandler processes a decoded command string and returns zero or
// more response lines to deliver back to the caller's conversation ID.
type RequestHandler func(command string) []string

// Server binds loopback UDP at DefaultPort and answers authenticated
// requests. Its constructor failing because the port is taken is the
// node's single-instance detection mechanism.
type Server struct {
	conn    *net.UDPConn
	key     [32]byte
	handler RequestHandler
	log     log.Logger
	homeLock *flock.Flock
}

// NewServer takes the home-directory exclusive lock, binds the control
// port, and returns a Server ready for Serve. Both failures map to the same
// ErrAnotherInstance reason string regardless of which check actually
// tripped.
func NewServer(home string, token authtoken.Token, handler RequestHandler, logger log.Logger) (*Server, error) {
	lock := flock.New(filepath.Join(home, ".lock"))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		return nil, ErrAnotherInstance
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: DefaultPort})
	if err != nil {
		_ = lock.Unlock()
		return nil, ErrAnotherInstance
	}

	return &Server{
		conn:     conn,
		key:      deriveKey(token),
		handler:  handler,
		log:      logger.New("component", "control-server"),
		homeLock: lock,
	}, nil
}

// Serve reads requests until the server is closed, answering each with the
// handler's response lines framed under the same conversation ID.
func (s *Server) Serve() {
	buf := make([]byte, 65536)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		convID, lines, err := decodeFrame(s.key, buf[:n])
		if err != nil {
			s.log.Warn("dropping malformed control packet", "from", from, "err", err)
			continue
		}
		if len(lines) == 0 {
			continue
		}
		resultLines := s.handler(lines[0])
		resp := encodeFrame(s.key, convID, resultLines)
		if _, err := s.conn.WriteToUDP(resp, from); err != nil {
			s.log.Warn("failed to write control response", "to", from, "err", err)
		}
	}
}

// Close releases the UDP socket and the home-directory lock.
func (s *Server) Close() error {
	err := s.conn.Close()
	_ = s.homeLock.Unlock()
	return err
}

// resultCallback receives one decoded response line per call, tagged with
// the conversation ID it answers.
type resultCallback func(convID uint32, line string)

// Client is the paired local-control library, exposed to CLI consumers.
type Client struct {
	conn    *net.UDPConn
	key     [32]byte
	dest    *net.UDPAddr
	onLine  resultCallback
	rng     *xorshift.Source
	inUse   sync.Mutex
	closed  bool
}

// NewClient opens an ephemeral socket, retrying up to retryLimit times over
// random ports in [ephemeralPortLow, ephemeralPortHigh), exactly as
// Node::LocalClient's constructor does. onLine is invoked once per response
// line, tagged with its conversation ID.
func NewClient(token authtoken.Token, onLine func(convID uint32, line string)) (*Client, error) {
	var conn *net.UDPConn
	for i := 0; i < retryLimit; i++ {
		port := ephemeralPortLow + randIntn(ephemeralPortHigh-ephemeralPortLow)
		c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		if err == nil {
			conn = c
			break
		}
	}
	if conn == nil {
		return nil, ErrNoFreePort
	}

	return &Client{
		conn:   conn,
		key:    deriveKey(token),
		dest:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: DefaultPort},
		onLine: onLine,
		rng:    xorshift.New(),
	}, nil
}

func randIntn(n int) int {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return int(binary.BigEndian.Uint32(b[:])) % n
}

// Send transmits command and returns the conversation ID it was sent under,
// or 0 if the client is closed — matching the original's "send returns 0
// rather than raising" client-side error policy.
func (c *Client) Send(command string) uint32 {
	c.inUse.Lock()
	defer c.inUse.Unlock()
	if c.closed {
		return 0
	}

	convID := c.rng.NonzeroUint32()
	frame := encodeFrame(c.key, convID, []string{command})
	if _, err := c.conn.WriteToUDP(frame, c.dest); err != nil {
		return 0
	}
	return convID
}

// Listen reads response packets until the client is closed, decoding each
// and delivering its lines to onLine. Callers run this in its own
// goroutine. A packet's lines are delivered with the in-use mutex held, so
// Send and Close wait until that delivery has finished.
func (c *Client) Listen() {
	buf := make([]byte, 65536)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		convID, lines, err := decodeFrame(c.key, buf[:n])
		if err != nil {
			continue
		}
		c.inUse.Lock()
		if c.closed {
			c.inUse.Unlock()
			return
		}
		for _, l := range lines {
			c.onLine(convID, l)
		}
		c.inUse.Unlock()
	}
}

// Close shuts down the client's socket. Guarded by the same in-use mutex
// Send and Listen's delivery path use, so a concurrent Close can't race a
// callback mid-dispatch.
func (c *Client) Close() error {
	c.inUse.Lock()
	c.closed = true
	c.inUse.Unlock()
	return c.conn.Close()
}

// conversationClaims is an alternative conversation-ID envelope using a
// signed JWT instead of the raw framed format above — useful for control
// clients that bridge through an HTTP/WebSocket front-end where a
// self-describing, independently verifiable token is more convenient than
// this package's positional binary frame.
type conversationClaims struct {
	ConvID uint32 `json:"conv_id"`
	jwt.RegisteredClaims
}

// EncodeConversationToken signs convID into an HS256 JWT under key,
// expiring after ttl.
func EncodeConversationToken(key [32]byte, convID uint32, ttl time.Duration) (string, error) {
	claims := conversationClaims{
		ConvID: convID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(key[:])
}

// DecodeConversationToken verifies and extracts the conversation ID from a
// token produced by EncodeConversationToken.
func DecodeConversationToken(key [32]byte, tokenStr string) (uint32, error) {
	claims := &conversationClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return key[:], nil
	})
	if err != nil {
		return 0, fmt.Errorf("control: decode conversation token: %w", err)
	}
	return claims.ConvID, nil
}
