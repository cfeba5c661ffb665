// Package pptp's control-connection half implements just enough of RFC
// 2637's PPTP control protocol to start a GRE data-plane session per
// incoming call, then hand that session to the caller-supplied
// SessionFactory, which is expected to drive it through this module's LCP
// negotiation / phase sequencer. Deliberately limited in scope, following
// the teacher's comment that its PPTP server is "specifically intended to
// allow IPX protocol games to be played from old Windows 9x machines" and
// lacks features a general-purpose PPTP server would have.
package pptp

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
)

const (
	pptpPort    = 1723
	magicNumber = 0x1a2b3c4d
)

const (
	msgStartControlConnectionRequest = iota + 1
	msgStartControlConnectionReply
	msgStopControlConnectionRequest
	msgStopControlConnectionReply
	msgEchoRequest
	msgEchoReply
	msgOutgoingCallRequest
	msgOutgoingCallReply
	msgIncomingCallRequest
	msgIncomingCallReply
	msgIncomingCallConnected
	msgCallClearRequest
	msgCallDisconnectNotify
	msgWanErrorNotify
	msgSetLinkInfo
)

// Runner is the session surface the PPTP control connection drives once a
// GRE data-plane session has been established for a call; normally a
// *ppp.Session.
type Runner interface {
	Run() error
	Close(reason string)
}

// SessionFactory builds the caller's PPP session (with LCP/auth/NCP already
// wired) on top of a newly opened GRE data-plane channel.
type SessionFactory func(gre *GRESession) Runner

type connection struct {
	callID  uint16
	conn    net.Conn
	session Runner
	s       *Server
	log     *log.Logger
}

func (c *connection) sendMessage(msg []byte) {
	msg = append([]byte{0, 0}, msg...)
	binary.BigEndian.PutUint16(msg[0:2], uint16(len(msg)))
	c.conn.Write(msg)
}

func (c *connection) handleStartControl(msg []byte) {
	// We don't inspect anything the peer sent: this server only ever
	// accepts the connection.
	reply := []byte{
		0x00, 0x01, // Message type
		0x1a, 0x2b, 0x3c, 0x4d, // Magic cookie
		0x00, 0x02, // Control message type
		0x00, 0x00, // Reserved0
		0x01, 0x00, // Protocol version
		0x01,                   // Result code
		0x00,                   // Error code
		0x00, 0x00, 0x00, 0x00, // Framing capability
		0x00, 0x00, 0x00, 0x00, // Bearer capability
		0x00, 0x01, // Maximum channels
		0x00, 0x01, // Firmware revision
	}
	var hostname, vendor [64]byte
	copy(hostname[:], []byte("ppplcpd"))
	copy(vendor[:], []byte("lcpstack"))
	reply = append(reply, hostname[:]...)
	reply = append(reply, vendor[:]...)
	c.sendMessage(reply)
}

func (c *connection) handleEcho(msg []byte) {
	reply := []byte{
		0x00, 0x01, // Message type
		0x1a, 0x2b, 0x3c, 0x4d, // Magic cookie
		0x00, 0x06, // Control message type
		0x00, 0x00, // Reserved0
		0xff, 0xff, 0xff, 0xff, // Identifier
		0x01,       // Result code
		0x00,       // Error code
		0x00, 0x00, // Reserved1
	}
	copy(reply[10:14], msg[10:14])
	c.sendMessage(reply)
}

func (c *connection) Close() error {
	err1 := c.conn.Close()
	if c.session != nil {
		c.session.Close("PPTP control connection closed")
	}
	return err1
}

func (c *connection) startPPPSession(sendCallID uint16) {
	if c.session != nil {
		return
	}
	addr := c.conn.RemoteAddr().(*net.TCPAddr)
	gre, err := c.s.gre.StartSession(addr.IP, sendCallID, c.callID)
	if err != nil {
		c.log.Printf("pptp[%d]: gre session: %v", c.callID, err)
		c.conn.Close()
		return
	}
	c.session = c.s.factory(gre)
	go func() {
		if err := c.session.Run(); err != nil {
			c.log.Printf("pptp[%d]: session ended: %v", c.callID, err)
		}
		c.Close()
	}()
}

func (c *connection) handleOutgoingCall(msg []byte) {
	if len(msg) < 22 {
		return
	}
	sendCallID := binary.BigEndian.Uint16(msg[10:12])
	c.startPPPSession(sendCallID)
	reply := []byte{
		0x00, 0x01, // Message type
		0x1a, 0x2b, 0x3c, 0x4d, // Magic cookie
		0x00, 0x08, // Control message type
		0x00, 0x00, // Reserved0
		0x01, 0x80, // Call ID
		0x00, 0x00, // Peer call ID
		0x01,       // Result code
		0x00,       // Error code
		0x00, 0x00, // Cause code
		0x00, 0x00, 0xfa, 0x00, // Connect speed
		0x00, 0x10, // Receive window size
		0x00, 0x00, // Processing delay
		0x00, 0x00, 0x00, 0x00, // Physical channel ID
	}
	binary.BigEndian.PutUint16(reply[10:12], c.callID)
	// Deliberately a large receive window: for the bandwidths involved we
	// never want the peer throttled waiting for an ack.
	binary.BigEndian.PutUint16(reply[22:24], 1024)
	copy(reply[18:22], msg[18:22])
	copy(reply[12:14], msg[10:12])
	c.sendMessage(reply)
}

func (c *connection) readNextMessage() ([]byte, error) {
	var lenField [2]byte
	if _, err := c.conn.Read(lenField[:]); err != nil {
		return nil, err
	}
	msglen := binary.BigEndian.Uint16(lenField[:])
	switch {
	case msglen < 16:
		return nil, fmt.Errorf("message too short: len=%d", msglen)
	case msglen > 256:
		return nil, fmt.Errorf("message too long: len=%d", msglen)
	}
	result := make([]byte, msglen-2)
	if _, err := c.conn.Read(result); err != nil {
		return nil, err
	}
	gotMsgType := binary.BigEndian.Uint16(result[0:2])
	if gotMsgType != 1 {
		return nil, fmt.Errorf("wrong PPTP message type, want=1, got=%d", gotMsgType)
	}
	gotMagicNumber := binary.BigEndian.Uint32(result[2:6])
	if magicNumber != gotMagicNumber {
		return nil, fmt.Errorf("wrong magic number, want=%x, got=%x", magicNumber, gotMagicNumber)
	}
	return result, nil
}

func (c *connection) run() {
messageLoop:
	for {
		msg, err := c.readNextMessage()
		if err != nil {
			break
		}
		msgtype := binary.BigEndian.Uint16(msg[6:8])
		switch msgtype {
		case msgStartControlConnectionRequest:
			c.handleStartControl(msg)
		case msgEchoRequest:
			c.handleEcho(msg)
		case msgOutgoingCallRequest:
			c.handleOutgoingCall(msg)
		case msgCallClearRequest:
			break messageLoop
		}
	}
	c.Close()
}

func newConnection(s *Server, conn net.Conn, callID uint16, logger *log.Logger) *connection {
	return &connection{s: s, conn: conn, callID: callID, log: logger}
}

// Server is a PPTP control-connection listener: one TCP accept loop plus
// one GREServer for the data plane shared by every call.
type Server struct {
	listener   *net.TCPListener
	gre        *GREServer
	nextCallID uint16
	factory    SessionFactory
	log        *log.Logger
}

// Run accepts control connections until the listener is closed.
func (s *Server) Run() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			break
		}
		c := newConnection(s, conn, s.nextCallID, s.log)
		go c.run()
		s.nextCallID = (s.nextCallID + 1) & 0xffff
	}
	s.listener.Close()
}

func (s *Server) Close() error {
	s.gre.Close()
	return s.listener.Close()
}

// NewServer opens the PPTP control-connection TCP listener and the shared
// GRE data-plane socket, invoking factory to build a Runner (normally a
// *ppp.Session wired with LCP/auth/NCP) for each call that is established.
func NewServer(factory SessionFactory, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{Port: pptpPort})
	if err != nil {
		return nil, err
	}
	gre, err := StartGREServer()
	if err != nil {
		listener.Close()
		return nil, err
	}
	go func() {
		if err := gre.Run(logger); err != nil {
			logger.Printf("pptp: gre server: %v", err)
		}
	}()
	return &Server{
		listener:   listener,
		gre:        gre,
		nextCallID: 384,
		factory:    factory,
		log:        logger,
	}, nil
}
