// Package pptp adapts a PPTP-over-GRE tunnel into the ppp.Framer/io.Reader
// contract the rest of this module negotiates over, following the same
// "thin struct wrapping the raw channel" pattern as the teacher's
// ppp/pptp.greSession, generalized away from the teacher's ppp.Session
// and network.Network types.
package pptp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/pppctl/lcpstack/ppp"
)

const (
	greProtocol   = 47
	recvQueueSize = 4
)

var (
	errWrongLayers         = errors.New("layers not as expected: want IP->GRE")
	errWrongGREFields      = errors.New("GRE fields wrong: want version=1, ethernet type PPP")
	errUnknownSession      = errors.New("packet for an unknown GRE session")
	errOutOfSequence       = errors.New("out of sequence packet received")
	errRecvQueueOverflow   = errors.New("session receive queue is full")
)

var _ io.ReadWriteCloser = (*GRESession)(nil)

// GRESession carries one PPP-over-GRE session's data plane: a raw PPP frame
// in, a raw PPP frame out, per RFC 2637.
type GRESession struct {
	s                           *GREServer
	closed                      bool
	recvQueue                   chan gopacket.Packet
	addr                        net.IP
	sendCallID, recvCallID      uint16
	sentSeq, recvSeq, recvAcked uint32
}

func (s *GRESession) recvPacket(p []byte) (int, error) {
	pkt, ok := <-s.recvQueue
	if !ok {
		return 0, io.EOF
	}
	ls := pkt.Layers()
	greHeader := ls[1].(*layers.GRE)
	// RFC 2637 mandates that "out of sequence packets between the PNS and
	// PAC MUST be silently discarded [or reordered]" because PPP cannot
	// handle out-of-order packets.
	if greHeader.SeqPresent {
		if greHeader.Seq < s.recvSeq {
			return 0, errOutOfSequence
		}
		s.recvSeq = greHeader.Seq
	}
	result := ls[1].LayerPayload()
	copy(p[0:len(result)], result)
	return len(result), nil
}

// Read implements io.Reader, returning one raw PPP frame (protocol field
// plus payload) per call.
func (s *GRESession) Read(p []byte) (int, error) {
	for {
		cnt, err := s.recvPacket(p)
		switch err {
		case nil:
			if cnt > 0 {
				return cnt, nil
			}
			// A zero-length packet was just an ack; try again.
		case errOutOfSequence:
			// try again
		default:
			return 0, err
		}
	}
}

func (s *GRESession) sendPacket(frame []byte) (int, error) {
	greHeader := &layers.GRE{
		Protocol:   layers.EthernetTypePPP,
		KeyPresent: true,
		Key:        uint32(len(frame)<<16) | uint32(s.sendCallID),
		Version:    1, // Enhanced GRE
	}
	if len(frame) > 0 {
		greHeader.Seq = s.sentSeq
		greHeader.SeqPresent = true
		s.sentSeq++
	}
	if s.recvAcked < s.recvSeq {
		greHeader.Ack = s.recvSeq
		greHeader.AckPresent = true
		s.recvAcked = s.recvSeq
	}
	buf := gopacket.NewSerializeBuffer()
	var opts gopacket.SerializeOptions
	if err := gopacket.SerializeLayers(buf, opts, greHeader, gopacket.Payload(frame)); err != nil {
		return 0, err
	}
	return s.s.conn.WriteToIP(buf.Bytes(), &net.IPAddr{IP: s.addr})
}

// Write implements io.Writer: frame must already be a complete PPP frame
// (protocol field + payload), matching what ppp.Framer.Send serializes.
func (s *GRESession) Write(frame []byte) (int, error) {
	return s.sendPacket(frame)
}

func (s *GRESession) Close() error {
	sk := s.sessionKey()
	s.s.mu.Lock()
	defer s.s.mu.Unlock()
	if !s.closed {
		delete(s.s.sessions, *sk)
		close(s.recvQueue)
		s.closed = true
	}
	return nil
}

func (s *GRESession) sessionKey() *sessionKey {
	return &sessionKey{IP: s.addr.String(), CallID: s.recvCallID}
}

type sessionKey struct {
	IP     string
	CallID uint16
}

// GREServer demultiplexes inbound GRE packets onto per-call GRESessions.
type GREServer struct {
	conn     *net.IPConn
	sessions map[sessionKey]*GRESession
	mu       sync.Mutex
}

// StartGREServer opens the raw IP socket used to receive PPTP's GRE data
// plane. Requires the privilege to open a raw IP socket.
func StartGREServer() (*GREServer, error) {
	conn, err := net.ListenIP(fmt.Sprintf("ip4:%d", greProtocol), nil)
	if err != nil {
		return nil, err
	}
	return &GREServer{
		conn:     conn,
		sessions: make(map[sessionKey]*GRESession),
	}, nil
}

// StartSession registers a new GRE session keyed on the peer address and
// call IDs negotiated over the PPTP control connection.
func (s *GREServer) StartSession(remoteAddr net.IP, sendCallID, recvCallID uint16) (*GRESession, error) {
	session := &GRESession{
		s:          s,
		addr:       remoteAddr,
		recvQueue:  make(chan gopacket.Packet, recvQueueSize),
		sendCallID: sendCallID,
		recvCallID: recvCallID,
	}
	sk := session.sessionKey()
	s.mu.Lock()
	s.sessions[*sk] = session
	s.mu.Unlock()
	return session, nil
}

func (s *GREServer) processPacket(pkt gopacket.Packet) error {
	ls := pkt.Layers()
	if len(ls) < 2 || ls[0].LayerType() != layers.LayerTypeIPv4 || ls[1].LayerType() != layers.LayerTypeGRE {
		return errWrongLayers
	}
	ipHeader := ls[0].(*layers.IPv4)
	greHeader := ls[1].(*layers.GRE)
	if greHeader.Version != 1 || greHeader.Protocol != layers.EthernetTypePPP {
		return errWrongGREFields
	}
	// In PPTP's modified GRE, the bottom two octets of the key field hold
	// the call ID.
	if !greHeader.KeyPresent {
		return errWrongGREFields
	}
	sk := &sessionKey{
		IP:     ipHeader.SrcIP.String(),
		CallID: uint16(greHeader.Key & 0xffff),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[*sk]
	if !ok || session.closed {
		return errUnknownSession
	}
	select {
	case session.recvQueue <- pkt:
		return nil
	default:
		return errRecvQueueOverflow
	}
}

// Run reads and demultiplexes GRE packets until the socket is closed.
func (s *GREServer) Run(logger interface{ Printf(string, ...interface{}) }) error {
	var recvBuf [1500]byte
	for {
		cnt, err := s.conn.Read(recvBuf[:])
		if err != nil {
			return err
		}
		pkt := gopacket.NewPacket(recvBuf[:cnt], layers.LayerTypeIPv4, gopacket.Default)
		if err := s.processPacket(pkt); err != nil && logger != nil {
			logger.Printf("pptp: gre: %v", err)
		}
	}
}

func (s *GREServer) Close() error {
	s.mu.Lock()
	for _, session := range s.sessions {
		close(session.recvQueue)
		session.closed = true
	}
	s.mu.Unlock()
	return s.conn.Close()
}

// Framer adapts a GRESession into ppp.Framer, framing each send the same
// way cmd/ppplcpd's netConnFramer does for a plain TCP channel.
type Framer struct {
	Session *GRESession
}

var _ ppp.Framer = (*Framer)(nil)

func (f *Framer) Send(pppType layers.PPPType, payload []byte) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := gopacket.SerializeLayers(buf, opts,
		&layers.PPP{PPPType: pppType},
		gopacket.Payload(payload),
	); err != nil {
		return err
	}
	_, err := f.Session.Write(buf.Bytes())
	return err
}

func (f *Framer) SendConfig(asyncmap uint32, pcomp, accomp bool) error { return nil }
func (f *Framer) RecvConfig(asyncmap uint32, pcomp, accomp bool) error { return nil }
func (f *Framer) SetMTU(mtu int) error                                 { return nil }
