// Package lcp implements the LCP option codec and control surface described
// in spec.md sections 4.4 and 4.5: option serialization/validation, the
// ACK/NAK/REJ decision per option, and the thin wrapper around fsm.FSM that
// adds delayed lower-up and Protocol-Reject handling.
package lcp

import (
	"encoding/binary"
	"log"

	"github.com/google/gopacket/layers"

	"github.com/pppctl/lcpstack/fsm"
	"github.com/pppctl/lcpstack/magic"
	"github.com/pppctl/lcpstack/ppptimer"
	"github.com/pppctl/lcpstack/wire"
)

// Framer is the narrow contract LCP needs from the byte-channel layer
// (spec.md section 6): send a control message, and reconfigure the on-wire
// transformations once negotiation has settled on a value.
type Framer interface {
	Send(pppType layers.PPPType, payload []byte) error
	SendConfig(asyncmap uint32, pcomp, accomp bool) error
	RecvConfig(asyncmap uint32, pcomp, accomp bool) error
}

// Hooks lets the owning session observe LCP lifecycle events without LCP
// needing to know anything about Session, phases or auth. This is the
// Go rendering of the "weak back-reference" pattern from spec.md section 9:
// LCP holds an interface value, never a concrete *Session.
type Hooks interface {
	// LinkUp is called once LCP reaches Opened.
	LinkUp(his, got *OptionSet)
	// LinkDown is called when LCP leaves Opened (renegotiation or close).
	LinkDown()
	// LinkFinished is called when the FSM finishes: it reached
	// Closed/Stopped after a terminate exchange, or gave up after
	// exhausting its retry budget.
	LinkFinished()
	// ProtocolRejected is called when this LCP receives a Protocol-Reject,
	// naming whichever protocol the peer rejected. A reject of LCP itself
	// is reported here too, and LCP then closes.
	ProtocolRejected(proto layers.PPPType)
	// LoopbackDetected is called when the nak-loop counter for MAGIC
	// reaches the configured threshold, i.e. our own Configure-Request is
	// echoing back to us.
	LoopbackDetected()
	// PeerDead is called when the echo/keepalive subsystem has gone
	// EchoFails consecutive intervals without a reply, per spec.md
	// section 4.6 — distinct from LoopbackDetected, which is a
	// magic-number collision rather than an unresponsive peer.
	PeerDead()
}

// Config bundles the subset of ppp.Settings that LCP itself consults,
// named 1:1 after spec.md section 3's FSM/LCP setting fields.
type Config struct {
	FSMTimeoutMS          int
	FSMMaxConfReqTransmits int
	FSMMaxTermTransmits    int
	FSMMaxNakLoops         int
	LoopbackFail           int
	ListenTimeMS           int
	EchoIntervalMS         int
	EchoFails              int
	EchoAdaptive           bool
}

// LCP bundles the FSM with the option codec and the echo/keepalive
// subsystem, per spec.md section 4.5.
type LCP struct {
	Want, Got, Allow, His *OptionSet

	fsm       *fsm.FSM
	framer    Framer
	hooks     Hooks
	cfg       Config
	gen       *magic.Generator
	timer     ppptimer.Timer
	log       *log.Logger

	listenCancel ppptimer.Cancel
	lowerUpDone  bool

	// negotiatedHisOptions holds the option set we most recently ACKed in
	// response to the peer's Configure-Request; promoted to His on Up().
	negotiatedHisOptions *OptionSet

	// lastSentOptions is the option list from our most recently
	// transmitted Configure-Request, used by AckCI/NakCI/RejCI to check
	// the peer echoed it back in the same order, per spec.md section 4.4.
	lastSentOptions []wire.Option

	keepalive *keepaliveState
}

var _ fsm.Callbacks = (*LCP)(nil)
var _ fsm.Transport = (*lcpTransport)(nil)

// lcpTransport adapts Framer+LCP dialect framing to fsm.Transport.
type lcpTransport struct {
	l *LCP
}

func (t *lcpTransport) Send(code wire.Code, id uint8, payload []byte) error {
	raw, err := buildRaw(code, id, payload)
	if err != nil {
		return err
	}
	return t.l.framer.Send(wire.ProtocolLCP, raw)
}

// buildRaw assembles a raw control message: 4-byte header + payload. For
// Configure-* codes, payload is already the TLV-encoded option bytes; for
// everything else it is the type-specific body (Terminate reason, magic +
// echo data, etc).
func buildRaw(code wire.Code, id uint8, payload []byte) ([]byte, error) {
	buf := make([]byte, 4+len(payload))
	buf[0] = byte(code)
	buf[1] = id
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	copy(buf[4:], payload)
	return buf, nil
}

// New constructs an LCP instance with the given want/allow option sets
// (got starts as a copy of want and his starts empty; both are updated
// during negotiation) and wires it
// to an FSM bound to PPP_LCP.
func New(want, allow *OptionSet, framer Framer, hooks Hooks, cfg Config, timer ppptimer.Timer, logger *log.Logger) *LCP {
	if logger == nil {
		logger = log.Default()
	}
	l := &LCP{
		Want:  want,
		Got:   want.Clone(),
		Allow: allow,
		His:   &OptionSet{},
		framer: framer,
		hooks:  hooks,
		cfg:    cfg,
		gen:    magic.Shared(),
		timer:  timer,
		log:    logger,
	}
	l.fsm = fsm.New(wire.ProtocolLCP, l, &lcpTransport{l}, timer, fsm.Limits{
		TimeoutMS:         cfg.FSMTimeoutMS,
		MaxConfReqRetries: cfg.FSMMaxConfReqTransmits,
		MaxTermReqRetries: cfg.FSMMaxTermTransmits,
		MaxNakLoops:       cfg.FSMMaxNakLoops,
	}, logger)
	l.fsm.Passive = want.Passive
	l.fsm.Silent = want.Silent
	return l
}

// Open brings LCP up, per spec.md section 4.5's lcp_open(): copies
// passive/silent into the FSM flags (already done at construction) and
// invokes fsm_open. If a listen-time is configured, lower-up is delayed.
func (l *LCP) Open() {
	if l.cfg.ListenTimeMS > 0 && !l.lowerUpDone {
		l.listenCancel = l.timer.TimeoutMS(l.doLowerUp, l.cfg.ListenTimeMS)
		return
	}
	l.doLowerUp()
}

func (l *LCP) doLowerUp() {
	if l.lowerUpDone {
		return
	}
	l.lowerUpDone = true
	if l.listenCancel != nil {
		l.listenCancel()
		l.listenCancel = nil
	}
	l.fsm.LowerUp()
	l.fsm.Open()
	l.sendRecvConfig(l.Want)
}

// LowerUp brings the FSM up at once, skipping any remaining listen-time
// delay. RecvMessage does the same when a message arrives while the
// listen timer is still pending, per spec.md section 4.5.
func (l *LCP) LowerUp() {
	l.doLowerUp()
}

// LowerDown tears LCP's FSM down to Initial/Starting and restores default
// framing parameters, per spec.md section 4.5's lcp_lowerdown.
func (l *LCP) LowerDown() {
	l.lowerUpDone = false
	l.fsm.LowerDown()
	l.framer.SendConfig(defaultAsyncmap, false, false)
	l.framer.RecvConfig(defaultAsyncmap, false, false)
}

// Close transitions LCP towards termination, per spec.md section 4.5's
// lcp_close(reason).
func (l *LCP) Close(reason string) {
	if l.keepalive != nil {
		l.keepalive.stop()
	}
	l.fsm.Close(reason)
}

// State exposes the underlying FSM state, mostly for tests and diagnostics.
func (l *LCP) State() fsm.State { return l.fsm.State() }

// sendRecvConfig re-issues MRU/PFC/ACFC send+recv configuration to the
// framing layer once we know (or reset) the active option values, per
// spec.md section 4.5.
func (l *LCP) sendRecvConfig(o *OptionSet) {
	asyncmap := defaultAsyncmap
	if o.NegAsyncmap {
		asyncmap = o.Asyncmap
	}
	l.framer.SendConfig(asyncmap, o.NegPCompression, o.NegACCompression)
	l.framer.RecvConfig(asyncmap, o.NegPCompression, o.NegACCompression)
}

// RecvMessage dispatches one decoded control message, generalizing
// ppp.Session.handleLCP + the FSM recv* entry points into a single call so
// that the session layer does not need to know FSM internals.
func (l *LCP) RecvMessage(msg *wire.LCP) {
	l.gen.Randomize()
	if l.listenCancel != nil {
		// Inbound traffic ends the listen-time wait early.
		l.doLowerUp()
	}
	switch msg.Code {
	case wire.ConfigureRequest:
		cd := msg.Payload.(*wire.ConfigureData)
		raw, _ := cd.MarshalBinary()
		l.fsm.RecvConfigureRequest(msg.Identifier, raw)
	case wire.ConfigureAck:
		cd := msg.Payload.(*wire.ConfigureData)
		raw, _ := cd.MarshalBinary()
		l.fsm.RecvConfigureAck(msg.Identifier, raw)
	case wire.ConfigureNak:
		cd := msg.Payload.(*wire.ConfigureData)
		raw, _ := cd.MarshalBinary()
		l.fsm.RecvConfigureNak(msg.Identifier, raw, false)
	case wire.ConfigureReject:
		cd := msg.Payload.(*wire.ConfigureData)
		raw, _ := cd.MarshalBinary()
		l.fsm.RecvConfigureNak(msg.Identifier, raw, true)
	case wire.TerminateRequest:
		l.fsm.RecvTerminateRequest(msg.Identifier)
	case wire.TerminateAck:
		l.fsm.RecvTerminateAck(msg.Identifier)
	case wire.CodeReject:
		l.fsm.RecvCodeReject(true)
	case wire.ProtocolReject:
		prd := msg.Payload.(*wire.ProtocolRejectData)
		if prd.PPPType == wire.ProtocolLCP {
			// Fatal: a peer that won't speak LCP can't be negotiated
			// with at all, per spec.md section 4.2.
			l.hooks.ProtocolRejected(prd.PPPType)
			l.Close("can't reject LCP")
			return
		}
		l.hooks.ProtocolRejected(prd.PPPType)
	case wire.EchoRequest:
		ed := msg.Payload.(*wire.EchoData)
		l.handleEchoRequest(msg.Identifier, ed)
	case wire.EchoReply:
		ed := msg.Payload.(*wire.EchoData)
		l.handleEchoReply(ed)
	case wire.DiscardRequest:
		// No response required.
	default:
		l.fsm.RecvExtended(msg.Code, msg.Identifier, nil)
	}
}

// --- fsm.Callbacks ---

func (l *LCP) ResetCI(stage fsm.NegotiationStage) {
	l.Got = l.Want.Clone()
}

func (l *LCP) CILen() int {
	buf := l.AddCI(nil)
	return len(buf)
}

func (l *LCP) Starting() {}

func (l *LCP) Finished() {
	l.hooks.LinkFinished()
}

func (l *LCP) Up() {
	l.His = l.negotiatedHisOptions
	l.sendRecvConfig(l.Got)
	if l.cfg.EchoIntervalMS > 0 {
		l.keepalive = newKeepalive(l)
		l.keepalive.start()
	}
	l.hooks.LinkUp(l.His, l.Got)
}

func (l *LCP) Down() {
	if l.keepalive != nil {
		l.keepalive.stop()
		l.keepalive = nil
	}
	l.hooks.LinkDown()
}

func (l *LCP) ExtCode(code wire.Code, id uint8, data []byte) bool {
	return false
}
