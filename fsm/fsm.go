// Package fsm implements the protocol-independent configuration and
// termination state machine shared by every PPP control protocol (LCP,
// CCP, IPCP, IPv6CP), per RFC 1661 section 4 and spec.md section 4.2.
//
// An FSM never owns the protocol instance it serves; it is handed a
// Callbacks value (the "weak back-reference" described in spec.md section
// 9) and never outlives the struct that embeds it.
package fsm

import (
	"log"

	"github.com/google/gopacket/layers"

	"github.com/pppctl/lcpstack/ppptimer"
	"github.com/pppctl/lcpstack/wire"
)

// State is one of the ten states of RFC 1661's state machine.
type State int

const (
	StateInitial State = iota
	StateStarting
	StateClosed
	StateStopped
	StateClosing
	StateStopping
	StateReqSent
	StateAckRcvd
	StateAckSent
	StateOpened
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateStarting:
		return "Starting"
	case StateClosed:
		return "Closed"
	case StateStopped:
		return "Stopped"
	case StateClosing:
		return "Closing"
	case StateStopping:
		return "Stopping"
	case StateReqSent:
		return "Req-Sent"
	case StateAckRcvd:
		return "Ack-Rcvd"
	case StateAckSent:
		return "Ack-Sent"
	case StateOpened:
		return "Opened"
	default:
		return "Unknown"
	}
}

// NegotiationStage tells Callbacks.ResetCI whether we are starting a fresh
// negotiation cycle or merely restarting the retransmit timer.
type NegotiationStage int

const (
	StageInitial NegotiationStage = iota
	StageRestart
)

// Callbacks is the set of upcalls an FSM makes into the protocol instance
// that owns it, mirroring the pppd protent/fsm_callbacks table referenced
// in spec.md section 9. Protocols that do not need ExtCode embed NoExtCode.
type Callbacks interface {
	ResetCI(stage NegotiationStage)
	CILen() int
	AddCI(buf []byte) []byte
	AckCI(data []byte) bool
	NakCI(data []byte, treatAsReject bool) bool
	RejCI(data []byte) bool
	ReqCI(data []byte, rejectIfDisagree bool) (wire.Code, []byte)
	Up()
	Down()
	Starting()
	Finished()
	ExtCode(code wire.Code, id uint8, data []byte) bool
}

// NoExtCode is embeddable by Callbacks implementations with no extended
// codes (RFC 1661's "absent entries are null and silently skipped" rule,
// per spec.md section 9).
type NoExtCode struct{}

func (NoExtCode) ExtCode(wire.Code, uint8, []byte) bool { return false }

// Transport is the narrow send contract the FSM needs from its host
// protocol: marshal-and-transmit one control message.
type Transport interface {
	Send(code wire.Code, id uint8, payload []byte) error
}

// Limits bundles the retry/timeout configuration an FSM needs, translated
// 1:1 from the Settings fields named in spec.md section 3.
type Limits struct {
	TimeoutMS          int
	MaxConfReqRetries  int
	MaxTermReqRetries  int
	MaxNakLoops        int
}

// FSM is the protocol-independent negotiation engine from spec.md section
// 4.2.
type FSM struct {
	Protocol layers.PPPType

	// Passive suppresses giving up when the retry budget is exhausted
	// while waiting for a reply to our Configure-Request: instead of
	// calling Finished(), the FSM falls quiet and waits for the peer.
	Passive bool
	// Silent suppresses sending our own initial Configure-Request
	// entirely; the FSM waits in Stopped for the peer's Configure-Request.
	Silent bool

	state            State
	id               uint8
	retransmitsLeft  int
	nakLoops         int
	rejectIfDisagree bool

	cb        Callbacks
	transport Transport
	limits    Limits
	timer     ppptimer.Timer
	cancel    ppptimer.Cancel
	log       *log.Logger
}

// New constructs an FSM bound to the given protocol number, callback set,
// transport and timer. It starts in StateInitial (lower layer down), per
// spec.md section 4.2.
func New(protocol layers.PPPType, cb Callbacks, transport Transport, timer ppptimer.Timer, limits Limits, logger *log.Logger) *FSM {
	if logger == nil {
		logger = log.Default()
	}
	return &FSM{
		Protocol:  protocol,
		state:     StateInitial,
		cb:        cb,
		transport: transport,
		limits:    limits,
		timer:     timer,
		log:       logger,
	}
}

// State returns the FSM's current state.
func (f *FSM) State() State { return f.state }

// NakLoops returns the current nak-loop counter, exposed for tests and for
// the loopback-detection invariant in spec.md section 8.
func (f *FSM) NakLoops() int { return f.nakLoops }

func (f *FSM) stopTimer() {
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

func (f *FSM) armTimer() {
	f.stopTimer()
	ms := f.limits.TimeoutMS
	if ms <= 0 {
		ms = 3000
	}
	f.cancel = f.timer.TimeoutMS(f.onTimeout, ms)
}

// LowerUp signals that the lower (physical/link) layer has come up.
func (f *FSM) LowerUp() {
	switch f.state {
	case StateInitial:
		f.state = StateClosed
	case StateStarting:
		if f.Silent {
			// Wait for the peer's own Configure-Request rather than
			// sending ours first.
			f.state = StateStopped
			return
		}
		f.initRestartCount(f.limits.MaxConfReqRetries)
		f.sendConfigureRequest()
		f.state = StateReqSent
	}
}

// LowerDown signals that the lower layer has dropped; the FSM falls back to
// Initial/Starting depending on whether it was open.
func (f *FSM) LowerDown() {
	switch f.state {
	case StateClosed, StateStopped:
		f.state = StateInitial
	case StateStarting:
		f.state = StateStarting // no-op, never came up
	default:
		f.stopTimer()
		f.cb.Down()
		f.state = StateStarting
	}
}

// Open requests the protocol be brought up; this is the `open()` event of
// RFC 1661 section 4.
func (f *FSM) Open() {
	switch f.state {
	case StateInitial:
		f.state = StateStarting
		f.cb.Starting()
	case StateClosed:
		f.cb.ResetCI(StageInitial)
		if f.Silent {
			f.state = StateStopped
			return
		}
		f.initRestartCount(f.limits.MaxConfReqRetries)
		f.sendConfigureRequest()
		f.state = StateReqSent
	case StateClosing:
		f.state = StateStopping
	case StateStopped, StateStopping, StateReqSent, StateAckRcvd, StateAckSent, StateOpened:
		// already open or opening
	}
}

// Close requests the protocol be torn down; this is the `close()` event.
func (f *FSM) Close(reason string) {
	switch f.state {
	case StateStarting:
		f.state = StateInitial
	case StateStopped:
		f.state = StateClosed
	case StateStopping:
		f.state = StateClosing
	case StateReqSent, StateAckRcvd, StateAckSent:
		f.stopTimer()
		f.initRestartCount(f.limits.MaxTermReqRetries)
		f.sendTerminateRequest(reason)
		f.state = StateClosing
	case StateOpened:
		f.stopTimer()
		f.cb.Down()
		f.initRestartCount(f.limits.MaxTermReqRetries)
		f.sendTerminateRequest(reason)
		f.state = StateClosing
	}
}

func (f *FSM) initRestartCount(n int) {
	if n <= 0 {
		n = 1
	}
	f.retransmitsLeft = n
	f.armTimer()
}

func (f *FSM) nextID() uint8 {
	f.id++
	return f.id
}

func (f *FSM) sendConfigureRequest() {
	buf := f.cb.AddCI(nil)
	id := f.nextID()
	if err := f.transport.Send(wire.ConfigureRequest, id, buf); err != nil {
		f.log.Printf("fsm: send configure-request: %v", err)
	}
}

func (f *FSM) sendTerminateRequest(reason string) {
	id := f.nextID()
	if err := f.transport.Send(wire.TerminateRequest, id, []byte(reason)); err != nil {
		f.log.Printf("fsm: send terminate-request: %v", err)
	}
}

// onTimeout is invoked by the Timer when the retransmit interval elapses.
func (f *FSM) onTimeout() {
	if f.retransmitsLeft <= 0 {
		f.timeoutExpired()
		return
	}
	f.retransmitsLeft--
	switch f.state {
	case StateReqSent, StateAckRcvd, StateAckSent:
		f.sendConfigureRequest()
		f.state = StateReqSent
		f.armTimer()
	case StateClosing, StateStopping:
		f.sendTerminateRequest("")
		f.armTimer()
	}
}

// timeoutExpired handles exhausting the retry budget, per spec.md section
// 4.2's "exceeding the cap" rule.
func (f *FSM) timeoutExpired() {
	switch f.state {
	case StateReqSent, StateAckRcvd, StateAckSent:
		if f.Passive {
			// Rather than giving up, wait indefinitely for the peer to
			// send its own Configure-Request.
			f.state = StateStopped
			return
		}
		f.cb.Finished()
		f.state = StateStopped
	case StateClosing:
		f.cb.Finished()
		f.state = StateClosed
	case StateStopping:
		f.cb.Finished()
		f.state = StateStopped
	}
}

// RecvConfigureRequest handles an inbound Configure-Request.
func (f *FSM) RecvConfigureRequest(id uint8, data []byte) {
	switch f.state {
	case StateClosed:
		f.transport.Send(wire.TerminateAck, id, nil)
		return
	case StateClosing, StateStopping:
		return
	}

	replyCode, replyData := f.cb.ReqCI(data, f.rejectIfDisagree)

	switch f.state {
	case StateStarting:
		f.cb.Starting()
		fallthrough
	case StateStopped:
		f.cb.ResetCI(StageInitial)
		f.initRestartCount(f.limits.MaxConfReqRetries)
		f.state = StateReqSent
	}

	switch f.state {
	case StateReqSent:
		if replyCode == wire.ConfigureAck {
			f.transport.Send(replyCode, id, replyData)
			f.state = StateAckSent
		} else {
			f.transport.Send(replyCode, id, replyData)
		}
	case StateAckRcvd:
		if replyCode == wire.ConfigureAck {
			f.transport.Send(replyCode, id, replyData)
			f.stopTimer()
			f.state = StateOpened
			f.cb.Up()
		} else {
			f.transport.Send(replyCode, id, replyData)
			f.state = StateReqSent
		}
	case StateAckSent, StateOpened:
		if f.state == StateOpened {
			f.cb.Down()
		}
		if replyCode == wire.ConfigureAck {
			f.transport.Send(replyCode, id, replyData)
			f.state = StateAckSent
		} else {
			f.transport.Send(replyCode, id, replyData)
			f.sendConfigureRequest()
			f.state = StateReqSent
		}
	}
}

// RecvConfigureAck handles an inbound Configure-Ack.
func (f *FSM) RecvConfigureAck(id uint8, data []byte) {
	if !f.idMatchesLastSent(id) {
		return
	}
	if !f.cb.AckCI(data) {
		return
	}
	switch f.state {
	case StateClosed, StateStopped:
		f.transport.Send(wire.TerminateAck, id, nil)
	case StateReqSent:
		f.initRestartCount(f.limits.MaxConfReqRetries)
		f.state = StateAckRcvd
	case StateAckRcvd:
		f.sendConfigureRequest()
		f.state = StateReqSent
	case StateAckSent:
		f.stopTimer()
		f.state = StateOpened
		f.cb.Up()
	case StateOpened:
		f.cb.Down()
		f.sendConfigureRequest()
		f.state = StateReqSent
	}
}

// RecvConfigureNak handles an inbound Configure-Nak or Configure-Reject
// (the latter via rejected=true); both trigger re-negotiation.
func (f *FSM) RecvConfigureNak(id uint8, data []byte, rejected bool) {
	if !f.idMatchesLastSent(id) {
		return
	}
	var ok bool
	if rejected {
		ok = f.cb.RejCI(data)
	} else {
		ok = f.cb.NakCI(data, f.rejectIfDisagree)
		if ok {
			f.nakLoops++
			if f.limits.MaxNakLoops > 0 && f.nakLoops >= f.limits.MaxNakLoops {
				f.rejectIfDisagree = true
			}
		}
	}
	if !ok {
		return
	}
	switch f.state {
	case StateClosed, StateStopped:
		f.transport.Send(wire.TerminateAck, id, nil)
	case StateReqSent, StateAckSent:
		f.initRestartCount(f.limits.MaxConfReqRetries)
		f.sendConfigureRequest()
	case StateAckRcvd:
		f.sendConfigureRequest()
		f.state = StateReqSent
	case StateOpened:
		f.cb.Down()
		f.sendConfigureRequest()
		f.state = StateReqSent
	}
}

// RecvTerminateRequest handles an inbound Terminate-Request.
func (f *FSM) RecvTerminateRequest(id uint8) {
	switch f.state {
	case StateAckRcvd, StateAckSent:
		f.state = StateReqSent
	case StateOpened:
		f.cb.Down()
		f.zeroRestartCount()
		f.state = StateStopping
	}
	f.transport.Send(wire.TerminateAck, id, nil)
}

func (f *FSM) zeroRestartCount() {
	f.retransmitsLeft = 0
	f.armTimer()
}

// RecvTerminateAck handles an inbound Terminate-Ack.
func (f *FSM) RecvTerminateAck(id uint8) {
	switch f.state {
	case StateClosing:
		f.stopTimer()
		f.state = StateClosed
		f.cb.Finished()
	case StateStopping:
		f.stopTimer()
		f.state = StateStopped
		f.cb.Finished()
	case StateAckRcvd:
		f.state = StateReqSent
	case StateOpened:
		f.cb.Down()
		f.sendConfigureRequest()
		f.state = StateReqSent
	}
}

// RecvCodeReject handles an inbound Code-Reject for this protocol.
func (f *FSM) RecvCodeReject(fatal bool) {
	if !fatal {
		return
	}
	switch f.state {
	case StateAckRcvd:
		f.state = StateReqSent
	case StateOpened:
		f.cb.Down()
		f.sendConfigureRequest()
		f.state = StateReqSent
	case StateClosing:
		f.stopTimer()
		f.state = StateClosed
		f.cb.Finished()
	case StateStopping:
		f.stopTimer()
		f.state = StateStopped
		f.cb.Finished()
	}
}

// RecvExtended dispatches an extended (protocol-specific) code, one the
// host protocol does not handle itself, to Callbacks.ExtCode.
func (f *FSM) RecvExtended(code wire.Code, id uint8, data []byte) bool {
	return f.cb.ExtCode(code, id, data)
}

func (f *FSM) idMatchesLastSent(id uint8) bool {
	return id == f.id
}
