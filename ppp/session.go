// Package ppp implements the phase sequencer and frame-dispatch surface
// described in spec.md sections 3, 4.3 and 4.9: one Session per link,
// carrying it through DEAD -> ESTABLISH -> AUTHENTICATE -> NETWORK ->
// TERMINATE -> DEAD, dispatching inbound frames to LCP, the auth
// coordinator or the network-protocol sequencer, and enforcing the
// idle/max-connect timers.
package ppp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/xid"

	"github.com/pppctl/lcpstack/auth"
	"github.com/pppctl/lcpstack/lcp"
	"github.com/pppctl/lcpstack/metrics"
	"github.com/pppctl/lcpstack/ncp"
	"github.com/pppctl/lcpstack/ppptimer"
	"github.com/pppctl/lcpstack/wire"
)

// Framer is the byte-channel contract a Session needs, generalizing the
// teacher's io.ReadWriteCloser channel field into named send/configure
// operations, per spec.md section 6. Inbound frames arrive separately,
// through the io.Reader given to New.
type Framer interface {
	Send(pppType layers.PPPType, payload []byte) error
	SendConfig(asyncmap uint32, pcomp, accomp bool) error
	RecvConfig(asyncmap uint32, pcomp, accomp bool) error
	SetMTU(mtu int) error
}

// DataHandler processes a decoded network-layer payload (e.g. IPv4, IPv6,
// or IPX) once the Network phase is reached. Session does not interpret
// payloads itself; a real TCP/IP stack or IPX bridge is an external
// collaborator per spec.md section 1.
type DataHandler func(pppType layers.PPPType, payload []byte)

// Session is one PPP link, per spec.md section 3.
type Session struct {
	ID  xid.ID
	log *log.Logger

	framer  Framer
	inbound io.Reader

	settings *Settings
	metrics  *metrics.Set
	timer    ppptimer.Timer

	lcpHooksSink *sessionLCPHooks
	lcpInst      *lcp.LCP

	authCoord     *auth.Coordinator
	authProviders auth.Providers

	seq          *ncp.Sequencer
	ncpInstances []*ncp.Instance

	dataHandlers map[layers.PPPType]DataHandler

	mu                 sync.Mutex
	phase              Phase
	errCode            ErrorCode
	numProtocolRejects uint8
	terminateErr       error

	idleCancel       ppptimer.Cancel
	maxConnectCancel ppptimer.Cancel

	closeOnce sync.Once
}

// New constructs a Session bound to framer/inbound, with settings already
// finalized (Settings setters reject calls once phase leaves Dead, so
// settings must be fully configured before New or before Run).
func New(framer Framer, inbound io.Reader, settings *Settings, timer ppptimer.Timer, m *metrics.Set, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	if settings == nil {
		settings = NewSettings()
	}
	s := &Session{
		ID:           xid.New(),
		log:          logger,
		framer:       framer,
		inbound:      inbound,
		settings:     settings,
		metrics:      m,
		timer:        timer,
		phase:        PhaseDead,
		dataHandlers: make(map[layers.PPPType]DataHandler),
	}
	settings.bindPhase(s.Phase)

	want := &lcp.OptionSet{
		NegMagicNumber: true,
		Passive:        settings.Passive,
		Silent:         settings.Silent,
		NegPCompression:  settings.NegPComp,
		NegACCompression: settings.NegACComp,
		NegAsyncmap:      settings.NegAsyncmap,
		Asyncmap:         settings.Asyncmap,
	}
	allow := &lcp.OptionSet{}
	if settings.AuthRequired {
		allow.NegUpap = !settings.RefusePAP
		allow.NegChap = !settings.RefuseCHAP
		if allow.NegChap {
			allow.ChapDigests = []uint8{lcp.ChapDigestMD5}
		}
		allow.NegEAP = !settings.RefuseEAP
	}

	s.lcpHooksSink = &sessionLCPHooks{s: s}
	cfg := lcp.Config{
		FSMTimeoutMS:           int(settings.FSMTimeoutTime.Milliseconds()),
		FSMMaxConfReqTransmits: settings.FSMMaxConfReqTransmits,
		FSMMaxTermTransmits:    settings.FSMMaxTermTransmits,
		FSMMaxNakLoops:         settings.FSMMaxNakLoops,
		LoopbackFail:           settings.LCPLoopbackFail,
		ListenTimeMS:           int(settings.ListenTime.Milliseconds()),
		EchoIntervalMS:         int(settings.LCPEchoInterval.Milliseconds()),
		EchoFails:              settings.LCPEchoFails,
		EchoAdaptive:           settings.LCPEchoAdaptive,
	}
	s.lcpInst = lcp.New(want, allow, framer, s.lcpHooksSink, cfg, timer, logger)

	return s
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Err returns the current ErrorCode, reset to ErrNone on re-entry to
// PhaseEstablish per spec.md section 7.
func (s *Session) Err() ErrorCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errCode
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	if s.phase == p {
		s.mu.Unlock()
		return
	}
	prev := s.phase
	if p == PhaseEstablish {
		s.errCode = ErrNone
	}
	s.phase = p
	s.mu.Unlock()

	s.log.Printf("ppp[%s]: phase -> %s", s.ID, p)
	if s.metrics != nil {
		s.metrics.PhaseTransitions.WithLabelValues(p.String()).Inc()
		if prev == PhaseDead && p != PhaseDead {
			s.metrics.SessionsActive.Inc()
		} else if p == PhaseTerminate {
			s.metrics.SessionsActive.Dec()
		}
	}
	if s.settings.notifyPhase != nil {
		s.settings.notifyPhase(p)
	}
}

func (s *Session) setError(code ErrorCode) {
	s.mu.Lock()
	s.errCode = code
	s.mu.Unlock()
}

// RegisterDataHandler wires a handler for a network-layer protocol (e.g.
// layers.PPPType for IPv4/IPv6/IPX) invoked once the Network phase allows
// it through. Protocols without a registered handler and without an NCP
// instance are Protocol-Rejected, per spec.md section 4.2.
func (s *Session) RegisterDataHandler(pppType layers.PPPType, h DataHandler) {
	s.dataHandlers[pppType] = h
}

// SetNCPs installs the network-protocol sequencer used after
// authentication completes, per spec.md section 4.8. seq must already own
// instances (each instance's FSM constructed with an &ncp.Callbacks{Seq:
// seq, Instance: inst} referencing it) — Session only wires the
// phase-level Network up/down hooks onto it, plus NetworkAllFinished,
// which closes the link once no network protocol is running.
func (s *Session) SetNCPs(instances []*ncp.Instance, seq *ncp.Sequencer) {
	s.ncpInstances = instances
	s.seq = seq
	seq.NetworkUp = func() { s.setPhase(PhaseNetwork) }
	seq.NetworkDown = func() {
		if s.Phase() == PhaseNetwork {
			s.setPhase(PhaseTerminate)
		}
	}
	seq.NetworkAllFinished = func() {
		s.Close("No network protocols running")
	}
}

// SetAuthProviders installs the PAP/CHAP/EAP provider bindings the auth
// coordinator drives during PhaseAuthenticate.
func (s *Session) SetAuthProviders(required auth.Mask, p auth.Providers) {
	s.authCoord = &auth.Coordinator{Required: required, Log: s.log}
	s.authProviders = p
}

// Open starts negotiation, per spec.md section 4.3's DEAD->ESTABLISH
// transition.
func (s *Session) Open() {
	s.setPhase(PhaseEstablish)
	s.lcpInst.Open()
}

// Close requests link teardown, the `close()` analogue at the session
// level.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.stopIdleTimers()
		s.lcpInst.Close(reason)
	})
}

// Terminate tears the link down immediately and records why, mirroring
// ppp/session.go's Terminate(err).
func (s *Session) Terminate(code ErrorCode, err error) {
	s.setError(code)
	s.mu.Lock()
	s.terminateErr = err
	s.mu.Unlock()
	s.setPhase(PhaseTerminate)
	s.Close(errString(err))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// sendFrame writes one PPP frame (any protocol) to the channel.
func (s *Session) sendFrame(pppType layers.PPPType, payload []byte) error {
	return s.framer.Send(pppType, payload)
}

// supportedProtocol reports whether pppType has either a registered data
// handler or is LCP itself / an installed NCP instance, per spec.md
// section 4.2's dispatch table.
func (s *Session) supportedProtocol(pppType layers.PPPType) bool {
	if pppType == wire.ProtocolLCP {
		return true
	}
	if _, ok := s.dataHandlers[pppType]; ok {
		return true
	}
	for _, inst := range s.ncpInstances {
		if inst.Protocol == pppType {
			return true
		}
	}
	return false
}

// recvAndProcess reads one PPP frame from inbound and dispatches it,
// generalizing ppp/session.go's recvAndProcess into a protocol-agnostic
// form.
func (s *Session) recvAndProcess() error {
	var buf [2048]byte
	n, err := s.inbound.Read(buf[:])
	if err != nil {
		return err
	}
	pkt := gopacket.NewPacket(buf[:n], layers.LayerTypePPP, gopacket.Default)
	pppLayer := pkt.Layer(layers.LayerTypePPP)
	if pppLayer == nil {
		return nil
	}
	p := pppLayer.(*layers.PPP)

	if !s.supportedProtocol(p.PPPType) {
		body, _ := wire.NewProtocolReject(s.numProtocolRejects, p.PPPType, p.LayerPayload()).MarshalBinary()
		s.numProtocolRejects++
		return s.sendFrame(wire.ProtocolLCP, body)
	}

	if p.PPPType == wire.ProtocolLCP {
		l, err := wire.DecodeAs(p.LayerPayload(), wire.ProtocolLCP)
		if err != nil {
			return nil
		}
		s.lcpInst.RecvMessage(l)
		return nil
	}

	if h, ok := s.dataHandlers[p.PPPType]; ok {
		if s.Phase() == PhaseNetwork {
			h(p.PPPType, p.LayerPayload())
		}
		return nil
	}

	for _, inst := range s.ncpInstances {
		if inst.Protocol != p.PPPType {
			continue
		}
		l, err := wire.DecodeAs(p.LayerPayload(), p.PPPType)
		if err != nil {
			return nil
		}
		dispatchNCP(inst, l)
	}
	return nil
}

func dispatchNCP(inst *ncp.Instance, l *wire.LCP) {
	switch l.Code {
	case wire.ConfigureRequest:
		cd := l.Payload.(*wire.ConfigureData)
		raw, _ := cd.MarshalBinary()
		inst.FSM.RecvConfigureRequest(l.Identifier, raw)
	case wire.ConfigureAck:
		cd := l.Payload.(*wire.ConfigureData)
		raw, _ := cd.MarshalBinary()
		inst.FSM.RecvConfigureAck(l.Identifier, raw)
	case wire.ConfigureNak:
		cd := l.Payload.(*wire.ConfigureData)
		raw, _ := cd.MarshalBinary()
		inst.FSM.RecvConfigureNak(l.Identifier, raw, false)
	case wire.ConfigureReject:
		cd := l.Payload.(*wire.ConfigureData)
		raw, _ := cd.MarshalBinary()
		inst.FSM.RecvConfigureNak(l.Identifier, raw, true)
	case wire.TerminateRequest:
		inst.FSM.RecvTerminateRequest(l.Identifier)
	case wire.TerminateAck:
		inst.FSM.RecvTerminateAck(l.Identifier)
	case wire.CodeReject:
		inst.FSM.RecvCodeReject(true)
	}
}

// runLoop processes inbound frames until an error (typically the channel
// closing) is returned.
func (s *Session) runLoop() error {
	for s.Phase() != PhaseDead {
		if err := s.recvAndProcess(); err != nil {
			return err
		}
	}
	return nil
}

// Run drives the session end to end: opens LCP, processes frames, and
// returns once the link has fully terminated. Mirrors
// ppp/session.go's Run().
func (s *Session) Run() error {
	s.Open()
	err := s.runLoop()
	if errors.Is(err, io.ErrClosedPipe) || (err != nil && strings.Contains(err.Error(), "closed")) {
		err = nil
	}
	s.mu.Lock()
	termErr := s.terminateErr
	s.mu.Unlock()
	if termErr != nil {
		return termErr
	}
	return err
}

// beginAuthenticate runs the auth coordinator, then advances to Network
// (or Terminate on failure), per spec.md section 4.7.
func (s *Session) beginAuthenticate() {
	s.setPhase(PhaseAuthenticate)
	if s.authCoord == nil || s.authCoord.Required == auth.MaskNone {
		s.startNetwork()
		return
	}
	go func() {
		err := s.authCoord.Run(context.Background(), s.authProviders)
		if err != nil {
			s.log.Printf("ppp[%s]: authentication failed: %v", s.ID, err)
			if s.metrics != nil {
				s.metrics.AuthCompletions.WithLabelValues("all", "failure").Inc()
			}
			s.Terminate(ErrAuthFail, fmt.Errorf("authentication failed: %w", err))
			return
		}
		if s.metrics != nil {
			s.metrics.AuthCompletions.WithLabelValues("all", "success").Inc()
		}
		s.startNetwork()
	}()
}

func (s *Session) startNetwork() {
	s.armIdleTimers()
	if s.seq != nil {
		s.seq.StartNetworks()
	} else {
		s.setPhase(PhaseNetwork)
	}
}

func (s *Session) armIdleTimers() {
	if s.settings.IdleTimeLimit > 0 {
		s.idleCancel = s.timer.TimeoutMS(func() {
			s.Terminate(ErrIdleTimeout, errors.New("idle timeout"))
		}, int(s.settings.IdleTimeLimit.Milliseconds()))
	}
	if s.settings.MaxConnect > 0 {
		s.maxConnectCancel = s.timer.TimeoutMS(func() {
			s.Terminate(ErrConnectTime, errors.New("max connect time exceeded"))
		}, int(s.settings.MaxConnect.Milliseconds()))
	}
}

func (s *Session) stopIdleTimers() {
	if s.idleCancel != nil {
		s.idleCancel()
		s.idleCancel = nil
	}
	if s.maxConnectCancel != nil {
		s.maxConnectCancel()
		s.maxConnectCancel = nil
	}
}

// sessionLCPHooks adapts lcp.Hooks into Session phase transitions,
// generalizing ppp/session.go's handleLCP special cases (terminate-request,
// protocol-reject, echo) into the phase sequencer.
type sessionLCPHooks struct {
	s *Session
}

var _ lcp.Hooks = (*sessionLCPHooks)(nil)

func (h *sessionLCPHooks) LinkUp(his, got *lcp.OptionSet) {
	if h.s.settings.netifLink != nil {
		h.s.settings.netifLink(true)
	}
	h.s.beginAuthenticate()
}

func (h *sessionLCPHooks) LinkDown() {
	if h.s.settings.netifLink != nil {
		h.s.settings.netifLink(false)
	}
}

func (h *sessionLCPHooks) LinkFinished() {
	// A more specific cause (e.g. ErrProtocol from a peer Protocol-Reject
	// of LCP itself) may already have been recorded; don't overwrite it
	// with the generic give-up code.
	if h.s.Err() != ErrNone {
		h.s.Terminate(h.s.Err(), errors.New("LCP failed to negotiate"))
	} else {
		h.s.Terminate(ErrConnect, errors.New("LCP failed to negotiate"))
	}
	// The link is fully down: TERMINATE -> DEAD, which also ends runLoop.
	h.s.setPhase(PhaseDead)
}

func (h *sessionLCPHooks) ProtocolRejected(proto layers.PPPType) {
	h.s.log.Printf("ppp[%s]: peer rejected protocol %v", h.s.ID, proto)
	if proto == wire.ProtocolLCP {
		// LCP itself was rejected: the link can never be negotiated,
		// per spec.md section 4.2/section 8 scenario 6.
		h.s.setError(ErrProtocol)
	}
}

func (h *sessionLCPHooks) LoopbackDetected() {
	if h.s.metrics != nil {
		h.s.metrics.NakLoopEscalations.WithLabelValues("lcp").Inc()
	}
	h.s.setError(ErrLoopback)
}

func (h *sessionLCPHooks) PeerDead() {
	if h.s.metrics != nil {
		h.s.metrics.EchoFailures.Inc()
	}
	h.s.setError(ErrPeerDead)
}
