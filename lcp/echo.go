package lcp

import (
	"github.com/pppctl/lcpstack/fsm"
	"github.com/pppctl/lcpstack/ppptimer"
	"github.com/pppctl/lcpstack/wire"
)

// keepaliveState implements the echo/keepalive subsystem described in
// spec.md section 4.6: once LCP is Opened, periodically send Echo-Request
// and count consecutive unanswered intervals; past a threshold, declare the
// peer dead. In adaptive mode, an interval is skipped if any inbound
// traffic (not necessarily an echo reply) was seen since the last tick.
type keepaliveState struct {
	l *LCP

	number       uint32 // lcp_echo_number: next Echo-Request identifier
	pending      int    // lcp_echos_pending: ticks since a reply was last seen
	sawTraffic   bool   // inbound traffic observed since the last tick
	sawOurReply  bool   // an Echo-Reply not carrying our own magic arrived

	cancel ppptimer.Cancel
}

func newKeepalive(l *LCP) *keepaliveState {
	return &keepaliveState{l: l}
}

func (k *keepaliveState) start() {
	k.schedule()
}

func (k *keepaliveState) stop() {
	if k.cancel != nil {
		k.cancel()
		k.cancel = nil
	}
}

func (k *keepaliveState) schedule() {
	k.cancel = k.l.timer.TimeoutMS(k.tick, k.l.cfg.EchoIntervalMS)
}

// tick fires once per echo interval. It is the Go rendering of pppd's
// LcpEchoCheck.
func (k *keepaliveState) tick() {
	if k.l.cfg.EchoAdaptive && k.sawTraffic {
		// Peer is clearly alive; skip this probe but keep counting down
		// consecutive truly-silent intervals from zero.
		k.sawTraffic = false
		k.pending = 0
		k.schedule()
		return
	}
	k.sawTraffic = false

	if k.sawOurReply {
		k.pending = 0
		k.sawOurReply = false
	} else {
		k.pending++
	}

	if k.l.cfg.EchoFails > 0 && k.pending >= k.l.cfg.EchoFails {
		k.l.hooks.PeerDead()
		k.l.Close("peer not responding")
		return
	}

	k.number++
	body, _ := (&wire.EchoData{MagicNumber: k.l.Got.MagicNumber}).MarshalBinary()
	raw, _ := buildRaw(wire.EchoRequest, uint8(k.number), body)
	_ = k.l.framer.Send(wire.ProtocolLCP, raw)

	k.schedule()
}

// noteTraffic records that some control or data traffic arrived, for
// adaptive echo suppression.
func (k *keepaliveState) noteTraffic() {
	k.sawTraffic = true
}

// handleEchoRequest answers a peer Echo-Request with an Echo-Reply carrying
// our own magic number, per spec.md section 4.6. A request whose magic
// equals our own is a loopback signal and is logged but still answered
// (the NAK-driven magic renegotiation in ReqCI/concede is what actually
// reacts to loopback).
func (l *LCP) handleEchoRequest(id uint8, ed *wire.EchoData) {
	if l.keepalive != nil {
		l.keepalive.noteTraffic()
	}
	if l.fsm.State() != fsm.StateOpened {
		return
	}
	if l.Got.NegMagicNumber && ed.MagicNumber == l.Got.MagicNumber {
		l.log.Printf("lcp: received Echo-Request carrying our own magic number")
	}
	body, _ := (&wire.EchoData{MagicNumber: l.Got.MagicNumber, Data: ed.Data}).MarshalBinary()
	raw, _ := buildRaw(wire.EchoReply, id, body)
	_ = l.framer.Send(wire.ProtocolLCP, raw)
}

// handleEchoReply records a reply to our own Echo-Request, per spec.md
// section 4.6. A reply carrying our own magic number (rather than the
// peer's) would indicate our own request looped back, which is treated the
// same as not having received a reply at all.
func (l *LCP) handleEchoReply(ed *wire.EchoData) {
	if l.keepalive == nil {
		return
	}
	l.keepalive.noteTraffic()
	if ed.MagicNumber == l.Got.MagicNumber {
		return
	}
	l.keepalive.sawOurReply = true
}
