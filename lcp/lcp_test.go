package lcp

import (
	"testing"

	"github.com/google/gopacket/layers"

	"github.com/pppctl/lcpstack/fsm"
	"github.com/pppctl/lcpstack/ppptimer"
	"github.com/pppctl/lcpstack/wire"
)

type fakeFramer struct {
	sent []struct {
		proto   layers.PPPType
		payload []byte
	}
}

func (f *fakeFramer) Send(proto layers.PPPType, payload []byte) error {
	f.sent = append(f.sent, struct {
		proto   layers.PPPType
		payload []byte
	}{proto, payload})
	return nil
}
func (f *fakeFramer) SendConfig(asyncmap uint32, pcomp, accomp bool) error { return nil }
func (f *fakeFramer) RecvConfig(asyncmap uint32, pcomp, accomp bool) error { return nil }

type fakeHooks struct {
	ups, downs, finishes int
	rejectedProtos       []layers.PPPType
	loopbacks            int
	peerDeads            int
}

func (h *fakeHooks) LinkUp(his, got *OptionSet) { h.ups++ }
func (h *fakeHooks) LinkDown()                   { h.downs++ }
func (h *fakeHooks) LinkFinished()               { h.finishes++ }
func (h *fakeHooks) ProtocolRejected(p layers.PPPType) {
	h.rejectedProtos = append(h.rejectedProtos, p)
}
func (h *fakeHooks) LoopbackDetected() { h.loopbacks++ }
func (h *fakeHooks) PeerDead()         { h.peerDeads++ }

func newTestLCP() (*LCP, *fakeFramer, *fakeHooks, *ppptimer.Fake) {
	framer := &fakeFramer{}
	hooks := &fakeHooks{}
	timer := &ppptimer.Fake{}
	want := &OptionSet{NegMagicNumber: true, NegUpap: true}
	allow := &OptionSet{NegUpap: true, NegMRRU: true, MRRU: 1600}
	cfg := Config{
		FSMTimeoutMS:           1000,
		FSMMaxConfReqTransmits: 5,
		FSMMaxTermTransmits:    2,
		FSMMaxNakLoops:         3,
	}
	l := New(want, allow, framer, hooks, cfg, timer, nil)
	return l, framer, hooks, timer
}

func TestOpenSendsConfigureRequest(t *testing.T) {
	l, framer, _, _ := newTestLCP()
	l.Open()
	if len(framer.sent) != 1 {
		t.Fatalf("expected one Configure-Request sent, got %d", len(framer.sent))
	}
	if framer.sent[0].proto != wire.ProtocolLCP {
		t.Fatalf("expected Configure-Request sent as LCP, got %v", framer.sent[0].proto)
	}
}

func TestPeerCHAPRejectedWhenNotAllowed(t *testing.T) {
	l, _, _, _ := newTestLCP()
	l.Open()
	// Peer proposes CHAP, which Allow does not enable at all.
	req := &wire.ConfigureData{Options: []wire.Option{
		{Type: wire.OptionAuthType, Data: authOptionValue(AuthCHAP, ChapDigestMD5)},
	}}
	raw, _ := req.MarshalBinary()
	code, _ := l.ReqCI(raw, false)
	if code != wire.ConfigureReject {
		t.Fatalf("expected CHAP rejected when Allow has only PAP, got %v", code)
	}
}

func TestMagicLoopbackNaked(t *testing.T) {
	l, _, _, _ := newTestLCP()
	l.Got.MagicNumber = 0xdeadbeef
	l.Got.NegMagicNumber = true
	req := &wire.ConfigureData{Options: []wire.Option{
		{Type: wire.OptionMagicNumber, Data: u32(0xdeadbeef)},
	}}
	raw, _ := req.MarshalBinary()
	code, payload := l.ReqCI(raw, false)
	if code != wire.ConfigureNak {
		t.Fatalf("expected magic collision to NAK, got %v", code)
	}
	opts, _ := decodeOptions(payload)
	if len(opts) != 1 || opts[0].Type != wire.OptionMagicNumber {
		t.Fatalf("expected a single magic-number counter-offer, got %+v", opts)
	}
}

func TestMRUBelowMinimumNaked(t *testing.T) {
	l, _, _, _ := newTestLCP()
	req := &wire.ConfigureData{Options: []wire.Option{
		{Type: wire.OptionMRU, Data: u16(64)},
	}}
	raw, _ := req.MarshalBinary()
	code, payload := l.ReqCI(raw, false)
	if code != wire.ConfigureNak {
		t.Fatalf("expected sub-minimum MRU to NAK, got %v", code)
	}
	opts, _ := decodeOptions(payload)
	if len(opts) != 1 {
		t.Fatalf("expected one counter-offer option, got %+v", opts)
	}
}

func TestRejectIfDisagreeEscalatesNonMagic(t *testing.T) {
	l, _, _, _ := newTestLCP()
	req := &wire.ConfigureData{Options: []wire.Option{
		{Type: wire.OptionMRU, Data: u16(64)},
	}}
	raw, _ := req.MarshalBinary()
	code, _ := l.ReqCI(raw, true)
	if code != wire.ConfigureReject {
		t.Fatalf("expected non-magic NAK to escalate to REJECT, got %v", code)
	}
}

func TestUnknownOptionRejected(t *testing.T) {
	l, _, _, _ := newTestLCP()
	req := &wire.ConfigureData{Options: []wire.Option{
		{Type: wire.OptionType{Dialect: wire.DialectLCP, TypeID: 200}, Data: []byte{1, 2}},
	}}
	raw, _ := req.MarshalBinary()
	code, _ := l.ReqCI(raw, false)
	if code != wire.ConfigureReject {
		t.Fatalf("expected unknown option type rejected, got %v", code)
	}
}

func TestAcceptAllEchoesVerbatim(t *testing.T) {
	l, _, _, _ := newTestLCP()
	req := &wire.ConfigureData{Options: []wire.Option{
		{Type: wire.OptionAuthType, Data: authOptionValue(AuthPAP, 0)},
	}}
	raw, _ := req.MarshalBinary()
	code, payload := l.ReqCI(raw, false)
	if code != wire.ConfigureAck {
		t.Fatalf("expected ack, got %v", code)
	}
	if !bytesEqual(payload, raw) {
		t.Fatalf("expected ack payload to echo request verbatim")
	}
	if !l.negotiatedHisOptions.NegUpap {
		t.Fatalf("expected his options to record accepted PAP")
	}
}

func TestEchoTimeoutDeclaresPeerDead(t *testing.T) {
	framer := &fakeFramer{}
	hooks := &fakeHooks{}
	timer := &ppptimer.Fake{}
	want := &OptionSet{NegMagicNumber: true}
	allow := &OptionSet{}
	cfg := Config{
		FSMTimeoutMS:           1000,
		FSMMaxConfReqTransmits: 5,
		FSMMaxTermTransmits:    2,
		FSMMaxNakLoops:         3,
		EchoIntervalMS:         1000,
		EchoFails:              3,
	}
	l := New(want, allow, framer, hooks, cfg, timer, nil)
	l.Up()
	for i := 0; i < cfg.EchoFails; i++ {
		timer.Advance(cfg.EchoIntervalMS)
	}
	if hooks.peerDeads != 1 {
		t.Fatalf("expected PeerDead called once after %d missed echoes, got %d", cfg.EchoFails, hooks.peerDeads)
	}
	if hooks.loopbacks != 0 {
		t.Fatalf("echo timeout must not also report LoopbackDetected, got %d", hooks.loopbacks)
	}
}

func TestProtocolRejectClosesOnLCPItself(t *testing.T) {
	l, _, hooks, _ := newTestLCP()
	l.Open()
	prd := &wire.ProtocolRejectData{PPPType: wire.ProtocolLCP}
	msg := &wire.LCP{}
	msg.Code = wire.ProtocolReject
	msg.Payload = prd
	l.RecvMessage(msg)
	if len(hooks.rejectedProtos) != 1 {
		t.Fatalf("expected ProtocolRejected called once")
	}
	if l.State() != fsm.StateClosing {
		t.Fatalf("state after Protocol-Reject of LCP = %v, want Closing", l.State())
	}
}
