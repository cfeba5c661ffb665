package ncp

import (
	"testing"

	"github.com/google/gopacket/layers"

	"github.com/pppctl/lcpstack/fsm"
	"github.com/pppctl/lcpstack/ppptimer"
	"github.com/pppctl/lcpstack/wire"
)

type fakeTransport struct{ sent int }

func (t *fakeTransport) Send(code wire.Code, id uint8, payload []byte) error {
	t.sent++
	return nil
}

func newInstance(proto layers.PPPType, required bool, seq **Sequencer) *Instance {
	inst := &Instance{Protocol: proto, Required: required}
	timer := &ppptimer.Fake{}
	inst.FSM = fsm.New(proto, &Callbacks{Instance: inst}, &fakeTransport{}, timer, fsm.Limits{
		TimeoutMS: 1000, MaxConfReqRetries: 3, MaxTermReqRetries: 2, MaxNakLoops: 3,
	}, nil)
	return inst
}

func TestNetworkUpFiresOnceAllRequiredNCPsOpen(t *testing.T) {
	ipcp := &Instance{Protocol: wire.ProtocolIPCP, Required: true}
	ipv6cp := &Instance{Protocol: wire.ProtocolIPv6CP, Required: false}

	seq := NewSequencer([]*Instance{ipcp, ipv6cp}, nil, nil)
	limits := fsm.Limits{TimeoutMS: 1000, MaxConfReqRetries: 3, MaxTermReqRetries: 2, MaxNakLoops: 3}
	ipcp.FSM = fsm.New(wire.ProtocolIPCP, &Callbacks{Seq: seq, Instance: ipcp}, &fakeTransport{}, &ppptimer.Fake{}, limits, nil)
	ipv6cp.FSM = fsm.New(wire.ProtocolIPv6CP, &Callbacks{Seq: seq, Instance: ipv6cp}, &fakeTransport{}, &ppptimer.Fake{}, limits, nil)

	upCount := 0
	seq.NetworkUp = func() { upCount++ }

	seq.StartNetworks()
	ipcp.FSM.LowerUp()
	if ipcp.FSM.State() != fsm.StateReqSent {
		t.Fatalf("expected IPCP req-sent after StartNetworks+LowerUp, got %v", ipcp.FSM.State())
	}
	ipcp.FSM.RecvConfigureAck(1, nil)
	ipcp.FSM.RecvConfigureRequest(1, nil)
	if !ipcp.IsUp() {
		t.Fatalf("expected IPCP opened, state=%v", ipcp.FSM.State())
	}
	if upCount != 1 {
		t.Fatalf("NetworkUp fired %d times, want 1 (ipv6cp is not required)", upCount)
	}
}

func TestAllNCPsFinishedClosesLink(t *testing.T) {
	ipcp := &Instance{Protocol: wire.ProtocolIPCP, Required: true}

	seq := NewSequencer([]*Instance{ipcp}, nil, nil)
	limits := fsm.Limits{TimeoutMS: 1000, MaxConfReqRetries: 3, MaxTermReqRetries: 2, MaxNakLoops: 3}
	ipcp.FSM = fsm.New(wire.ProtocolIPCP, &Callbacks{Seq: seq, Instance: ipcp}, &fakeTransport{}, &ppptimer.Fake{}, limits, nil)

	finished := 0
	seq.NetworkAllFinished = func() { finished++ }

	seq.StartNetworks()
	ipcp.FSM.LowerUp()
	ipcp.FSM.RecvConfigureAck(1, nil)
	ipcp.FSM.RecvConfigureRequest(1, nil)
	if !ipcp.IsUp() {
		t.Fatalf("setup: expected IPCP up, state=%v", ipcp.FSM.State())
	}

	ipcp.FSM.Close("done")
	ipcp.FSM.RecvTerminateAck(1)
	if ipcp.FSM.State() != fsm.StateClosed {
		t.Fatalf("expected IPCP closed, state=%v", ipcp.FSM.State())
	}
	if finished != 1 {
		t.Fatalf("NetworkAllFinished fired %d times, want 1", finished)
	}
}

func TestCCPGateDelaysOtherNCPs(t *testing.T) {
	ccp := &Instance{Protocol: wire.ProtocolCCP, Required: true}
	ipcp := &Instance{Protocol: wire.ProtocolIPCP, Required: true}

	seq := NewSequencer([]*Instance{ccp, ipcp}, ccp, nil)
	ccp.FSM = fsm.New(wire.ProtocolCCP, &Callbacks{Seq: seq, Instance: ccp}, &fakeTransport{}, &ppptimer.Fake{}, fsm.Limits{TimeoutMS: 1000, MaxConfReqRetries: 3, MaxTermReqRetries: 2, MaxNakLoops: 3}, nil)
	ipcp.FSM = fsm.New(wire.ProtocolIPCP, &Callbacks{Seq: seq, Instance: ipcp}, &fakeTransport{}, &ppptimer.Fake{}, fsm.Limits{TimeoutMS: 1000, MaxConfReqRetries: 3, MaxTermReqRetries: 2, MaxNakLoops: 3}, nil)

	seq.StartNetworks()
	if ipcp.FSM.State() != fsm.StateInitial {
		t.Fatalf("expected IPCP to remain Initial while CCP gate is pending, got %v", ipcp.FSM.State())
	}

	ccp.FSM.LowerUp()
	ccp.FSM.Open()
	ccp.FSM.RecvConfigureAck(1, nil)
	ccp.FSM.RecvConfigureRequest(1, nil)
	if !ccp.IsUp() {
		t.Fatalf("setup: expected CCP up, state=%v", ccp.FSM.State())
	}
}
