package ppp

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/gopacket/layers"

	"github.com/pppctl/lcpstack/ppptimer"
	"github.com/pppctl/lcpstack/wire"
)

type fakeFramer struct{ sent int }

func (f *fakeFramer) Send(pppType layers.PPPType, payload []byte) error {
	f.sent++
	return nil
}
func (f *fakeFramer) SendConfig(asyncmap uint32, pcomp, accomp bool) error { return nil }
func (f *fakeFramer) RecvConfig(asyncmap uint32, pcomp, accomp bool) error { return nil }
func (f *fakeFramer) SetMTU(mtu int) error                                 { return nil }

func newTestSession() (*Session, *fakeFramer) {
	framer := &fakeFramer{}
	settings := NewSettings()
	s := New(framer, bytes.NewReader(nil), settings, &ppptimer.Fake{}, nil, nil)
	return s, framer
}

func TestSettingsRejectedOncePastDead(t *testing.T) {
	s, _ := newTestSession()
	s.setPhase(PhaseEstablish)
	if err := s.settings.SetPassive(true); err != ErrNotDead {
		t.Fatalf("SetPassive after leaving Dead = %v, want ErrNotDead", err)
	}
}

func TestSettingsAllowedWhileDead(t *testing.T) {
	s, _ := newTestSession()
	if err := s.settings.SetPassive(true); err != nil {
		t.Fatalf("SetPassive while Dead: %v", err)
	}
}

func TestPhaseNotifyCallbackFires(t *testing.T) {
	var got []Phase
	settings := NewSettings()
	settings.SetNotifyPhaseCallback(func(p Phase) { got = append(got, p) })
	framer := &fakeFramer{}
	s := New(framer, bytes.NewReader(nil), settings, &ppptimer.Fake{}, nil, nil)
	s.setPhase(PhaseEstablish)
	s.setPhase(PhaseTerminate)
	if len(got) != 2 || got[0] != PhaseEstablish || got[1] != PhaseTerminate {
		t.Fatalf("phase callback sequence = %v", got)
	}
}

func TestErrCodeResetsOnReEstablish(t *testing.T) {
	s, _ := newTestSession()
	s.setError(ErrLoopback)
	s.setPhase(PhaseTerminate)
	s.setPhase(PhaseEstablish)
	if s.Err() != ErrNone {
		t.Fatalf("Err() after re-entering Establish = %v, want ErrNone", s.Err())
	}
}

func TestOpenSendsInitialConfigureRequest(t *testing.T) {
	s, framer := newTestSession()
	s.Open()
	if framer.sent != 1 {
		t.Fatalf("expected one frame sent on Open, got %d", framer.sent)
	}
	if s.Phase() != PhaseEstablish {
		t.Fatalf("phase after Open = %v, want Establish", s.Phase())
	}
}

func TestRunReturnsOnReadError(t *testing.T) {
	s, _ := newTestSession()
	s.inbound = errReader{}
	err := s.Run()
	if err == nil {
		t.Fatalf("expected Run to return the inbound read error")
	}
}

func TestProtocolRejectOfLCPSetsErrProtocol(t *testing.T) {
	s, _ := newTestSession()
	s.setPhase(PhaseEstablish)
	s.lcpHooksSink.ProtocolRejected(wire.ProtocolLCP)
	s.lcpHooksSink.LinkFinished()
	if s.Err() != ErrProtocol {
		t.Fatalf("Err() after LCP Protocol-Reject = %v, want ErrProtocol", s.Err())
	}
}

func TestLinkFinishedWithoutPriorErrorIsErrConnect(t *testing.T) {
	s, _ := newTestSession()
	s.setPhase(PhaseEstablish)
	s.lcpHooksSink.LinkFinished()
	if s.Err() != ErrConnect {
		t.Fatalf("Err() after plain LinkFinished = %v, want ErrConnect", s.Err())
	}
}

func TestPeerDeadSetsErrPeerDead(t *testing.T) {
	s, _ := newTestSession()
	s.setPhase(PhaseEstablish)
	s.lcpHooksSink.PeerDead()
	if s.Err() != ErrPeerDead {
		t.Fatalf("Err() after PeerDead = %v, want ErrPeerDead", s.Err())
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }
