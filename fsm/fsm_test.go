package fsm

import (
	"testing"

	"github.com/pppctl/lcpstack/ppptimer"
	"github.com/pppctl/lcpstack/wire"
)

type sentMsg struct {
	code    wire.Code
	id      uint8
	payload []byte
}

type fakeTransport struct {
	sent []sentMsg
}

func (t *fakeTransport) Send(code wire.Code, id uint8, payload []byte) error {
	t.sent = append(t.sent, sentMsg{code, id, payload})
	return nil
}

func (t *fakeTransport) last() sentMsg {
	return t.sent[len(t.sent)-1]
}

// fakeCallbacks is a minimal, always-agreeable Callbacks implementation
// used to exercise the FSM in isolation from any option codec.
type fakeCallbacks struct {
	NoExtCode
	ups, downs, finishes, startings int
	ackOK, nakOK, rejOK              bool
}

func newFakeCallbacks() *fakeCallbacks {
	return &fakeCallbacks{ackOK: true, nakOK: true, rejOK: true}
}

func (c *fakeCallbacks) ResetCI(NegotiationStage)         {}
func (c *fakeCallbacks) CILen() int                       { return 0 }
func (c *fakeCallbacks) AddCI(buf []byte) []byte          { return buf }
func (c *fakeCallbacks) AckCI(data []byte) bool           { return c.ackOK }
func (c *fakeCallbacks) NakCI(data []byte, _ bool) bool   { return c.nakOK }
func (c *fakeCallbacks) RejCI(data []byte) bool           { return c.rejOK }
func (c *fakeCallbacks) ReqCI([]byte, bool) (wire.Code, []byte) { return wire.ConfigureAck, nil }
func (c *fakeCallbacks) Up()                              { c.ups++ }
func (c *fakeCallbacks) Down()                             { c.downs++ }
func (c *fakeCallbacks) Starting()                        { c.startings++ }
func (c *fakeCallbacks) Finished()                        { c.finishes++ }

func newTestFSM() (*FSM, *fakeTransport, *fakeCallbacks, *ppptimer.Fake) {
	tr := &fakeTransport{}
	cb := newFakeCallbacks()
	timer := &ppptimer.Fake{}
	limits := Limits{TimeoutMS: 1000, MaxConfReqRetries: 3, MaxTermReqRetries: 2, MaxNakLoops: 5}
	f := New(wire.ProtocolLCP, cb, tr, timer, limits, nil)
	return f, tr, cb, timer
}

func TestOpenHappyPath(t *testing.T) {
	f, tr, cb, _ := newTestFSM()
	f.LowerUp()
	if f.State() != StateClosed {
		t.Fatalf("state after LowerUp = %v, want Closed", f.State())
	}
	f.Open()
	if f.State() != StateReqSent {
		t.Fatalf("state after Open = %v, want Req-Sent", f.State())
	}
	if len(tr.sent) != 1 || tr.last().code != wire.ConfigureRequest {
		t.Fatalf("expected one Configure-Request sent, got %+v", tr.sent)
	}

	// Peer acks our request.
	f.RecvConfigureAck(tr.last().id, nil)
	if f.State() != StateAckRcvd {
		t.Fatalf("state after peer ack = %v, want Ack-Rcvd", f.State())
	}

	// Peer sends its own request; we ack it, completing negotiation.
	f.RecvConfigureRequest(9, nil)
	if f.State() != StateOpened {
		t.Fatalf("state after peer request = %v, want Opened", f.State())
	}
	if cb.ups != 1 {
		t.Fatalf("Up() called %d times, want 1", cb.ups)
	}
}

func TestRetransmitCapAborts(t *testing.T) {
	f, tr, cb, timer := newTestFSM()
	f.LowerUp()
	f.Open()
	initialSent := len(tr.sent)
	// Never ack; timer should retransmit up to MaxConfReqRetries times
	// and then abort via Finished().
	for i := 0; i < 10; i++ {
		timer.Advance(1000)
	}
	if cb.finishes == 0 {
		t.Fatalf("expected Finished() to be called after exceeding retry cap")
	}
	if f.State() != StateStopped {
		t.Fatalf("state = %v, want Stopped", f.State())
	}
	if len(tr.sent) <= initialSent {
		t.Fatalf("expected retransmits, only %d total sent", len(tr.sent))
	}
}

func TestTerminateHandshake(t *testing.T) {
	f, tr, cb, _ := newTestFSM()
	f.LowerUp()
	f.Open()
	f.RecvConfigureAck(tr.last().id, nil)
	f.RecvConfigureRequest(1, nil)
	if f.State() != StateOpened {
		t.Fatalf("setup: state = %v, want Opened", f.State())
	}
	f.Close("user requested")
	if f.State() != StateClosing {
		t.Fatalf("state after Close = %v, want Closing", f.State())
	}
	if cb.downs != 1 {
		t.Fatalf("Down() called %d times, want 1", cb.downs)
	}
	termID := tr.last().id
	f.RecvTerminateAck(termID)
	if f.State() != StateClosed {
		t.Fatalf("state after term-ack = %v, want Closed", f.State())
	}
}

func TestSilentSuppressesInitialConfigureRequest(t *testing.T) {
	f, tr, _, _ := newTestFSM()
	f.Silent = true
	f.LowerUp()
	f.Open()
	if f.State() != StateStopped {
		t.Fatalf("state after silent Open = %v, want Stopped", f.State())
	}
	if len(tr.sent) != 0 {
		t.Fatalf("expected no Configure-Request sent while silent, got %+v", tr.sent)
	}

	// The peer eventually speaks up; we answer its Configure-Request
	// without ever having sent our own first.
	f.RecvConfigureRequest(1, nil)
	if f.State() != StateAckSent {
		t.Fatalf("state after peer request = %v, want Ack-Sent", f.State())
	}
	if len(tr.sent) != 1 || tr.last().code != wire.ConfigureAck {
		t.Fatalf("expected a single Configure-Ack reply, got %+v", tr.sent)
	}
}

func TestPassiveWaitsInsteadOfGivingUp(t *testing.T) {
	f, _, cb, timer := newTestFSM()
	f.Passive = true
	f.LowerUp()
	f.Open()
	for i := 0; i < 10; i++ {
		timer.Advance(1000)
	}
	if cb.finishes != 0 {
		t.Fatalf("expected Finished() not to be called while passive, got %d calls", cb.finishes)
	}
	if f.State() != StateStopped {
		t.Fatalf("state = %v, want Stopped", f.State())
	}

	// Peer shows up; we answer normally.
	f.RecvConfigureRequest(1, nil)
	if f.State() != StateAckSent {
		t.Fatalf("state after peer request = %v, want Ack-Sent", f.State())
	}
}

func TestNakLoopEscalatesToReject(t *testing.T) {
	f, _, _, _ := newTestFSM()
	f.LowerUp()
	f.Open()
	for i := 0; i < 5; i++ {
		f.RecvConfigureNak(f.id, nil, false)
	}
	if !f.rejectIfDisagree {
		t.Fatalf("expected rejectIfDisagree to be set after %d naks", f.limits.MaxNakLoops)
	}
}
