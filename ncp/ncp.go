// Package ncp implements the network-protocol sequencer described in
// spec.md section 4.8: once authentication completes, each configured NCP
// (CCP, IPCP, IPv6CP, ...) is brought up via its own fsm.FSM instance, and
// the network phase itself is considered "up" only once every required
// NCP is up. CCP is special-cased as a gate: if configured required, no
// other NCP is opened until it completes (mirroring pppd's
// ccp_requires() / compressor negotiation having to settle before the
// network protocols that ride over it).
package ncp

import (
	"log"
	"sync"

	"github.com/google/gopacket/layers"

	"github.com/pppctl/lcpstack/fsm"
	"github.com/pppctl/lcpstack/wire"
)

// Instance wraps one network-control-protocol's own FSM, per spec.md
// section 3's "each protocol instance exclusively owns its FSM" rule. Full
// CCP/IPCP/IPv6CP option semantics (VJ compression, MPPE parameters,
// interface identifiers) are out of scope per spec.md section 1; the
// Callbacks supplied here only need to be detailed enough to drive the
// sequencer's up/down/finished contract.
type Instance struct {
	Protocol layers.PPPType
	Required bool // if true, the network phase cannot complete without this NCP

	FSM *fsm.FSM

	up, down, finished int
	mu                 sync.Mutex
}

func (i *Instance) noteUp() {
	i.mu.Lock()
	i.up++
	i.mu.Unlock()
}

func (i *Instance) noteDown() {
	i.mu.Lock()
	i.down++
	i.mu.Unlock()
}

func (i *Instance) noteFinished() {
	i.mu.Lock()
	i.finished++
	i.mu.Unlock()
}

// IsUp reports whether this NCP's FSM is presently in the Opened state.
func (i *Instance) IsUp() bool {
	return i.FSM.State() == fsm.StateOpened
}

// Sequencer drives a set of NCP instances through pppd's
// start_networks/continue_networks gating, per spec.md section 4.8.
type Sequencer struct {
	log *log.Logger

	mu        sync.Mutex
	instances []*Instance
	ccp       *Instance // nil if CCP is not configured as a gate

	numOpen int
	numUp   int

	// NetworkUp is invoked once every required NCP has reached Opened.
	NetworkUp func()
	// NetworkDown is invoked when any required NCP that was up goes down.
	NetworkDown func()
	// NetworkAllFinished is invoked when numOpen returns to zero, i.e.
	// every NCP that was ever opened has finished negotiating (up, closed,
	// or given up) and none remain running. Per spec.md section 4.8,
	// np_finished decrements num_np_open and reaching 0 closes the link.
	NetworkAllFinished func()
}

// NewSequencer constructs a Sequencer bound to the given instances. If ccp
// is non-nil and Required, no other instance is opened until CCP reaches
// Opened or Closed/Stopped.
func NewSequencer(instances []*Instance, ccp *Instance, logger *log.Logger) *Sequencer {
	if logger == nil {
		logger = log.Default()
	}
	return &Sequencer{log: logger, instances: instances, ccp: ccp}
}

// StartNetworks opens every instance, honoring the CCP gate: if CCP is
// configured and required, only CCP is opened first; ContinueNetworks is
// then called by CCP's own Callbacks once CCP comes up (Up) or gives up
// (Finished).
func (s *Sequencer) StartNetworks() {
	if s.ccp != nil && s.ccp.Required {
		s.ccp.FSM.Open()
		return
	}
	s.ContinueNetworks()
}

// ContinueNetworks opens every non-CCP instance. Called directly by
// StartNetworks when there is no CCP gate, or by CCP's Callbacks once CCP
// comes up or finishes.
func (s *Sequencer) ContinueNetworks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst == s.ccp {
			continue
		}
		s.numOpen++
		inst.FSM.Open()
	}
}

// npUp is the per-instance Up() upcall target; call it from the
// instance's Callbacks.Up implementation.
func (s *Sequencer) npUp(inst *Instance) {
	inst.noteUp()
	s.mu.Lock()
	s.numUp++
	allUp := s.allRequiredUp()
	s.mu.Unlock()
	s.log.Printf("ncp: %v up", inst.Protocol)
	if allUp && s.NetworkUp != nil {
		s.NetworkUp()
	}
}

// npDown is the per-instance Down() upcall target.
func (s *Sequencer) npDown(inst *Instance) {
	inst.noteDown()
	s.mu.Lock()
	if s.numUp > 0 {
		s.numUp--
	}
	s.mu.Unlock()
	s.log.Printf("ncp: %v down", inst.Protocol)
	if inst.Required && s.NetworkDown != nil {
		s.NetworkDown()
	}
}

// npFinished is the per-instance Finished() upcall target, fired when an
// NCP's FSM finishes: after a terminate exchange, or after exhausting its
// retry budget.
func (s *Sequencer) npFinished(inst *Instance) {
	inst.noteFinished()
	s.log.Printf("ncp: %v finished negotiating", inst.Protocol)
	if inst == s.ccp {
		s.ContinueNetworks()
		return
	}
	s.mu.Lock()
	if s.numOpen > 0 {
		s.numOpen--
	}
	allFinished := s.numOpen == 0
	s.mu.Unlock()
	if allFinished && s.NetworkAllFinished != nil {
		s.NetworkAllFinished()
	}
}

// allRequiredUp reports whether every Instance marked Required is
// currently Opened. Caller must hold s.mu.
func (s *Sequencer) allRequiredUp() bool {
	for _, inst := range s.instances {
		if inst.Required && !inst.IsUp() {
			return false
		}
	}
	return true
}

// Callbacks adapts an Instance into fsm.Callbacks, delegating Up/Down/
// Finished to the owning Sequencer and everything else to an
// always-agreeable minimal option negotiation (spec.md section 6.8: full
// CCP/IPCP/IPv6CP option semantics are out of scope, so this accepts
// whatever the peer proposes).
type Callbacks struct {
	fsm.NoExtCode
	Seq      *Sequencer
	Instance *Instance
}

var _ fsm.Callbacks = (*Callbacks)(nil)

func (c *Callbacks) ResetCI(fsm.NegotiationStage)      {}
func (c *Callbacks) CILen() int                        { return 0 }
func (c *Callbacks) AddCI(buf []byte) []byte           { return buf }
func (c *Callbacks) AckCI(data []byte) bool            { return true }
func (c *Callbacks) NakCI(data []byte, _ bool) bool    { return true }
func (c *Callbacks) RejCI(data []byte) bool            { return true }

// ReqCI accepts any peer request verbatim; see the Instance doc for why
// this is sufficient for the NCP instances modeled here.
func (c *Callbacks) ReqCI(data []byte, _ bool) (wire.Code, []byte) {
	return wire.ConfigureAck, data
}

func (c *Callbacks) Up() {
	c.Seq.npUp(c.Instance)
	if c.Instance == c.Seq.ccp {
		c.Seq.ContinueNetworks()
	}
}

func (c *Callbacks) Down() {
	c.Seq.npDown(c.Instance)
}

func (c *Callbacks) Finished() {
	c.Seq.npFinished(c.Instance)
}

func (c *Callbacks) Starting() {}
