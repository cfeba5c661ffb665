package ppp

import (
	"errors"
	"time"
)

// ErrNotDead is returned by every Settings setter once the owning Session
// has left PhaseDead, per spec.md section 3: link parameters may only be
// changed before negotiation starts.
var ErrNotDead = errors.New("ppp: settings can only be changed in the dead phase")

// NotifyPhaseFunc is invoked whenever a Session's phase changes.
type NotifyPhaseFunc func(Phase)

// NetifStatusFunc is invoked when a network-protocol instance's up/down
// status changes at the netif level (e.g. IPCP bringing IPv4 up).
type NetifStatusFunc func(up bool)

// NetifLinkFunc is invoked on LCP link up/down, independent of any NCP.
type NetifLinkFunc func(up bool)

// Settings holds the session-configuration surface of spec.md section 3,
// translated into Go naming. The MS-CHAP refusals, usepeerdns, persist,
// noremoteip, lax_recv and noendpoint settings are not carried.
type Settings struct {
	AuthRequired bool
	NullLogin    bool
	User         string
	Passwd       string
	RefusePAP    bool
	RefuseCHAP   bool
	RefuseEAP    bool

	ListenTime     time.Duration
	IdleTimeLimit  time.Duration
	MaxConnect     time.Duration

	PAPTimeout      time.Duration
	PAPMaxTransmits int
	PAPReqTimeout   time.Duration

	CHAPTimeoutTime     time.Duration
	CHAPMaxTransmits    int
	CHAPRechallengeTime time.Duration

	EAPReqTime      time.Duration
	EAPAllowReq     bool
	EAPTimeoutTime  time.Duration
	EAPMaxTransmits int

	FSMTimeoutTime         time.Duration
	FSMMaxConfReqTransmits int
	FSMMaxTermTransmits    int
	FSMMaxNakLoops         int

	LCPLoopbackFail int
	LCPEchoInterval time.Duration
	LCPEchoFails    int
	LCPEchoAdaptive bool

	Passive       bool
	Silent        bool
	NegPComp      bool
	NegACComp     bool
	NegAsyncmap   bool
	Asyncmap      uint32

	MPPERequired bool

	notifyPhase  NotifyPhaseFunc
	netifStatus  NetifStatusFunc
	netifLink    NetifLinkFunc

	phase func() Phase // bound by Session at construction
}

// bindPhase lets Session supply its own phase-reader without Settings
// importing Session, avoiding an import cycle.
func (s *Settings) bindPhase(f func() Phase) { s.phase = f }

func (s *Settings) requireDead() error {
	if s.phase != nil && s.phase() != PhaseDead {
		return ErrNotDead
	}
	return nil
}

func (s *Settings) SetAuth(required, nullLogin bool, user, passwd string) error {
	if err := s.requireDead(); err != nil {
		return err
	}
	s.AuthRequired, s.NullLogin, s.User, s.Passwd = required, nullLogin, user, passwd
	return nil
}

func (s *Settings) SetMPPE(required bool) error {
	if err := s.requireDead(); err != nil {
		return err
	}
	s.MPPERequired = required
	return nil
}

func (s *Settings) SetListenTime(d time.Duration) error {
	if err := s.requireDead(); err != nil {
		return err
	}
	s.ListenTime = d
	return nil
}

func (s *Settings) SetPassive(v bool) error {
	if err := s.requireDead(); err != nil {
		return err
	}
	s.Passive = v
	return nil
}

func (s *Settings) SetSilent(v bool) error {
	if err := s.requireDead(); err != nil {
		return err
	}
	s.Silent = v
	return nil
}

func (s *Settings) SetNegPComp(v bool) error {
	if err := s.requireDead(); err != nil {
		return err
	}
	s.NegPComp = v
	return nil
}

func (s *Settings) SetNegACComp(v bool) error {
	if err := s.requireDead(); err != nil {
		return err
	}
	s.NegACComp = v
	return nil
}

func (s *Settings) SetNegAsyncmap(v bool) error {
	if err := s.requireDead(); err != nil {
		return err
	}
	s.NegAsyncmap = v
	return nil
}

func (s *Settings) SetAsyncmap(v uint32) error {
	if err := s.requireDead(); err != nil {
		return err
	}
	s.Asyncmap = v
	return nil
}

func (s *Settings) SetNotifyPhaseCallback(f NotifyPhaseFunc) error {
	if err := s.requireDead(); err != nil {
		return err
	}
	s.notifyPhase = f
	return nil
}

func (s *Settings) SetNetifStatusCallback(f NetifStatusFunc) error {
	if err := s.requireDead(); err != nil {
		return err
	}
	s.netifStatus = f
	return nil
}

func (s *Settings) SetNetifLinkCallback(f NetifLinkFunc) error {
	if err := s.requireDead(); err != nil {
		return err
	}
	s.netifLink = f
	return nil
}

// NewSettings returns a Settings with the defaults spec.md section 3
// describes: authentication not required, default FSM timing, echo
// disabled until explicitly configured.
func NewSettings() *Settings {
	return &Settings{
		ListenTime:             0,
		FSMTimeoutTime:         3 * time.Second,
		FSMMaxConfReqTransmits: 10,
		FSMMaxTermTransmits:    2,
		FSMMaxNakLoops:         5,
		LCPLoopbackFail:        10,
		NegAsyncmap:            true,
		Asyncmap:               0xFFFFFFFF,
	}
}
