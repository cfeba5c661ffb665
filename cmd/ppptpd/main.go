// Command ppptpd is a PPTP-over-GRE variant of ppplcpd: it accepts PPTP
// control connections, negotiates the RFC 2637 call setup, and for each
// call drives this module's LCP/auth/NCP stack over the resulting GRE
// tunnel instead of a plain TCP byte stream. It shares ppplcpd's demo-only
// scope (no secret database, no accounting persistence).
package main

import (
	"flag"
	"log"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pppctl/lcpstack/fsm"
	"github.com/pppctl/lcpstack/metrics"
	"github.com/pppctl/lcpstack/ncp"
	"github.com/pppctl/lcpstack/ppp"
	"github.com/pppctl/lcpstack/ppp/pptp"
	"github.com/pppctl/lcpstack/ppptimer"
	"github.com/pppctl/lcpstack/wire"
)

var (
	echoInterval = flag.Duration("echo_interval", 10*time.Second, "Interval between LCP Echo-Requests once the link is up; 0 disables keepalive.")
	echoFails    = flag.Int("echo_fails", 3, "Consecutive missed echo replies before the peer is declared dead.")
)

// ncpTransport adapts a ppp.Framer into fsm.Transport for one NCP protocol
// over the GRE channel, building the 4-byte control header manually the
// same way ppplcpd's ncpTransport does for a plain TCP channel.
type ncpTransport struct {
	framer ppp.Framer
	proto  layers.PPPType
}

func (t *ncpTransport) Send(code wire.Code, id uint8, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	buf[0] = byte(code)
	buf[1] = id
	buf[2] = byte((4 + len(payload)) >> 8)
	buf[3] = byte(4 + len(payload))
	copy(buf[4:], payload)
	return t.framer.Send(t.proto, buf)
}

func newIPCPSequencer(framer ppp.Framer, timer ppptimer.Timer, logger *log.Logger) (*ncp.Sequencer, []*ncp.Instance) {
	ipcp := &ncp.Instance{Protocol: wire.ProtocolIPCP, Required: true}
	instances := []*ncp.Instance{ipcp}
	seq := ncp.NewSequencer(instances, nil, logger)
	ipcp.FSM = fsm.New(wire.ProtocolIPCP, &ncp.Callbacks{Seq: seq, Instance: ipcp}, &ncpTransport{framer: framer, proto: wire.ProtocolIPCP}, timer, fsm.Limits{
		TimeoutMS:         3000,
		MaxConfReqRetries: 10,
		MaxTermReqRetries: 2,
		MaxNakLoops:       5,
	}, logger)
	return seq, instances
}

func main() {
	flag.Parse()
	logger := log.Default()
	reg := prometheus.NewRegistry()
	m := metrics.NewSet(reg)

	factory := func(gre *pptp.GRESession) pptp.Runner {
		framer := &pptp.Framer{Session: gre}
		settings := ppp.NewSettings()
		settings.LCPEchoInterval = *echoInterval
		settings.LCPEchoFails = *echoFails
		settings.SetNotifyPhaseCallback(func(p ppp.Phase) {
			logger.Printf("ppptpd: phase -> %s", p)
		})

		timer := &ppptimer.Real{}
		session := ppp.New(framer, gre, settings, timer, m, logger)

		seq, instances := newIPCPSequencer(framer, timer, logger)
		session.SetNCPs(instances, seq)
		return session
	}

	srv, err := pptp.NewServer(factory, logger)
	if err != nil {
		log.Fatalf("ppptpd: %v", err)
	}
	logger.Printf("ppptpd: listening for PPTP control connections")
	srv.Run()
}
