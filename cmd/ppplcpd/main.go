// Command ppplcpd is a flag-driven demonstration daemon that accepts a
// single PPP-over-TCP connection, negotiates LCP, optionally requires PAP
// authentication, and brings up an IPCP network-control instance, logging
// every phase transition. It exists to exercise the ppp/lcp/auth/ncp
// stack end to end; it is not a production PPP server (no multilink, no
// proxy-ARP, no accounting persistence, per spec.md section 1's
// non-goals).
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pppctl/lcpstack/auth"
	"github.com/pppctl/lcpstack/fsm"
	"github.com/pppctl/lcpstack/metrics"
	"github.com/pppctl/lcpstack/ncp"
	"github.com/pppctl/lcpstack/ppp"
	"github.com/pppctl/lcpstack/ppptimer"
	"github.com/pppctl/lcpstack/wire"
)

var (
	listenAddr    = flag.String("listen", ":1723", "Address to listen for a single PPP-over-TCP connection on.")
	requireAuth   = flag.Bool("require_auth", false, "If true, the peer must authenticate via PAP before reaching the network phase.")
	echoInterval  = flag.Duration("echo_interval", 10*time.Second, "Interval between LCP Echo-Requests once the link is up; 0 disables keepalive.")
	echoFails     = flag.Int("echo_fails", 3, "Consecutive missed echo replies before the peer is declared dead.")
	idleTimeout   = flag.Duration("idle_timeout", 0, "Tear down the link after this much inactivity; 0 disables it.")
	maxConnect    = flag.Duration("max_connect", 0, "Tear down the link unconditionally after this long; 0 disables it.")
)

// netConnFramer adapts a net.Conn into ppp.Framer, following the
// teacher's pattern of a thin struct wrapping the raw channel
// (ppp/pptp.greSession implementing io.ReadWriteCloser).
type netConnFramer struct {
	conn net.Conn
}

func (f *netConnFramer) Send(pppType layers.PPPType, payload []byte) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := gopacket.SerializeLayers(buf, opts,
		&layers.PPP{PPPType: pppType},
		gopacket.Payload(payload),
	); err != nil {
		return err
	}
	_, err := f.conn.Write(buf.Bytes())
	return err
}

func (f *netConnFramer) SendConfig(asyncmap uint32, pcomp, accomp bool) error { return nil }
func (f *netConnFramer) RecvConfig(asyncmap uint32, pcomp, accomp bool) error { return nil }
func (f *netConnFramer) SetMTU(mtu int) error                                 { return nil }

// newIPCPSequencer builds a single-NCP sequencer (IPCP only; CCP/IPv6CP
// are left for a caller that needs them) bound to framer via an
// fsm.Transport adapter, per spec.md section 4.8.
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

// ncpTransport adapts a ppp.Framer into fsm.Transport for one NCP
// protocol, building the 4-byte control header the way lcpTransport does
// for LCP itself.
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

func main() {
	flag.Parse()
	logger := log.Default()

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	logger.Printf("ppplcpd: listening on %s", *listenAddr)

	conn, err := ln.Accept()
	if err != nil {
		log.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewSet(reg)

	settings := ppp.NewSettings()
	settings.SetListenTime(0)
	settings.LCPEchoInterval = *echoInterval
	settings.LCPEchoFails = *echoFails
	settings.IdleTimeLimit = *idleTimeout
	settings.MaxConnect = *maxConnect
	if *requireAuth {
		settings.AuthRequired = true
		settings.RefuseCHAP = true
		settings.RefuseEAP = true
	}
	settings.SetNotifyPhaseCallback(func(p ppp.Phase) {
		logger.Printf("ppplcpd: phase -> %s", p)
	})

	framer := &netConnFramer{conn: conn}
	timer := &ppptimer.Real{}
	session := ppp.New(framer, conn, settings, timer, m, logger)

	if *requireAuth {
		session.SetAuthProviders(auth.PAPPeer, auth.Providers{
			PAPPeer: denyAllPAP{},
		})
	}

	ipcpSeq, ipcpInstances := newIPCPSequencer(framer, timer, logger)
	session.SetNCPs(ipcpInstances, ipcpSeq)

	if err := session.Run(); err != nil {
		log.Fatalf("ppplcpd: session ended with error: %v", err)
	}
	logger.Printf("ppplcpd: session ended (error code %v)", session.Err())
}

// denyAllPAP is a placeholder PeerAuthenticator: real PAP credential
// verification is out of scope (spec.md section 1 excludes crypto inside
// PAP/CHAP/EAP and a server-mode secret database), so this demo refuses
// every login attempt rather than pretending to check one.
type denyAllPAP struct{}

func (denyAllPAP) AuthenticatePeer(ctx context.Context) (bool, error) {
	return false, nil
}
