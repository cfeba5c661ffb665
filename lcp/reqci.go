package lcp

import (
	"encoding/binary"

	"github.com/pppctl/lcpstack/wire"
)

// ReqCI evaluates the peer's Configure-Request against Allow, producing an
// ACK/NAK/REJ decision per option as described in spec.md section 4.4:
//   - REJ takes precedence over NAK; if any option is rejected, no ACK is
//     returned for the round (but every option is still evaluated, so all
//     REJ-worthy options are reported together).
//   - NAK and REJ never coexist: if both would occur, only the REJ list is
//     sent and any NAKs are dropped.
//   - When rejectIfDisagree is set (after the nak-loop cap), every would-be
//     NAK of a non-MAGIC option is escalated to a REJ.
func (l *LCP) ReqCI(data []byte, rejectIfDisagree bool) (wire.Code, []byte) {
	l.negotiatedHisOptions = &OptionSet{}

	opts, err := decodeOptions(data)
	if err != nil {
		// Malformed packet: drop silently per spec.md section 4.2. There is
		// no good synchronous way to "not reply" through this interface, so
		// we reject nothing and ack nothing; the FSM caller only consults
		// this when the packet decoded far enough to dispatch, so in
		// practice this path is unreachable.
		return wire.ConfigureAck, nil
	}

	var acc, nak, rej []wire.Option
	authSeen := false

	for _, opt := range opts {
		switch opt.Type {
		case wire.OptionMRU:
			if len(opt.Data) < 2 {
				rej = append(rej, opt)
				continue
			}
			v := binary.BigEndian.Uint16(opt.Data)
			if v < minimumMRU {
				nak = append(nak, wire.Option{Type: opt.Type, Data: u16(minimumMRU)})
				continue
			}
			l.negotiatedHisOptions.MRU = v
			l.negotiatedHisOptions.NegMRU = true
			acc = append(acc, opt)

		case wire.OptionAsyncmap:
			if len(opt.Data) < 4 {
				rej = append(rej, opt)
				continue
			}
			l.negotiatedHisOptions.Asyncmap = binary.BigEndian.Uint32(opt.Data)
			l.negotiatedHisOptions.NegAsyncmap = true
			acc = append(acc, opt)

		case wire.OptionAuthType:
			if authSeen || len(opt.Data) < 2 {
				rej = append(rej, opt)
				continue
			}
			authSeen = true
			code, suggestion, accepted := l.evaluateAuthRequest(opt.Data)
			switch code {
			case wire.ConfigureAck:
				acc = append(acc, opt)
				switch accepted {
				case AuthPAP:
					l.negotiatedHisOptions.NegUpap = true
				case AuthCHAP:
					l.negotiatedHisOptions.NegChap = true
					if len(opt.Data) >= 3 {
						l.negotiatedHisOptions.ChapDigests = []uint8{opt.Data[2]}
					}
				case AuthEAP:
					l.negotiatedHisOptions.NegEAP = true
				}
			case wire.ConfigureNak:
				nak = append(nak, wire.Option{Type: opt.Type, Data: suggestion})
			default:
				rej = append(rej, opt)
			}

		case wire.OptionQuality:
			if !l.Allow.NegLQR {
				rej = append(rej, opt)
				continue
			}
			acc = append(acc, opt)

		case wire.OptionMagicNumber:
			if len(opt.Data) < 4 {
				rej = append(rej, opt)
				continue
			}
			v := binary.BigEndian.Uint32(opt.Data)
			if l.Got.NegMagicNumber && v == l.Got.MagicNumber {
				// Loopback evidence: the peer echoed our own magic.
				// MAGIC naks are never escalated to REJ (spec.md section
				// 4.4).
				nak = append(nak, wire.Option{Type: opt.Type, Data: u32(l.gen.Number())})
				continue
			}
			l.negotiatedHisOptions.MagicNumber = v
			acc = append(acc, opt)

		case wire.OptionProtocolFieldCompression:
			if !l.Allow.NegPCompression {
				rej = append(rej, opt)
				continue
			}
			acc = append(acc, opt)

		case wire.OptionAddressControlCompression:
			if !l.Allow.NegACCompression {
				rej = append(rej, opt)
				continue
			}
			acc = append(acc, opt)

		case wire.OptionCallback:
			if !l.Allow.NegCallback {
				rej = append(rej, opt)
				continue
			}
			acc = append(acc, opt)

		case wire.OptionMRRU:
			if len(opt.Data) < 2 {
				rej = append(rej, opt)
				continue
			}
			v := binary.BigEndian.Uint16(opt.Data)
			if !l.Allow.NegMRRU {
				rej = append(rej, opt)
				continue
			}
			if v > l.Allow.MRRU {
				nak = append(nak, wire.Option{Type: opt.Type, Data: u16(l.Allow.MRRU)})
				continue
			}
			acc = append(acc, opt)

		case wire.OptionSSNHF:
			if !l.Allow.NegSSNHF {
				rej = append(rej, opt)
				continue
			}
			acc = append(acc, opt)

		case wire.OptionEndpoint:
			if !l.Allow.NegEndpoint || len(opt.Data) < 1 {
				rej = append(rej, opt)
				continue
			}
			acc = append(acc, opt)

		default:
			rej = append(rej, opt)
		}
	}

	if rejectIfDisagree && len(nak) > 0 {
		for _, n := range nak {
			if n.Type == wire.OptionMagicNumber {
				continue
			}
			// Escalate: reject the peer's original value, not our
			// suggestion.
			rej = append(rej, findOriginal(opts, n.Type))
		}
		kept := nak[:0]
		for _, n := range nak {
			if n.Type == wire.OptionMagicNumber {
				kept = append(kept, n)
			}
		}
		nak = kept
	}

	switch {
	case len(rej) > 0:
		return wire.ConfigureReject, encodeOptions(rej)
	case len(nak) > 0:
		return wire.ConfigureNak, encodeOptions(nak)
	default:
		return wire.ConfigureAck, encodeOptions(acc)
	}
}

func findOriginal(opts []wire.Option, t wire.OptionType) wire.Option {
	for _, o := range opts {
		if o.Type == t {
			return o
		}
	}
	return wire.Option{Type: t}
}

// evaluateAuthRequest decides ACK/NAK/REJ for a peer-proposed
// Authentication-Type option, per spec.md section 4.4: accept at most one
// method per request; a CHAP digest in our allowed set is ACKed, and one
// outside it is NAKed with a counter-proposal of our most preferred
// allowed digest.
func (l *LCP) evaluateAuthRequest(data []byte) (code wire.Code, suggestion []byte, accepted uint16) {
	proto := binary.BigEndian.Uint16(data[:2])
	switch proto {
	case AuthPAP:
		if !l.Allow.NegUpap {
			return wire.ConfigureReject, nil, 0
		}
		return wire.ConfigureAck, nil, proto
	case AuthCHAP:
		if !l.Allow.NegChap || len(l.Allow.ChapDigests) == 0 {
			return wire.ConfigureReject, nil, 0
		}
		if len(data) < 3 {
			return wire.ConfigureReject, nil, 0
		}
		digest := data[2]
		if l.Allow.hasChapDigest(digest) {
			return wire.ConfigureAck, nil, proto
		}
		return wire.ConfigureNak, authOptionValue(AuthCHAP, l.Allow.ChapDigests[0]), 0
	case AuthEAP:
		if !l.Allow.NegEAP {
			return wire.ConfigureReject, nil, 0
		}
		return wire.ConfigureAck, nil, proto
	default:
		return wire.ConfigureReject, nil, 0
	}
}
