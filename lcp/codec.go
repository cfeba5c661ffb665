package lcp

import (
	"encoding/binary"

	"github.com/pppctl/lcpstack/wire"
)

// decodeOptions parses a Configure-* payload (as produced by
// wire.ConfigureData.MarshalBinary) back into a slice of options.
func decodeOptions(raw []byte) ([]wire.Option, error) {
	cd := &wire.ConfigureData{}
	if err := cd.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return cd.Options, nil
}

func encodeOptions(opts []wire.Option) []byte {
	cd := &wire.ConfigureData{Options: opts}
	buf, _ := cd.MarshalBinary()
	return buf
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// authOptionValue builds the Authentication-Type option value for the given
// protocol, appending a CHAP digest byte when applicable.
func authOptionValue(proto uint16, digest uint8) []byte {
	v := u16(proto)
	if proto == AuthCHAP {
		v = append(v, digest)
	}
	return v
}

// --- AddCI: build our Configure-Request payload, per spec.md section 4.4 ---

// AddCI serializes the current Got options into canonical order (MRU,
// ASYNCMAP, AUTHTYPE, QUALITY, CALLBACK, MAGIC, PCOMP, ACCOMP, MRRU, SSNHF,
// EPDISC), suppressing options that are disabled or equal to the protocol
// default. The resulting option list is cached so that AckCI/RejCI can
// verify the peer echoed it back unchanged, in order.
func (l *LCP) AddCI(buf []byte) []byte {
	o := l.Got
	opts := []wire.Option{}

	if o.NegMRU && o.MRU != defaultMRU {
		opts = append(opts, wire.Option{Type: wire.OptionMRU, Data: u16(o.MRU)})
	}
	if o.NegAsyncmap && o.Asyncmap != defaultAsyncmap {
		opts = append(opts, wire.Option{Type: wire.OptionAsyncmap, Data: u32(o.Asyncmap)})
	}
	if proto, digest, ok := o.preferredAuth(); ok {
		opts = append(opts, wire.Option{Type: wire.OptionAuthType, Data: authOptionValue(proto, digest)})
	}
	if o.NegLQR {
		v := append(u16(0xC025), u32(o.LQRPeriod)...)
		opts = append(opts, wire.Option{Type: wire.OptionQuality, Data: v})
	}
	if o.NegCallback {
		opts = append(opts, wire.Option{Type: wire.OptionCallback, Data: []byte{o.CallbackOp}})
	}
	if o.NegMagicNumber {
		opts = append(opts, wire.Option{Type: wire.OptionMagicNumber, Data: u32(o.MagicNumber)})
	}
	if o.NegPCompression {
		opts = append(opts, wire.Option{Type: wire.OptionProtocolFieldCompression})
	}
	if o.NegACCompression {
		opts = append(opts, wire.Option{Type: wire.OptionAddressControlCompression})
	}
	if o.NegMRRU {
		opts = append(opts, wire.Option{Type: wire.OptionMRRU, Data: u16(o.MRRU)})
	}
	if o.NegSSNHF {
		opts = append(opts, wire.Option{Type: wire.OptionSSNHF})
	}
	if o.NegEndpoint {
		v := append([]byte{byte(o.EndpointClass)}, o.EndpointAddr...)
		opts = append(opts, wire.Option{Type: wire.OptionEndpoint, Data: v})
	}

	l.lastSentOptions = opts
	return append(buf, encodeOptions(opts)...)
}

// findSent returns the index of the option of type t in lastSentOptions at
// or after from, or -1 if absent.
func (l *LCP) findSent(t wire.OptionType, from int) int {
	for i := from; i < len(l.lastSentOptions); i++ {
		if l.lastSentOptions[i].Type == t {
			return i
		}
	}
	return -1
}

// --- AckCI ---

// AckCI verifies the peer echoed back an exact, same-order copy of what we
// sent, per spec.md section 4.4's round-trip invariant.
func (l *LCP) AckCI(data []byte) bool {
	opts, err := decodeOptions(data)
	if err != nil {
		return false
	}
	if len(opts) != len(l.lastSentOptions) {
		return false
	}
	for i, opt := range opts {
		want := l.lastSentOptions[i]
		if opt.Type != want.Type || !bytesEqual(opt.Data, want.Data) {
			return false
		}
	}
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- NakCI ---

// NakCI concedes towards the peer's hints for each naked option, per the
// per-option rules enumerated in spec.md section 4.4. It returns false
// ("bad nak", dropped entirely) if the options are out of the order we
// sent them in, or reference an option we never sent.
func (l *LCP) NakCI(data []byte, treatAsReject bool) bool {
	opts, err := decodeOptions(data)
	if err != nil {
		return false
	}
	cursor := 0
	for _, opt := range opts {
		idx := l.findSent(opt.Type, cursor)
		if idx < 0 {
			// Option we never offered, or out of order: bad nak.
			return false
		}
		cursor = idx + 1
		if !l.concede(opt, treatAsReject) {
			return false
		}
	}
	return true
}

// concede applies one peer NAK hint to Got, per spec.md section 4.4.
func (l *LCP) concede(opt wire.Option, treatAsReject bool) bool {
	o := l.Got
	switch opt.Type {
	case wire.OptionMRU:
		if len(opt.Data) < 2 {
			return false
		}
		v := binary.BigEndian.Uint16(opt.Data)
		max := o.MRU
		if defaultMRU > max {
			max = defaultMRU
		}
		if v <= max {
			o.MRU = v
			o.NegMRU = true
		}
	case wire.OptionAsyncmap:
		if len(opt.Data) < 4 {
			return false
		}
		o.Asyncmap |= binary.BigEndian.Uint32(opt.Data)
		o.NegAsyncmap = true
	case wire.OptionAuthType:
		l.concedeAuth(opt.Data)
	case wire.OptionQuality:
		if len(opt.Data) < 2 {
			return false
		}
		proto := binary.BigEndian.Uint16(opt.Data)
		if proto != 0xC025 {
			o.NegLQR = false
		} else if len(opt.Data) >= 6 {
			o.LQRPeriod = binary.BigEndian.Uint32(opt.Data[2:6])
		}
	case wire.OptionCallback:
		o.NegCallback = false
	case wire.OptionMagicNumber:
		o.MagicNumber = l.gen.Number()
		o.NumLoops++
		if l.cfg.LoopbackFail > 0 && int(o.NumLoops) >= l.cfg.LoopbackFail {
			l.hooks.LoopbackDetected()
			l.Close("Loopback detected")
		}
	case wire.OptionProtocolFieldCompression, wire.OptionAddressControlCompression,
		wire.OptionSSNHF, wire.OptionEndpoint:
		// Illegal to NAK these; treat as REJ per spec.md section 4.4.
		return l.rejectOption(opt.Type)
	case wire.OptionMRRU:
		if len(opt.Data) < 2 {
			return false
		}
		v := binary.BigEndian.Uint16(opt.Data)
		if v <= o.MRRU {
			o.MRRU = v
		} else if treatAsReject {
			o.NegMRRU = false
		}
	default:
		// Unknown trailing option.
		return false
	}
	return true
}

// concedeAuth implements the AUTHTYPE NAK rules of spec.md section 4.4.
func (l *LCP) concedeAuth(data []byte) {
	o := l.Got
	if len(data) < 2 {
		return
	}
	proto := binary.BigEndian.Uint16(data[:2])
	switch proto {
	case AuthPAP:
		// Peer wants PAP; drop anything stronger we were asking for.
		o.NegEAP = false
		o.NegChap = false
		o.ChapDigests = nil
	case AuthCHAP:
		if len(data) >= 3 {
			digest := data[2]
			if o.hasChapDigest(digest) {
				// Peer wants a digest we already support: promote it.
				o.dropChapDigest(digest)
				o.ChapDigests = append([]uint8{digest}, o.ChapDigests...)
			} else {
				// Fall back to our next-preferred digest, if any.
				if len(o.ChapDigests) > 0 {
					o.ChapDigests = o.ChapDigests[1:]
				}
				if len(o.ChapDigests) == 0 {
					o.NegChap = false
				}
			}
		}
	case AuthEAP:
		// "Unexpected Conf-Nak for EAP": logged but disabled
		// unconditionally. spec.md section 9's documented Open Question —
		// preserved here even though it is unusual.
		l.log.Printf("lcp: unexpected Conf-Nak for EAP")
		o.NegEAP = false
	default:
		if o.NegUpap {
			o.NegUpap = false
		}
	}
}

// rejectOption disables an option in Got, used both by RejCI and by NakCI
// for options where a NAK is illegal (treated as REJ instead).
func (l *LCP) rejectOption(t wire.OptionType) bool {
	o := l.Got
	switch t {
	case wire.OptionMRU:
		o.NegMRU = false
	case wire.OptionAsyncmap:
		o.NegAsyncmap = false
	case wire.OptionQuality:
		o.NegLQR = false
	case wire.OptionCallback:
		o.NegCallback = false
	case wire.OptionProtocolFieldCompression:
		o.NegPCompression = false
	case wire.OptionAddressControlCompression:
		o.NegACCompression = false
	case wire.OptionMRRU:
		o.NegMRRU = false
	case wire.OptionSSNHF:
		o.NegSSNHF = false
	case wire.OptionEndpoint:
		o.NegEndpoint = false
	case wire.OptionAuthType:
		o.NegEAP = false
		o.NegChap = false
		o.ChapDigests = nil
		o.NegUpap = false
	case wire.OptionMagicNumber:
		o.NegMagicNumber = false
	}
	return true
}

// --- RejCI ---

// RejCI processes a Configure-Reject: the same strict-order rule as
// AckCI applies, and the rejected option's value must still equal what we
// sent; each rejected option is then disabled for the next round.
func (l *LCP) RejCI(data []byte) bool {
	opts, err := decodeOptions(data)
	if err != nil {
		return false
	}
	cursor := 0
	for _, opt := range opts {
		idx := l.findSent(opt.Type, cursor)
		if idx < 0 {
			return false
		}
		if !bytesEqual(opt.Data, l.lastSentOptions[idx].Data) {
			return false
		}
		cursor = idx + 1
		l.rejectOption(opt.Type)
	}
	return true
}
