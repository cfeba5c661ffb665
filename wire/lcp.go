// Package wire implements the on-the-wire framing shared by LCP and the
// other PPP control protocols (CCP, IPCP, IPv6CP) that reuse its message
// format with a different option vocabulary. It is built as a gopacket
// Layer, following the same approach as the teacher's pptp/lcp package.
package wire

import (
	"encoding"
	"encoding/binary"
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Dialect distinguishes the option vocabulary of the protocol that is
// reusing this message format: LCP itself, or one of the NCPs that are
// negotiated the same way after authentication.
type Dialect uint8

const (
	DialectLCP Dialect = iota
	DialectCCP
	DialectIPCP
	DialectIPv6CP
)

// PPP protocol numbers, per spec.md section 6.
const (
	ProtocolLCP    = layers.PPPType(0xC021)
	ProtocolPAP    = layers.PPPType(0xC023)
	ProtocolCHAP   = layers.PPPType(0xC223)
	ProtocolEAP    = layers.PPPType(0xC227)
	ProtocolCCP    = layers.PPPType(0x80FD)
	ProtocolIPCP   = layers.PPPType(0x8021)
	ProtocolIPv6CP = layers.PPPType(0x8057)
	ProtocolIPv4   = layers.PPPType(0x0021)
	ProtocolIPv6   = layers.PPPType(0x0057)
)

// dialectOf maps a control protocol number onto the option dialect that
// decodes its Configure-* payload.
func dialectOf(p layers.PPPType) Dialect {
	switch p {
	case ProtocolCCP:
		return DialectCCP
	case ProtocolIPCP:
		return DialectIPCP
	case ProtocolIPv6CP:
		return DialectIPv6CP
	default:
		return DialectLCP
	}
}

var (
	// ErrMessageTooShort is returned when a packet is truncated relative to
	// its own length field, or shorter than the fixed header.
	ErrMessageTooShort = errors.New("ppp control message too short")

	// ErrOptionMalformed is returned when an option's length field is
	// inconsistent with the remaining bytes in the message; such packets
	// are dropped silently by callers per spec.md section 4.2.
	ErrOptionMalformed = errors.New("ppp control option malformed")
)

var LayerTypeLCP = gopacket.RegisterLayerType(1818, gopacket.LayerTypeMetadata{
	Name:    "LCP",
	Decoder: gopacket.DecodeFunc(decodeLCP),
})

// OptionType uniquely identifies a configuration option, qualified by the
// dialect it belongs to (several dialects reuse the same numeric type IDs
// for unrelated options).
type OptionType struct {
	Dialect Dialect
	TypeID  uint8
}

// LCP option type IDs, per spec.md section 4.4.
const (
	OptMRU           uint8 = 1
	OptAsyncmap      uint8 = 2
	OptAuthType      uint8 = 3
	OptQuality       uint8 = 4
	OptMagicNumber   uint8 = 5
	OptPCompression  uint8 = 7
	OptACCompression uint8 = 8
	OptCallback      uint8 = 13
	OptMRRU          uint8 = 17
	OptSSNHF         uint8 = 18
	OptEndpoint      uint8 = 19
)

var (
	OptionMRU                       = OptionType{DialectLCP, OptMRU}
	OptionAsyncmap                  = OptionType{DialectLCP, OptAsyncmap}
	OptionAuthType                  = OptionType{DialectLCP, OptAuthType}
	OptionQuality                   = OptionType{DialectLCP, OptQuality}
	OptionMagicNumber               = OptionType{DialectLCP, OptMagicNumber}
	OptionProtocolFieldCompression  = OptionType{DialectLCP, OptPCompression}
	OptionAddressControlCompression = OptionType{DialectLCP, OptACCompression}
	OptionCallback                  = OptionType{DialectLCP, OptCallback}
	OptionMRRU                      = OptionType{DialectLCP, OptMRRU}
	OptionSSNHF                     = OptionType{DialectLCP, OptSSNHF}
	OptionEndpoint                  = OptionType{DialectLCP, OptEndpoint}
)

// Option is a single decoded TLV from a Configure-* payload.
type Option struct {
	Type OptionType
	Data []byte
}

// Code is the one-byte message code in the control-protocol header.
type Code uint8

const (
	ConfigureRequest Code = iota + 1
	ConfigureAck
	ConfigureNak
	ConfigureReject
	TerminateRequest
	TerminateAck
	CodeReject
	ProtocolReject // LCP only
	EchoRequest    // LCP only
	EchoReply      // LCP only
	DiscardRequest // LCP only
	Identification // LCP only
	TimeRemaining  // LCP only
)

// Data specifies the interface implemented by the per-message-type payload
// types below.
type Data interface {
	encoding.BinaryUnmarshaler
	encoding.BinaryMarshaler
}

// ConfigureData is the payload of Configure-Request/Ack/Nak/Reject: a list
// of options in on-wire order.
type ConfigureData struct {
	dialect Dialect
	Options []Option
}

func (d *ConfigureData) UnmarshalBinary(data []byte) error {
	result := []Option{}
	for len(data) > 0 {
		if len(data) < 2 {
			return ErrOptionMalformed
		}
		optLen := int(data[1])
		if optLen < 2 || optLen > len(data) {
			return ErrOptionMalformed
		}
		result = append(result, Option{
			Type: OptionType{d.dialect, data[0]},
			Data: append([]byte{}, data[2:optLen]...),
		})
		data = data[optLen:]
	}
	d.Options = result
	return nil
}

func (d *ConfigureData) MarshalBinary() ([]byte, error) {
	buf := []byte{}
	for _, opt := range d.Options {
		buf = append(buf, opt.Type.TypeID, byte(len(opt.Data)+2))
		buf = append(buf, opt.Data...)
	}
	return buf, nil
}

// TerminateData is the (free-form, often empty) payload of
// Terminate-Request/Ack.
type TerminateData struct {
	Data []byte
}

func (d *TerminateData) UnmarshalBinary(data []byte) error {
	d.Data = append([]byte{}, data...)
	return nil
}

func (d *TerminateData) MarshalBinary() ([]byte, error) {
	return append([]byte{}, d.Data...), nil
}

// CodeRejectData is the payload of Code-Reject: the rejected packet, as
// received, verbatim.
type CodeRejectData struct {
	RejectedPacket []byte
}

func (d *CodeRejectData) UnmarshalBinary(data []byte) error {
	d.RejectedPacket = append([]byte{}, data...)
	return nil
}

func (d *CodeRejectData) MarshalBinary() ([]byte, error) {
	return append([]byte{}, d.RejectedPacket...), nil
}

// ProtocolRejectData is the payload of Protocol-Reject: the PPP protocol
// number that was not recognized, plus the rejected frame's payload.
type ProtocolRejectData struct {
	PPPType layers.PPPType
	Data    []byte
}

func (d *ProtocolRejectData) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return ErrMessageTooShort
	}
	d.PPPType = layers.PPPType(binary.BigEndian.Uint16(data[:2]))
	d.Data = append([]byte{}, data[2:]...)
	return nil
}

func (d *ProtocolRejectData) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 2+len(d.Data))
	binary.BigEndian.PutUint16(buf[:2], uint16(d.PPPType))
	copy(buf[2:], d.Data)
	return buf, nil
}

// EchoData is the payload of Echo-Request/Reply/Discard-Request: a magic
// number followed by free-form data.
type EchoData struct {
	MagicNumber uint32
	Data        []byte
}

func (d *EchoData) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return ErrMessageTooShort
	}
	d.MagicNumber = binary.BigEndian.Uint32(data[:4])
	d.Data = append([]byte{}, data[4:]...)
	return nil
}

func (d *EchoData) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4+len(d.Data))
	binary.BigEndian.PutUint32(buf[:4], d.MagicNumber)
	copy(buf[4:], d.Data)
	return buf, nil
}

// baseMessage is the common 4-byte header (code, identifier, length) shared
// by every control protocol that reuses this format.
type baseMessage struct {
	layers.BaseLayer
	dialect    Dialect
	Code       Code
	Identifier uint8
	Payload    Data
}

func (m *baseMessage) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return ErrMessageTooShort
	}
	m.Code = Code(data[0])
	m.Identifier = data[1]
	lenField := binary.BigEndian.Uint16(data[2:4])
	if int(lenField) > len(data) || lenField < 4 {
		return ErrMessageTooShort
	}
	body := data[4:lenField]

	switch m.Code {
	case ConfigureRequest, ConfigureAck, ConfigureNak, ConfigureReject:
		m.Payload = &ConfigureData{dialect: m.dialect}
	case TerminateRequest, TerminateAck:
		m.Payload = &TerminateData{}
	case CodeReject:
		m.Payload = &CodeRejectData{}
	case ProtocolReject:
		m.Payload = &ProtocolRejectData{}
	case EchoRequest, EchoReply, DiscardRequest:
		m.Payload = &EchoData{}
	default:
		m.Payload = &TerminateData{} // unknown extended code: keep raw bytes
	}
	if err := m.Payload.UnmarshalBinary(body); err != nil {
		return err
	}
	m.BaseLayer = layers.BaseLayer{Contents: data[:lenField], Payload: nil}
	return nil
}

// MarshalBinary renders the message back onto the wire: 4-byte header
// followed by the type-specific payload.
func (m *baseMessage) MarshalBinary() ([]byte, error) {
	var body []byte
	if m.Payload != nil {
		b, err := m.Payload.MarshalBinary()
		if err != nil {
			return nil, err
		}
		body = b
	}
	buf := make([]byte, 4+len(body))
	buf[0] = byte(m.Code)
	buf[1] = m.Identifier
	binary.BigEndian.PutUint16(buf[2:4], uint16(4+len(body)))
	copy(buf[4:], body)
	return buf, nil
}

// LCP is a gopacket layer for the Link Control Protocol (and, via its
// dialect field, for the NCPs that share its wire format).
type LCP struct {
	baseMessage
}

func (l *LCP) LayerType() gopacket.LayerType { return LayerTypeLCP }

// NewConfigure builds a Configure-Request/Ack/Nak/Reject message.
func NewConfigure(code Code, id uint8, dialect Dialect, opts []Option) *LCP {
	return &LCP{baseMessage{
		dialect:    dialect,
		Code:       code,
		Identifier: id,
		Payload:    &ConfigureData{dialect: dialect, Options: opts},
	}}
}

// NewTerminate builds a Terminate-Request/Ack message.
func NewTerminate(code Code, id uint8, data []byte) *LCP {
	return &LCP{baseMessage{
		Code:       code,
		Identifier: id,
		Payload:    &TerminateData{Data: data},
	}}
}

// NewEcho builds an Echo-Request/Reply/Discard-Request message.
func NewEcho(code Code, id uint8, magic uint32, data []byte) *LCP {
	return &LCP{baseMessage{
		Code:       code,
		Identifier: id,
		Payload:    &EchoData{MagicNumber: magic, Data: data},
	}}
}

// NewProtocolReject builds a Protocol-Reject message.
func NewProtocolReject(id uint8, rejected layers.PPPType, data []byte) *LCP {
	return &LCP{baseMessage{
		Code:       ProtocolReject,
		Identifier: id,
		Payload:    &ProtocolRejectData{PPPType: rejected, Data: data},
	}}
}

// NewCodeReject builds a Code-Reject message.
func NewCodeReject(id uint8, rejectedPacket []byte) *LCP {
	return &LCP{baseMessage{
		Code:       CodeReject,
		Identifier: id,
		Payload:    &CodeRejectData{RejectedPacket: rejectedPacket},
	}}
}

func decodeLCP(data []byte, p gopacket.PacketBuilder) error {
	l := &LCP{}
	l.dialect = DialectLCP
	if err := l.UnmarshalBinary(data); err != nil {
		return err
	}
	p.AddLayer(l)
	return nil
}

// DecodeAs decodes a control-protocol payload using the option dialect
// appropriate to pppType (CCP/IPCP/IPv6CP options differ from LCP's).
func DecodeAs(data []byte, pppType layers.PPPType) (*LCP, error) {
	l := &LCP{}
	l.dialect = dialectOf(pppType)
	if err := l.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return l, nil
}
