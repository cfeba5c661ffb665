package wire

import (
	"bytes"
	"testing"
)

// TestConfigureRoundTrip exercises scenario 1 from spec.md section 8: our
// Configure-Request for asyncmap=0, magic=0xDEADBEEF, pcomp, accomp.
func TestConfigureRoundTrip(t *testing.T) {
	want := []byte{
		0x01, 0x01, 0x00, 0x14,
		0x02, 0x06, 0x00, 0x00, 0x00, 0x00,
		0x05, 0x06, 0xDE, 0xAD, 0xBE, 0xEF,
		0x07, 0x02,
		0x08, 0x02,
	}
	msg := NewConfigure(ConfigureRequest, 1, DialectLCP, []Option{
		{Type: OptionAsyncmap, Data: []byte{0, 0, 0, 0}},
		{Type: OptionMagicNumber, Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
		{Type: OptionProtocolFieldCompression, Data: nil},
		{Type: OptionAddressControlCompression, Data: nil},
	})
	got, err := msg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % X, want % X", got, want)
	}

	decoded := &LCP{}
	decoded.dialect = DialectLCP
	if err := decoded.UnmarshalBinary(got); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if decoded.Code != ConfigureRequest || decoded.Identifier != 1 {
		t.Fatalf("unexpected header: %+v", decoded.baseMessage)
	}
	cd := decoded.Payload.(*ConfigureData)
	if len(cd.Options) != 4 {
		t.Fatalf("got %d options, want 4", len(cd.Options))
	}

	// An Ack of the same payload must be byte-equal to the original
	// message except for the code field (spec.md section 8 round-trip
	// invariant).
	ack := NewConfigure(ConfigureAck, 1, DialectLCP, cd.Options)
	ackBytes, err := ack.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary ack: %v", err)
	}
	wantAck := append([]byte{}, want...)
	wantAck[0] = byte(ConfigureAck)
	if !bytes.Equal(ackBytes, wantAck) {
		t.Fatalf("ack got % X, want % X", ackBytes, wantAck)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	msg := NewEcho(EchoRequest, 7, 0x01020304, []byte("hi"))
	raw, err := msg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	decoded := &LCP{}
	if err := decoded.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	ed := decoded.Payload.(*EchoData)
	if ed.MagicNumber != 0x01020304 || string(ed.Data) != "hi" {
		t.Fatalf("got %+v", ed)
	}
}

func TestMalformedOptionDropped(t *testing.T) {
	// Option claims length 9 but only 4 bytes remain: malformed, must error.
	raw := []byte{0x01, 0x01, 0x00, 0x08, 0x01, 0x09, 0x00, 0x00}
	decoded := &LCP{}
	if err := decoded.UnmarshalBinary(raw); err != ErrOptionMalformed {
		t.Fatalf("got err %v, want ErrOptionMalformed", err)
	}
}

func TestShortHeaderDropped(t *testing.T) {
	decoded := &LCP{}
	if err := decoded.UnmarshalBinary([]byte{0x01, 0x01}); err != ErrMessageTooShort {
		t.Fatalf("got err %v, want ErrMessageTooShort", err)
	}
}
