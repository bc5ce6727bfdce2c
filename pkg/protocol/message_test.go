package protocol

import (
	"bytes"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	cases := []*Message{
		NewChoke(),
		NewUnchoke(),
		NewInterested(),
		NewNotInterested(),
		NewHave(7),
		NewBitfield([]byte{0xFF, 0x01}),
		NewRequest(1, 2, 16384),
		NewPiece(1, 0, []byte("hello world")),
		NewCancel(1, 2, 16384),
	}

	for _, want := range cases {
		var buf bytes.Buffer
		if err := WriteMessage(&buf, want); err != nil {
			t.Fatalf("WriteMessage(%v): %v", want.ID, err)
		}

		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage(%v): %v", want.ID, err)
		}
		if got.ID != want.ID || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
		}
	}
}

func TestKeepAliveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, nil); err != nil {
		t.Fatalf("WriteMessage(nil): %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !IsKeepAlive(got) {
		t.Fatalf("expected keep-alive, got %+v", got)
	}
}

func TestParseHave(t *testing.T) {
	m := NewHave(42)
	index, ok := m.ParseHave()
	if !ok || index != 42 {
		t.Fatalf("ParseHave: got (%d, %v), want (42, true)", index, ok)
	}

	if _, ok := NewChoke().ParseHave(); ok {
		t.Fatal("ParseHave on a Choke message should fail")
	}
}

func TestParseRequestAndPiece(t *testing.T) {
	req := NewRequest(3, 16384, 16384)
	index, begin, length, ok := req.ParseRequest()
	if !ok || index != 3 || begin != 16384 || length != 16384 {
		t.Fatalf("ParseRequest: got (%d,%d,%d,%v)", index, begin, length, ok)
	}

	pc := NewPiece(3, 16384, []byte("block-data"))
	idx, begin2, block, ok := pc.ParsePiece()
	if !ok || idx != 3 || begin2 != 16384 || string(block) != "block-data" {
		t.Fatalf("ParsePiece: got (%d,%d,%q,%v)", idx, begin2, block, ok)
	}
}

func TestValidatePayloadSize(t *testing.T) {
	if err := (&Message{ID: Have, Payload: []byte{1, 2}}).ValidatePayloadSize(); err != ErrBadPayloadSize {
		t.Fatalf("expected ErrBadPayloadSize for short Have, got %v", err)
	}
	if err := NewHave(1).ValidatePayloadSize(); err != nil {
		t.Fatalf("valid Have should pass: %v", err)
	}
	if err := (*Message)(nil).ValidatePayloadSize(); err != nil {
		t.Fatalf("keep-alive should always validate: %v", err)
	}
}

func TestUnmarshalBinaryShortMessage(t *testing.T) {
	var m Message
	if err := m.UnmarshalBinary([]byte{0, 0}); err != ErrShortMessage {
		t.Fatalf("expected ErrShortMessage, got %v", err)
	}
}
