package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/lsnp/lsnp/internal/lsnperr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	fields := NewFields().
		Set("USER_ID", "alice@192.168.1.10").
		Set("DISPLAY_NAME", "Alice").
		Set("STATUS", "online").
		Set("TOKEN", "alice@192.168.1.10|9999999999|broadcast")

	raw, err := Encode(TypeProfile, fields, nil)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	frame, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if frame.Type != TypeProfile {
		t.Errorf("Type = %v, want %v", frame.Type, TypeProfile)
	}
	if frame.Get("DISPLAY_NAME") != "Alice" {
		t.Errorf("DISPLAY_NAME = %q, want Alice", frame.Get("DISPLAY_NAME"))
	}
}

func TestEncodeDecodeWithBody(t *testing.T) {
	fields := NewFields().
		Set("TRANSFER_ID", "t1").
		Set("CHUNK_INDEX", "0").
		Set("TOKEN", "bob@10.0.0.2|9999999999|file")

	body := []byte("hello chunk data")
	raw, err := Encode(TypeFileData, fields, body)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	frame, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(frame.Body, body) {
		t.Errorf("Body = %q, want %q", frame.Body, body)
	}
	if frame.Get("SIZE") != "16" {
		t.Errorf("SIZE = %q, want 16", frame.Get("SIZE"))
	}
}

func TestDecodeMalformedMissingBlankLine(t *testing.T) {
	_, err := Decode([]byte("TYPE: PING\nUSER_ID: a@1.2.3.4"))
	if !errors.Is(err, lsnperr.ErrMalformedFrame) {
		t.Errorf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestDecodeMalformedMissingRequiredHeader(t *testing.T) {
	_, err := Decode([]byte("TYPE: PING\n\n"))
	if !errors.Is(err, lsnperr.ErrMalformedFrame) {
		t.Errorf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte("TYPE: NOT_A_REAL_TYPE\n\n"))
	if !errors.Is(err, lsnperr.ErrUnknownType) {
		t.Errorf("err = %v, want ErrUnknownType", err)
	}
}

func TestDecodeSizeMismatch(t *testing.T) {
	_, err := Decode([]byte("TYPE: PING\nUSER_ID: a@1.2.3.4\nSIZE: 5\n\nabc"))
	if !errors.Is(err, lsnperr.ErrMalformedFrame) {
		t.Errorf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestRequiresAck(t *testing.T) {
	if RequiresAck(TypePing) {
		t.Error("PING should be best-effort, not reliable")
	}
	if !RequiresAck(TypeChat) {
		t.Error("CHAT should require ACK")
	}
}
