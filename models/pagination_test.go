package models

import "testing"

func TestCursorRoundTrip(t *testing.T) {
	encoded := EncodeCursor("order-uuid-1234")
	decoded, err := DecodeCursor(&encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != "order-uuid-1234" {
		t.Fatalf("decoded = %q", decoded)
	}
}

func TestDecodeCursor_EmptyAndNil(t *testing.T) {
	if got, err := DecodeCursor(nil); err != nil || got != "" {
		t.Fatalf("nil cursor: %q, %v", got, err)
	}
	empty := ""
	if got, err := DecodeCursor(&empty); err != nil || got != "" {
		t.Fatalf("empty cursor: %q, %v", got, err)
	}
}

func TestDecodeCursor_RejectsGarbage(t *testing.T) {
	bad := "!!not-base64!!"
	if _, err := DecodeCursor(&bad); err == nil {
		t.Fatal("expected an error for a malformed cursor")
	}
}

func TestCompositeCursorRoundTrip(t *testing.T) {
	encoded := EncodeCompositeCursor("order-1", 42)
	orderId, id := DecodeCompositeCursor(&encoded)
	if orderId != "order-1" || id != 42 {
		t.Fatalf("decoded = (%q, %d)", orderId, id)
	}
}

func TestDecodeCompositeCursor_MalformedYieldsZero(t *testing.T) {
	bad := EncodeCursor("no-separator-here")
	if orderId, id := DecodeCompositeCursor(&bad); orderId != "" || id != 0 {
		t.Fatalf("malformed composite cursor decoded to (%q, %d)", orderId, id)
	}
}
