package protocol

import (
	"errors"
	"testing"
)

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode([]byte("{truncated")); err == nil {
		t.Fatal("Decode accepted malformed JSON")
	}
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	frame, err := Encode(Message{Type: MsgControl, ControllerID: LocalController})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"type":"control","controller_id":"local"}`
	if string(frame) != want {
		t.Fatalf("frame = %s, want %s", frame, want)
	}
}

func TestRoundTrip(t *testing.T) {
	in := Message{Type: MsgResize, Rows: 40, Cols: 120}
	frame, _ := Encode(in)
	out, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestErrorTaxonomyDistinct(t *testing.T) {
	errs := []error{
		ErrTargetUnavailable,
		ErrAlreadyManaged,
		ErrNotSupported,
		ErrTimeout,
		ErrBackendDisconnected,
		ErrProtocolViolation,
	}
	for i, a := range errs {
		for j, b := range errs {
			if i != j && errors.Is(a, b) {
				t.Errorf("%v and %v are not distinct", a, b)
			}
		}
	}
}
