package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/andersfylling/rollback/internal/frame"
)

func randomInput(r *rand.Rand, n int) frame.Input {
	b := make(frame.Input, n)
	r.Read(b)
	return b
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	reference := randomInput(r, 4)

	for _, n := range []int{1, 2, 16, 120} {
		seq := make([]frame.Input, n)
		for i := range seq {
			// Bias toward the reference so most frames repeat it, matching the
			// common case of a held or neutral controller input.
			if r.Intn(4) == 0 {
				seq[i] = randomInput(r, 4)
			} else {
				seq[i] = reference.Clone()
			}
		}

		encoded := Encode(reference, seq)
		decoded, err := Decode(reference, encoded)
		if err != nil {
			t.Fatalf("n=%d: Decode returned error: %v", n, err)
		}
		if len(decoded) != len(seq) {
			t.Fatalf("n=%d: got %d frames, want %d", n, len(decoded), len(seq))
		}
		for i := range seq {
			if !decoded[i].Equal(seq[i]) {
				t.Fatalf("n=%d frame %d: got % x, want % x", n, i, decoded[i], seq[i])
			}
		}
	}
}

func TestEncodeDecodeRepeatedBitFlips(t *testing.T) {
	// Exercises the bug class where the same bit changes more than once: a
	// naive toggle-per-event decoder corrupts frames between the two events.
	reference := frame.Input{0x00, 0x00}
	seq := []frame.Input{
		{0x00, 0x00},
		{0x80, 0x00}, // bit 0 flips on
		{0x80, 0x00},
		{0x00, 0x00}, // bit 0 flips back off
		{0x00, 0x01}, // a different bit flips on
		{0x00, 0x01},
	}

	encoded := Encode(reference, seq)
	decoded, err := Decode(reference, encoded)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if len(decoded) != len(seq) {
		t.Fatalf("got %d frames, want %d", len(decoded), len(seq))
	}
	for i := range seq {
		if !decoded[i].Equal(seq[i]) {
			t.Fatalf("frame %d: got % x, want % x", i, decoded[i], seq[i])
		}
	}
}

func TestEncodeEmptySequence(t *testing.T) {
	reference := frame.Input{0x00}
	if got := Encode(reference, nil); got != nil {
		t.Fatalf("Encode(reference, nil) = % x, want nil", got)
	}
}

func TestDecodeEmptyInput(t *testing.T) {
	reference := frame.Input{0x00}
	decoded, err := Decode(reference, nil)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if decoded != nil {
		t.Fatalf("got %v, want nil", decoded)
	}
}

func TestDecodeIsPure(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	reference := randomInput(r, 4)
	seq := []frame.Input{randomInput(r, 4), randomInput(r, 4), reference.Clone()}
	encoded := Encode(reference, seq)

	first, err := Decode(reference, encoded)
	if err != nil {
		t.Fatalf("first Decode returned error: %v", err)
	}
	second, err := Decode(reference, encoded)
	if err != nil {
		t.Fatalf("second Decode returned error: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("repeated decode produced different lengths: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].Equal(second[i]) {
			t.Fatalf("repeated decode diverged at frame %d: % x vs % x", i, first[i], second[i])
		}
	}
	// Encode must not have mutated its inputs either.
	if !bytes.Equal(reference, randomInput(rand.New(rand.NewSource(2)), 4)) {
		t.Fatal("reference input was mutated by Encode/Decode")
	}
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	reference := randomInput(r, 4)
	seq := []frame.Input{randomInput(r, 4), randomInput(r, 4), randomInput(r, 4)}
	encoded := Encode(reference, seq)

	for cut := 1; cut < len(encoded); cut++ {
		if _, err := Decode(reference, encoded[:cut]); err != ErrDecode {
			t.Fatalf("truncated to %d/%d bytes: got err=%v, want ErrDecode", cut, len(encoded), err)
		}
	}
}

func TestDecodeRejectsAdversarialBytesWithoutPanicking(t *testing.T) {
	reference := frame.Input{0x00, 0x00, 0x00, 0x00}
	r := rand.New(rand.NewSource(4))
	for i := 0; i < 256; i++ {
		garbage := make([]byte, r.Intn(32))
		r.Read(garbage)
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					t.Fatalf("Decode panicked on garbage input % x: %v", garbage, rec)
				}
			}()
			Decode(reference, garbage)
		}()
	}
}

func TestDecodeRejectsOutOfRangeBitIndex(t *testing.T) {
	reference := frame.Input{0x00}
	w := &bitWriter{}
	w.writeVarint(1) // count = 1 frame
	w.writeVarint(1) // 1 event
	w.writeVarint(0) // frame delta 0
	w.writeVarint(9) // bit index 9, out of range for an 8-bit reference
	w.writeBit(1)

	if _, err := Decode(reference, w.bytes()); err != ErrDecode {
		t.Fatalf("got err=%v, want ErrDecode", err)
	}
}
