package sha256

import "testing"

// TestHexDeterministic ensures repeated hashing yields the same digest.
func TestHexDeterministic(t *testing.T) {
	t.Parallel()

	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got := Hex("hello world"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := Hex("hello world"); again != want {
		t.Fatalf("expected a stable digest, got %s", again)
	}
}

func TestShort(t *testing.T) {
	t.Parallel()

	if got := Short("hello world", 8); got != "b94d27b9" {
		t.Fatalf("Short(8) = %s", got)
	}
	if got := Short("hello world", 0); len(got) != 64 {
		t.Fatalf("Short(0) should return the full digest, got %d chars", len(got))
	}
	if got := Short("hello world", 100); len(got) != 64 {
		t.Fatalf("Short(100) should return the full digest, got %d chars", len(got))
	}
}
