package secrets

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := New("unit-test-master-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ct, err := box.Encrypt("sk-live-abc123")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ct == "sk-live-abc123" {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := box.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "sk-live-abc123" {
		t.Errorf("got %q, want %q", got, "sk-live-abc123")
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	box, _ := New("k")
	a, _ := box.Encrypt("same")
	b, _ := box.Encrypt("same")
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	box1, _ := New("key-one")
	box2, _ := New("key-two")

	ct, _ := box1.Encrypt("secret")
	if _, err := box2.Decrypt(ct); err != ErrDecrypt {
		t.Errorf("wrong key: got err %v, want ErrDecrypt", err)
	}
}

func TestDecryptGarbage(t *testing.T) {
	box, _ := New("k")
	for _, in := range []string{"", "not-base64!!!", "YWJj"} {
		if _, err := box.Decrypt(in); err != ErrDecrypt {
			t.Errorf("Decrypt(%q): got err %v, want ErrDecrypt", in, err)
		}
	}
}

func TestTamperedCiphertext(t *testing.T) {
	box, _ := New("k")
	ct, _ := box.Encrypt("secret")
	flipped := strings.ToLower(ct)
	if flipped == ct {
		t.Skip("ciphertext has no upper-case characters to flip")
	}
	if _, err := box.Decrypt(flipped); err != ErrDecrypt {
		t.Errorf("tampered: got err %v, want ErrDecrypt", err)
	}
}

func TestEmptyMasterKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty master key")
	}
}
