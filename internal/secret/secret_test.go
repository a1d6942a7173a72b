package secret

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestBox_RoundTrip(t *testing.T) {
	box := NewBox("test-application-secret")

	for _, plaintext := range []string{"", "sk-live-abc123", "key with spaces and ünïcode"} {
		cipherHex, salt, err := box.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if salt == uuid.Nil {
			t.Fatal("expected a non-nil salt")
		}

		got, err := box.Decrypt(cipherHex, salt)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestBox_EnvelopesAreUnique(t *testing.T) {
	box := NewBox("secret")

	c1, s1, err := box.Encrypt("same-key")
	if err != nil {
		t.Fatal(err)
	}
	c2, s2, err := box.Encrypt("same-key")
	if err != nil {
		t.Fatal(err)
	}

	if s1 == s2 {
		t.Error("each envelope must get its own salt")
	}
	if c1 == c2 {
		t.Error("identical plaintexts must not produce identical ciphertexts")
	}
}

func TestBox_WrongSaltFails(t *testing.T) {
	box := NewBox("secret")

	cipherHex, _, err := box.Encrypt("sk-live-abc123")
	if err != nil {
		t.Fatal(err)
	}

	wrongSalt, _ := uuid.NewV7()
	if _, err := box.Decrypt(cipherHex, wrongSalt); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestBox_WrongApplicationSecretFails(t *testing.T) {
	cipherHex, salt, err := NewBox("secret-a").Encrypt("sk-live-abc123")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewBox("secret-b").Decrypt(cipherHex, salt); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestBox_MalformedEnvelope(t *testing.T) {
	box := NewBox("secret")
	salt, _ := uuid.NewV7()

	for _, cipherHex := range []string{"zz-not-hex", "abcd"} {
		if _, err := box.Decrypt(cipherHex, salt); !errors.Is(err, ErrDecrypt) {
			t.Errorf("Decrypt(%q): expected ErrDecrypt, got %v", cipherHex, err)
		}
	}
}

func TestVirtualKeyID_Stable(t *testing.T) {
	a := VirtualKeyID("vk-user-key")
	b := VirtualKeyID("vk-user-key")
	if a != b {
		t.Error("the same key must always derive the same id")
	}
	if a == VirtualKeyID("vk-other-key") {
		t.Error("different keys must derive different ids")
	}
	if a.Version() != 5 {
		t.Errorf("expected a UUIDv5, got version %d", a.Version())
	}
}
