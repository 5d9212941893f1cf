package vault

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/agoranhq/agoran/internal/config"
	"github.com/agoranhq/agoran/internal/store"
)

func TestRoundTrip(t *testing.T) {
	v := New("test-passphrase")
	plaintext := []byte("hello, vault!")

	ciphertext, nonce, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	decrypted, err := v.Decrypt(ciphertext, nonce)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("got %q, want %q", decrypted, plaintext)
	}
}

func TestWrongPassphrase(t *testing.T) {
	v1 := New("correct-passphrase")
	v2 := New("wrong-passphrase")

	ciphertext, nonce, err := v1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	_, err = v2.Decrypt(ciphertext, nonce)
	if err == nil {
		t.Fatal("expected error decrypting with wrong passphrase")
	}
}

func TestDifferentPassphrasesDifferentKeys(t *testing.T) {
	v1 := New("passphrase-one")
	v2 := New("passphrase-two")

	if v1.key == v2.key {
		t.Fatal("different passphrases produced the same key")
	}
}

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewKeyring(New("keyring-pass"), s)
}

func TestKeyringPutReveal(t *testing.T) {
	k := newTestKeyring(t)

	if err := k.Put("anthropic", "Anthropic API key", "sk-ant-test123"); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := k.Reveal("anthropic")
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if got != "sk-ant-test123" {
		t.Errorf("revealed %q", got)
	}
}

func TestKeyringRevealMissing(t *testing.T) {
	k := newTestKeyring(t)

	got, err := k.Reveal("nope")
	if err != nil {
		t.Fatalf("reveal missing: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty for missing secret, got %q", got)
	}
}

func TestKeyringListOmitsValues(t *testing.T) {
	k := newTestKeyring(t)

	_ = k.Put("one", "First", "v1")
	_ = k.Put("two", "Second", "v2")

	secrets, err := k.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(secrets) != 2 {
		t.Fatalf("expected 2 secrets, got %d", len(secrets))
	}
	for _, sec := range secrets {
		if sec.Value != nil {
			t.Errorf("secret %s leaked its value in list", sec.ID)
		}
	}
}

func TestKeyringRemove(t *testing.T) {
	k := newTestKeyring(t)

	_ = k.Put("gone", "Gone", "v")
	if err := k.Remove("gone"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	got, err := k.Reveal("gone")
	if err != nil || got != "" {
		t.Errorf("expected removed secret gone, got %q err %v", got, err)
	}
}
