package canonical

import (
	"os"
	"path/filepath"
	"testing"
)

func samplePayload() Payload {
	return Payload{
		Type:  "upsert",
		Table: "entity_types",
		Row: map[string]any{
			"id":         "et-1",
			"name":       "engine",
			"updated_at": "2026-08-20T10:00:00Z",
		},
		RowID: "et-1",
		Actor: Actor{UserID: "u-1", Username: "alice", Role: "admin"},
		TS:    "2026-08-20T10:00:00Z",
	}
}

func TestCanonicalizeDeterministic(t *testing.T) {
	p := samplePayload()

	b1, err := Canonicalize(p)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	b2, err := Canonicalize(p)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}

	if string(b1) != string(b2) {
		t.Error("same payload should canonicalize identically")
	}
}

func TestCanonicalizeIgnoresRowInsertionOrder(t *testing.T) {
	p1 := samplePayload()

	p2 := samplePayload()
	p2.Row = map[string]any{}
	p2.Row["updated_at"] = "2026-08-20T10:00:00Z"
	p2.Row["name"] = "engine"
	p2.Row["id"] = "et-1"

	h1, err := HashPayload(p1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashPayload(p2)
	if err != nil {
		t.Fatal(err)
	}

	if h1 != h2 {
		t.Error("row key insertion order must not change the tx id")
	}
}

func TestCanonicalizeOmitsEmptyRowAndRowID(t *testing.T) {
	p := Payload{
		Type:  "delete",
		Table: "parts",
		RowID: "p-1",
		Actor: Actor{UserID: "u-1"},
		TS:    "2026-08-20T10:00:00Z",
	}

	data, err := Canonicalize(p)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}

	if containsKey(data, `"row":`) {
		t.Error("nil row must be omitted from canonical bytes")
	}
	if !containsKey(data, `"row_id":`) {
		t.Error("row_id must be present when set")
	}
}

func containsKey(data []byte, key string) bool {
	s := string(data)
	for i := 0; i+len(key) <= len(s); i++ {
		if s[i:i+len(key)] == key {
			return true
		}
	}
	return false
}

func TestHashPayloadIdentity(t *testing.T) {
	h1, err := HashPayload(samplePayload())
	if err != nil {
		t.Fatal(err)
	}

	p2 := samplePayload()
	p2.Row["name"] = "motor"
	h2, err := HashPayload(p2)
	if err != nil {
		t.Fatal(err)
	}

	if len(h1) != 64 {
		t.Errorf("expected hash length 64, got %d", len(h1))
	}
	if h1 == h2 {
		t.Error("different payloads should produce different tx ids")
	}
}

func TestHashBlock(t *testing.T) {
	h1 := HashBlock("GENESIS", "2026-08-20T10:00:00Z", []string{"aa", "bb"})
	h2 := HashBlock("GENESIS", "2026-08-20T10:00:00Z", []string{"aa", "bb"})
	h3 := HashBlock("GENESIS", "2026-08-20T10:00:00Z", []string{"bb", "aa"})

	if h1 != h2 {
		t.Error("same inputs should produce the same block hash")
	}
	if h1 == h3 {
		t.Error("tx id order is part of the block hash")
	}
	if len(h1) != 64 {
		t.Errorf("expected hash length 64, got %d", len(h1))
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	p := samplePayload()
	sig, err := Sign(p, kp.Private)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !Verify(p, sig, kp.PublicHex()) {
		t.Error("signature should verify for the signed payload")
	}
}

func TestVerifyDetectsMutation(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	p := samplePayload()
	sig, err := Sign(p, kp.Private)
	if err != nil {
		t.Fatal(err)
	}

	mutations := map[string]func(*Payload){
		"type":   func(p *Payload) { p.Type = "delete" },
		"table":  func(p *Payload) { p.Table = "parts" },
		"row":    func(p *Payload) { p.Row["name"] = "tampered" },
		"row_id": func(p *Payload) { p.RowID = "et-2" },
		"actor":  func(p *Payload) { p.Actor.Role = "viewer" },
		"ts":     func(p *Payload) { p.TS = "2026-08-21T10:00:00Z" },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			m := samplePayload()
			mutate(&m)
			if Verify(m, sig, kp.PublicHex()) {
				t.Errorf("mutating %s should invalidate the signature", name)
			}
		})
	}
}

func TestVerifyMalformedInputReturnsFalse(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	p := samplePayload()
	sig, err := Sign(p, kp.Private)
	if err != nil {
		t.Fatal(err)
	}

	if Verify(p, "not-hex", kp.PublicHex()) {
		t.Error("garbage signature should fail verification")
	}
	if Verify(p, "abcd", kp.PublicHex()) {
		t.Error("short signature should fail verification")
	}
	if Verify(p, sig, "not-hex") {
		t.Error("garbage public key should fail verification")
	}
	if Verify(p, sig, "abcd") {
		t.Error("short public key should fail verification")
	}
}

func TestKeyPairSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.json")

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := kp.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadKeyPair(path)
	if err != nil {
		t.Fatalf("LoadKeyPair failed: %v", err)
	}

	if loaded.PublicHex() != kp.PublicHex() {
		t.Error("loaded public key does not match saved key")
	}

	p := samplePayload()
	sig, err := Sign(p, loaded.Private)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(p, sig, kp.PublicHex()) {
		t.Error("signature from loaded key should verify against original public key")
	}
}

func TestLoadKeyPairRejectsMalformedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.json")
	if err := os.WriteFile(path, []byte(`{"pub_key":"YWJj","priv_key":"YWJj"}`), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadKeyPair(path); err == nil {
		t.Error("expected error for malformed key material")
	}
}

func TestLoadOrGenerateKeyPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.json")

	kp1, err := LoadOrGenerateKeyPair(path)
	if err != nil {
		t.Fatalf("LoadOrGenerateKeyPair failed: %v", err)
	}

	kp2, err := LoadOrGenerateKeyPair(path)
	if err != nil {
		t.Fatalf("LoadOrGenerateKeyPair failed on reload: %v", err)
	}

	if kp1.PublicHex() != kp2.PublicHex() {
		t.Error("second call should load the generated key, not mint a new one")
	}
}
