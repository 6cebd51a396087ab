package storage

import (
	"strings"
	"testing"
)

func TestHashAndVerifyClaimCode(t *testing.T) {
	t.Parallel()

	hash, err := HashClaimCode("correct-horse")
	if err != nil {
		t.Fatalf("HashClaimCode failed: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Errorf("Unexpected hash format: %s", hash)
	}

	ok, err := VerifyClaimCode("correct-horse", hash)
	if err != nil {
		t.Fatalf("VerifyClaimCode failed: %v", err)
	}
	if !ok {
		t.Error("Correct code must verify")
	}

	ok, err = VerifyClaimCode("battery-staple", hash)
	if err != nil {
		t.Fatalf("VerifyClaimCode failed: %v", err)
	}
	if ok {
		t.Error("Wrong code must not verify")
	}
}

func TestHashClaimCodeUniqueSalts(t *testing.T) {
	t.Parallel()

	h1, err := HashClaimCode("same-code")
	if err != nil {
		t.Fatalf("HashClaimCode failed: %v", err)
	}
	h2, err := HashClaimCode("same-code")
	if err != nil {
		t.Fatalf("HashClaimCode failed: %v", err)
	}
	if h1 == h2 {
		t.Error("Two hashes of the same code must differ (random salt)")
	}
}

func TestVerifyClaimCodeBadEncoding(t *testing.T) {
	t.Parallel()

	for _, encoded := range []string{"", "plaintext", "$argon2id$v=19$broken"} {
		if _, err := VerifyClaimCode("anything", encoded); err == nil {
			t.Errorf("Expected error for malformed hash %q", encoded)
		}
	}
}

func TestGenerateClaimCode(t *testing.T) {
	t.Parallel()

	c1, err := GenerateClaimCode()
	if err != nil {
		t.Fatalf("GenerateClaimCode failed: %v", err)
	}
	c2, err := GenerateClaimCode()
	if err != nil {
		t.Fatalf("GenerateClaimCode failed: %v", err)
	}
	if c1 == c2 {
		t.Error("Generated codes must be unique")
	}
	if len(c1) < 20 {
		t.Errorf("Generated code too short: %d chars", len(c1))
	}
}
