package server

import "testing"

func Test_generate_and_validate_token(t *testing.T) {
	secret := "test-secret-key"
	token := GenerateToken(secret)

	if err := ValidateToken(secret, token); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
}

func Test_reject_wrong_secret(t *testing.T) {
	token := GenerateToken("correct-secret")
	err := ValidateToken("wrong-secret", token)
	if err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func Test_reject_malformed_token(t *testing.T) {
	err := ValidateToken("secret", "not-a-valid-token")
	if err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func Test_reject_empty_token(t *testing.T) {
	err := ValidateToken("secret", "")
	if err == nil {
		t.Fatal("expected error for empty token")
	}
}
