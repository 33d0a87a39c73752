package controlplane

import "testing"

func TestGenerateAPISecret(t *testing.T) {
	s1, err := GenerateAPISecret()
	if err != nil {
		t.Fatalf("GenerateAPISecret() error = %v", err)
	}
	if len(s1) != 64 {
		t.Errorf("GenerateAPISecret() length = %d, want 64", len(s1))
	}

	s2, err := GenerateAPISecret()
	if err != nil {
		t.Fatalf("GenerateAPISecret() error = %v", err)
	}
	if s1 == s2 {
		t.Error("GenerateAPISecret() should not produce repeated values")
	}
}
