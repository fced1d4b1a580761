package testutils

import (
	"testing"

	"github.com/elnosh/confirmations/crypto"
)

func TestIssueTokens(t *testing.T) {
	key := crypto.GenerateSigningKey("issuersecret", "0/0/0")

	tests := []struct {
		count    int
		expected int
	}{
		{count: 0, expected: 0},
		{count: 1, expected: 1},
		{count: 5, expected: 5},
	}

	for _, test := range tests {
		tokens, err := IssueTokens(key, test.count)
		if err != nil {
			t.Fatalf("unexpected error issuing %v tokens: %v", test.count, err)
		}
		if len(tokens) != test.expected {
			t.Fatalf("expected '%v' but got '%v'", test.expected, len(tokens))
		}
		for _, token := range tokens {
			rederived, err := key.RederiveUnblindedToken(token.Preimage())
			if err != nil {
				t.Fatalf("error rederiving token: %v", err)
			}
			if rederived.EncodeBase64() != token.EncodeBase64() {
				t.Fatalf("expected '%v' but got '%v'", rederived.EncodeBase64(), token.EncodeBase64())
			}
		}
	}
}
