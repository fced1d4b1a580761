package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func issueBatch(t *testing.T, n int, sk *SigningKey) ([]*Token, []*BlindedToken, []*SignedToken, *BatchDLEQProof) {
	t.Helper()

	tokens := make([]*Token, n)
	blinded := make([]*BlindedToken, n)
	for i := 0; i < n; i++ {
		token, err := RandomToken()
		if err != nil {
			t.Fatalf("error generating token: %v", err)
		}
		B_, err := token.Blind()
		if err != nil {
			t.Fatalf("error blinding token: %v", err)
		}
		tokens[i] = token
		blinded[i] = B_
	}

	signed, proof, err := sk.SignBatch(blinded)
	if err != nil {
		t.Fatalf("error signing batch: %v", err)
	}
	return tokens, blinded, signed, proof
}

func TestBatchUnblind(t *testing.T) {
	sk := GenerateSigningKey("issuersecret", "0/0/0")
	tokens, blinded, signed, proof := issueBatch(t, 10, sk)

	unblinded, err := proof.VerifyAndUnblind(tokens, blinded, signed, sk.PublicKey())
	if err != nil {
		t.Fatalf("unexpected error unblinding batch: %v", err)
	}

	if len(unblinded) != len(tokens) {
		t.Fatalf("expected '%v' unblinded tokens but got '%v'", len(tokens), len(unblinded))
	}

	for i, token := range unblinded {
		if !bytes.Equal(token.Preimage(), tokens[i].preimage[:]) {
			t.Errorf("unblinded token %v does not belong to token %v", i, i)
		}

		// issuer must be able to rederive the same token from the preimage
		rederived, err := sk.RederiveUnblindedToken(token.Preimage())
		if err != nil {
			t.Fatal(err)
		}
		if !rederived.Point().IsEqual(token.Point()) {
			t.Errorf("unblinded token %v does not match issuer signature", i)
		}
	}
}

func TestBatchProofRejectsReorderedSignatures(t *testing.T) {
	sk := GenerateSigningKey("issuersecret", "0/0/1")
	tokens, blinded, signed, proof := issueBatch(t, 5, sk)

	shuffled := make([]*SignedToken, len(signed))
	copy(shuffled, signed)
	shuffled[0], shuffled[3] = shuffled[3], shuffled[0]

	_, err := proof.VerifyAndUnblind(tokens, blinded, shuffled, sk.PublicKey())
	if !errors.Is(err, ErrBatchProofInvalid) {
		t.Fatalf("expected '%v' but got '%v'", ErrBatchProofInvalid, err)
	}
}

func TestBatchProofRejectsWrongKey(t *testing.T) {
	sk := GenerateSigningKey("issuersecret", "0/0/2")
	other := GenerateSigningKey("othersecret", "0/0/2")
	tokens, blinded, signed, proof := issueBatch(t, 3, sk)

	_, err := proof.VerifyAndUnblind(tokens, blinded, signed, other.PublicKey())
	if !errors.Is(err, ErrBatchProofInvalid) {
		t.Fatalf("expected '%v' but got '%v'", ErrBatchProofInvalid, err)
	}

	_, err = proof.VerifyAndUnblind(tokens, blinded, signed[:2], sk.PublicKey())
	if !errors.Is(err, ErrBatchLength) {
		t.Fatalf("expected '%v' but got '%v'", ErrBatchLength, err)
	}
}

func TestEncoding(t *testing.T) {
	sk := GenerateSigningKey("issuersecret", "0/0/3")
	tokens, blinded, signed, proof := issueBatch(t, 2, sk)

	token, err := DecodeTokenBase64(tokens[0].EncodeBase64())
	if err != nil {
		t.Fatalf("error decoding token: %v", err)
	}
	if !bytes.Equal(token.Bytes(), tokens[0].Bytes()) {
		t.Errorf("decoded token does not match")
	}

	B_, err := DecodeBlindedTokenBase64(blinded[1].EncodeBase64())
	if err != nil {
		t.Fatalf("error decoding blinded token: %v", err)
	}
	if !B_.Point().IsEqual(blinded[1].Point()) {
		t.Errorf("decoded blinded token does not match")
	}

	decodedProof, err := DecodeBatchDLEQProofBase64(proof.EncodeBase64())
	if err != nil {
		t.Fatalf("error decoding proof: %v", err)
	}
	publicKey, err := DecodePublicKeyBase64(sk.PublicKey().EncodeBase64())
	if err != nil {
		t.Fatalf("error decoding public key: %v", err)
	}
	if _, err := decodedProof.VerifyAndUnblind(tokens, blinded, signed, publicKey); err != nil {
		t.Fatalf("decoded proof did not verify: %v", err)
	}

	invalid := []string{"", "bm90IGEgdG9rZW4=", "!!!"}
	for _, s := range invalid {
		if _, err := DecodeUnblindedTokenBase64(s); !errors.Is(err, ErrInvalidUnblindedToken) {
			t.Errorf("expected '%v' for '%v' but got '%v'", ErrInvalidUnblindedToken, s, err)
		}
	}
}

func TestVerificationKey(t *testing.T) {
	sk := GenerateSigningKey("issuersecret", "0/0/4")
	tokens, blinded, signed, proof := issueBatch(t, 1, sk)
	unblinded, err := proof.VerifyAndUnblind(tokens, blinded, signed, sk.PublicKey())
	if err != nil {
		t.Fatal(err)
	}

	message := []byte(`{"payload":{}}`)
	signature := unblinded[0].DeriveVerificationKey().Sign(message)

	rederived, _ := sk.RederiveUnblindedToken(unblinded[0].Preimage())
	if !rederived.DeriveVerificationKey().Verify(signature, message) {
		t.Fatal("issuer could not verify signature")
	}
	if rederived.DeriveVerificationKey().Verify(signature, []byte("other")) {
		t.Fatal("signature verified for a different message")
	}
}
