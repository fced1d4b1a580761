package testutils

import (
	"fmt"
	"net/http/httptest"
	"os"

	"github.com/elnosh/confirmations/crypto"
	"github.com/elnosh/confirmations/ledger"
)

const TestMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func LedgerConfig(dbpath string) (*ledger.Config, error) {
	if err := os.MkdirAll(dbpath, 0750); err != nil {
		return nil, err
	}

	ledgerConfig := &ledger.Config{
		LedgerPath: dbpath,
		Mnemonic:   TestMnemonic,
		LogLevel:   ledger.Disable,
	}
	return ledgerConfig, nil
}

// CreateTestLedger starts a ledger on a local test server. Callers close
// the returned server and shut the ledger down.
func CreateTestLedger(dbpath string) (*ledger.LedgerServer, *httptest.Server, error) {
	config, err := LedgerConfig(dbpath)
	if err != nil {
		return nil, nil, err
	}

	ledgerServer, err := ledger.SetupLedgerServer(*config)
	if err != nil {
		return nil, nil, fmt.Errorf("error setting up ledger server: %v", err)
	}

	return ledgerServer, httptest.NewServer(ledgerServer.Handler()), nil
}

// IssueTokens signs count fresh tokens with key without going through a
// ledger and returns them unblinded.
func IssueTokens(key *crypto.SigningKey, count int) ([]*crypto.UnblindedToken, error) {
	if count <= 0 {
		return []*crypto.UnblindedToken{}, nil
	}

	tokens := make([]*crypto.Token, count)
	blinded := make([]*crypto.BlindedToken, count)
	for i := 0; i < count; i++ {
		var err error
		tokens[i], err = crypto.RandomToken()
		if err != nil {
			return nil, err
		}
		blinded[i], err = tokens[i].Blind()
		if err != nil {
			return nil, err
		}
	}

	signed, proof, err := key.SignBatch(blinded)
	if err != nil {
		return nil, err
	}
	return proof.VerifyAndUnblind(tokens, blinded, signed, key.PublicKey())
}

// SignBlindedTokens decodes a batch of base64 blinded tokens and signs
// them in order, returning the base64 signed tokens and batch proof.
func SignBlindedTokens(key *crypto.SigningKey, blindedTokens []string) ([]string, string, error) {
	blinded := make([]*crypto.BlindedToken, len(blindedTokens))
	for i, B_ := range blindedTokens {
		var err error
		blinded[i], err = crypto.DecodeBlindedTokenBase64(B_)
		if err != nil {
			return nil, "", err
		}
	}

	signed, proof, err := key.SignBatch(blinded)
	if err != nil {
		return nil, "", err
	}

	signedTokens := make([]string, len(signed))
	for i, C_ := range signed {
		signedTokens[i] = C_.EncodeBase64()
	}
	return signedTokens, proof.EncodeBase64(), nil
}
