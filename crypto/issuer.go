package crypto

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// purpose used for the hardened derivation of issuer signing keys
const signingKeyPurpose = 129373

// SigningKey is an issuer private key. A ledger keeps one for
// confirmation tokens and one for payment tokens.
type SigningKey struct {
	key *secp256k1.PrivateKey
}

func GenerateSigningKey(seed, derivationPath string) *SigningKey {
	hash := sha256.Sum256([]byte(seed + derivationPath))
	privKey, _ := btcec.PrivKeyFromBytes(hash[:])
	return &SigningKey{key: privKey}
}

// DeriveSigningKey derives m/129373'/index' from the master key.
func DeriveSigningKey(master *hdkeychain.ExtendedKey, index uint32) (*SigningKey, error) {
	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + signingKeyPurpose)
	if err != nil {
		return nil, err
	}

	keyPath, err := purpose.Derive(hdkeychain.HardenedKeyStart + index)
	if err != nil {
		return nil, err
	}

	privKey, err := keyPath.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return &SigningKey{key: privKey}, nil
}

func (sk *SigningKey) PrivateKey() *secp256k1.PrivateKey { return sk.key }

func (sk *SigningKey) PublicKey() *PublicKey {
	return &PublicKey{key: sk.key.PubKey()}
}

func (sk *SigningKey) Sign(blinded *BlindedToken) *SignedToken {
	return &SignedToken{point: SignBlindedPoint(blinded.point, sk.key)}
}

// SignBatch signs every blinded token and proves the batch, keeping the
// order of the request.
func (sk *SigningKey) SignBatch(blinded []*BlindedToken) ([]*SignedToken, *BatchDLEQProof, error) {
	signed := make([]*SignedToken, len(blinded))
	for i, B_ := range blinded {
		signed[i] = sk.Sign(B_)
	}

	proof, err := NewBatchDLEQProof(blinded, signed, sk.key)
	if err != nil {
		return nil, nil, err
	}
	return signed, proof, nil
}

// RederiveUnblindedToken recomputes the unblinded token for a revealed
// preimage, which is how the issuer gets at the verification key.
func (sk *SigningKey) RederiveUnblindedToken(preimage []byte) (*UnblindedToken, error) {
	C := SignBlindedPoint(HashToCurve(preimage), sk.key)
	return NewUnblindedToken(preimage, C)
}
