package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	PreimageSize          = 32
	ScalarSize            = 32
	PointSize             = 33
	TokenSize             = PreimageSize + ScalarSize
	UnblindedTokenSize    = PreimageSize + PointSize
	BatchDLEQProofSize    = 2 * ScalarSize
	VerificationKeySize   = sha512.Size
	VerificationSigSize   = sha512.Size
	verificationKeyDomain = "hash_derive_key"
)

var (
	ErrInvalidToken          = errors.New("invalid token")
	ErrInvalidBlindedToken   = errors.New("invalid blinded token")
	ErrInvalidSignedToken    = errors.New("invalid signed token")
	ErrInvalidUnblindedToken = errors.New("invalid unblinded token")
	ErrInvalidPublicKey      = errors.New("invalid public key")
	ErrInvalidProof          = errors.New("invalid batch DLEQ proof")
)

// Token is the client-held secret: a random preimage t and the
// blinding factor r used to hide it from the issuer.
type Token struct {
	preimage [PreimageSize]byte
	r        *secp256k1.PrivateKey
}

func RandomToken() (*Token, error) {
	var preimage [PreimageSize]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return nil, err
	}

	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	return &Token{preimage: preimage, r: r}, nil
}

func (t *Token) Blind() (*BlindedToken, error) {
	B_, _, err := BlindPreimage(t.preimage[:], t.r.Serialize())
	if err != nil {
		return nil, err
	}
	return &BlindedToken{point: B_}, nil
}

func (t *Token) Bytes() []byte {
	b := make([]byte, 0, TokenSize)
	b = append(b, t.preimage[:]...)
	return append(b, t.r.Serialize()...)
}

func (t *Token) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(t.Bytes())
}

func DecodeTokenBase64(s string) (*Token, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(b) != TokenSize {
		return nil, ErrInvalidToken
	}

	var token Token
	copy(token.preimage[:], b[:PreimageSize])

	var r secp256k1.ModNScalar
	if overflow := r.SetByteSlice(b[PreimageSize:]); overflow || r.IsZero() {
		return nil, ErrInvalidToken
	}
	token.r = secp256k1.NewPrivateKey(&r)
	return &token, nil
}

// BlindedToken is what the issuer sees and signs.
type BlindedToken struct {
	point *secp256k1.PublicKey
}

func (b *BlindedToken) Point() *secp256k1.PublicKey { return b.point }

func (b *BlindedToken) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(b.point.SerializeCompressed())
}

func DecodeBlindedTokenBase64(s string) (*BlindedToken, error) {
	point, err := decodePoint(s)
	if err != nil {
		return nil, ErrInvalidBlindedToken
	}
	return &BlindedToken{point: point}, nil
}

// SignedToken is the issuer's signature over a BlindedToken.
type SignedToken struct {
	point *secp256k1.PublicKey
}

func (s *SignedToken) Point() *secp256k1.PublicKey { return s.point }

func (s *SignedToken) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(s.point.SerializeCompressed())
}

func DecodeSignedTokenBase64(s string) (*SignedToken, error) {
	point, err := decodePoint(s)
	if err != nil {
		return nil, ErrInvalidSignedToken
	}
	return &SignedToken{point: point}, nil
}

// UnblindedToken is the spendable unit: the preimage t together with
// the unblinded signature C = kY.
type UnblindedToken struct {
	preimage [PreimageSize]byte
	point    *secp256k1.PublicKey
}

func NewUnblindedToken(preimage []byte, C *secp256k1.PublicKey) (*UnblindedToken, error) {
	if len(preimage) != PreimageSize || C == nil {
		return nil, ErrInvalidUnblindedToken
	}
	var token UnblindedToken
	copy(token.preimage[:], preimage)
	token.point = C
	return &token, nil
}

func (u *UnblindedToken) Preimage() []byte {
	return append([]byte{}, u.preimage[:]...)
}

func (u *UnblindedToken) Point() *secp256k1.PublicKey { return u.point }

func (u *UnblindedToken) Bytes() []byte {
	b := make([]byte, 0, UnblindedTokenSize)
	b = append(b, u.preimage[:]...)
	return append(b, u.point.SerializeCompressed()...)
}

func (u *UnblindedToken) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(u.Bytes())
}

func DecodeUnblindedTokenBase64(s string) (*UnblindedToken, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidUnblindedToken
	}
	return DecodeUnblindedToken(b)
}

func DecodeUnblindedToken(b []byte) (*UnblindedToken, error) {
	if len(b) != UnblindedTokenSize {
		return nil, ErrInvalidUnblindedToken
	}
	point, err := secp256k1.ParsePubKey(b[PreimageSize:])
	if err != nil {
		return nil, ErrInvalidUnblindedToken
	}
	return NewUnblindedToken(b[:PreimageSize], point)
}

// DeriveVerificationKey derives the one-time signing key shared between
// the holder of the unblinded token and the issuer.
func (u *UnblindedToken) DeriveVerificationKey() VerificationKey {
	hash := sha512.New()
	hash.Write([]byte(verificationKeyDomain))
	hash.Write(u.preimage[:])
	hash.Write(u.point.SerializeCompressed())

	var key VerificationKey
	copy(key[:], hash.Sum(nil))
	return key
}

type VerificationKey [VerificationKeySize]byte

func (k VerificationKey) Sign(message []byte) []byte {
	mac := hmac.New(sha512.New, k[:])
	mac.Write(message)
	return mac.Sum(nil)
}

func (k VerificationKey) Verify(signature, message []byte) bool {
	return hmac.Equal(signature, k.Sign(message))
}

type PublicKey struct {
	key *secp256k1.PublicKey
}

func NewPublicKey(key *secp256k1.PublicKey) *PublicKey {
	return &PublicKey{key: key}
}

func (p *PublicKey) Key() *secp256k1.PublicKey { return p.key }

func (p *PublicKey) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(p.key.SerializeCompressed())
}

func DecodePublicKeyBase64(s string) (*PublicKey, error) {
	point, err := decodePoint(s)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return &PublicKey{key: point}, nil
}

// BatchDLEQProof proves that every signed token in a batch was produced
// with the private key behind the issuer's public key.
type BatchDLEQProof struct {
	e *secp256k1.ModNScalar
	s *secp256k1.ModNScalar
}

// NewBatchDLEQProof is run by the issuer after signing a batch.
func NewBatchDLEQProof(blinded []*BlindedToken, signed []*SignedToken,
	k *secp256k1.PrivateKey) (*BatchDLEQProof, error) {

	blindedPoints, signedPoints, err := batchPoints(blinded, signed)
	if err != nil {
		return nil, err
	}

	M, Z, err := compositePoints(k.PubKey(), blindedPoints, signedPoints)
	if err != nil {
		return nil, err
	}

	p, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	e, s := GenerateDLEQ(k, M, Z, p)
	return &BatchDLEQProof{e: e, s: s}, nil
}

// Verify checks the proof for blinded[i] signed as signed[i].
func (p *BatchDLEQProof) Verify(blinded []*BlindedToken, signed []*SignedToken, K *PublicKey) error {
	blindedPoints, signedPoints, err := batchPoints(blinded, signed)
	if err != nil {
		return err
	}

	M, Z, err := compositePoints(K.key, blindedPoints, signedPoints)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBatchProofInvalid, err)
	}

	if !VerifyDLEQ(p.e, p.s, K.key, M, Z) {
		return ErrBatchProofInvalid
	}
	return nil
}

// VerifyAndUnblind verifies the proof and unblinds signed[i] with the
// blinding factor of tokens[i]. tokens, blinded and signed must be in
// the order the blinded tokens were sent to the issuer.
func (p *BatchDLEQProof) VerifyAndUnblind(tokens []*Token, blinded []*BlindedToken,
	signed []*SignedToken, K *PublicKey) ([]*UnblindedToken, error) {

	if len(tokens) != len(blinded) {
		return nil, ErrBatchLength
	}
	if err := p.Verify(blinded, signed, K); err != nil {
		return nil, err
	}

	unblinded := make([]*UnblindedToken, len(tokens))
	for i, token := range tokens {
		C, err := UnblindPoint(signed[i].point, token.r, K.key)
		if err != nil {
			return nil, err
		}
		unblinded[i] = &UnblindedToken{preimage: token.preimage, point: C}
	}
	return unblinded, nil
}

func (p *BatchDLEQProof) EncodeBase64() string {
	e := p.e.Bytes()
	s := p.s.Bytes()
	return base64.StdEncoding.EncodeToString(append(e[:], s[:]...))
}

func DecodeBatchDLEQProofBase64(str string) (*BatchDLEQProof, error) {
	b, err := base64.StdEncoding.DecodeString(str)
	if err != nil || len(b) != BatchDLEQProofSize {
		return nil, ErrInvalidProof
	}

	var e, s secp256k1.ModNScalar
	if overflow := e.SetByteSlice(b[:ScalarSize]); overflow {
		return nil, ErrInvalidProof
	}
	if overflow := s.SetByteSlice(b[ScalarSize:]); overflow {
		return nil, ErrInvalidProof
	}
	return &BatchDLEQProof{e: &e, s: &s}, nil
}

func batchPoints(blinded []*BlindedToken, signed []*SignedToken) (
	[]*secp256k1.PublicKey, []*secp256k1.PublicKey, error) {

	if len(blinded) != len(signed) {
		return nil, nil, ErrBatchLength
	}

	blindedPoints := make([]*secp256k1.PublicKey, len(blinded))
	signedPoints := make([]*secp256k1.PublicKey, len(signed))
	for i := range blinded {
		blindedPoints[i] = blinded[i].point
		signedPoints[i] = signed[i].point
	}
	return blindedPoints, signedPoints, nil
}

func decodePoint(s string) (*secp256k1.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != PointSize {
		return nil, fmt.Errorf("expected %d bytes but got %d", PointSize, len(b))
	}
	return secp256k1.ParsePubKey(b)
}
