package crypto

import (
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var ErrPointAtInfinity = errors.New("point at infinity")

// HashToCurve maps a token preimage to a point on the curve by
// hashing until the hash is a valid x coordinate.
func HashToCurve(message []byte) *secp256k1.PublicKey {
	var point *secp256k1.PublicKey

	for point == nil || !point.IsOnCurve() {
		hash := sha256.Sum256(message)
		pkhash := append([]byte{0x02}, hash[:]...)
		point, _ = secp256k1.ParsePubKey(pkhash)
		message = hash[:]
	}
	return point
}

// B_ = Y + rG
func BlindPreimage(preimage []byte, blindingFactor []byte) (*secp256k1.PublicKey, *secp256k1.PrivateKey, error) {
	var ypoint, rpoint, blinded secp256k1.JacobianPoint

	Y := HashToCurve(preimage)
	Y.AsJacobian(&ypoint)

	r, rpub := btcec.PrivKeyFromBytes(blindingFactor)
	if r.Key.IsZero() {
		return nil, nil, errors.New("invalid blinding factor")
	}
	rpub.AsJacobian(&rpoint)

	secp256k1.AddNonConst(&ypoint, &rpoint, &blinded)
	B_, err := affinePublicKey(&blinded)
	if err != nil {
		return nil, nil, err
	}

	return B_, r, nil
}

// C_ = kB_
func SignBlindedPoint(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	return secp256k1.NewPublicKey(&result.X, &result.Y)
}

// C = C_ - rK
func UnblindPoint(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey,
	K *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {

	var Kpoint, rKPoint, CPoint, C_Point secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)
	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)

	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)

	return affinePublicKey(&CPoint)
}

// VerifyPreimage checks k * HashToCurve(preimage) == C. It is what the
// ledger runs when a token preimage is revealed in a credential.
func VerifyPreimage(preimage []byte, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	return C.IsEqual(SignBlindedPoint(HashToCurve(preimage), k))
}

func affinePublicKey(point *secp256k1.JacobianPoint) (*secp256k1.PublicKey, error) {
	point.ToAffine()
	if (point.X.IsZero() && point.Y.IsZero()) || point.Z.IsZero() {
		return nil, ErrPointAtInfinity
	}
	return secp256k1.NewPublicKey(&point.X, &point.Y), nil
}
