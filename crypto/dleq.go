package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	ErrBatchProofInvalid = errors.New("batch DLEQ proof verification failed")
	ErrBatchLength       = errors.New("blinded and signed token counts do not match")
)

// GenerateDLEQ proves log_G(A) == log_M(Z) for A = kG and Z = kM.
// e = hash(R1, R2, A, Z), s = p + ek where R1 = pG and R2 = pM.
func GenerateDLEQ(k *secp256k1.PrivateKey, M, Z *secp256k1.PublicKey,
	p *secp256k1.PrivateKey) (*secp256k1.ModNScalar, *secp256k1.ModNScalar) {

	var R1Point, R2Point, MPoint secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&p.Key, &R1Point)
	R1Point.ToAffine()
	R1 := secp256k1.NewPublicKey(&R1Point.X, &R1Point.Y)

	M.AsJacobian(&MPoint)
	secp256k1.ScalarMultNonConst(&p.Key, &MPoint, &R2Point)
	R2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Point.X, &R2Point.Y)

	A := k.PubKey()
	e := hashDLEQ(R1, R2, A, Z)

	var s secp256k1.ModNScalar
	s.Mul2(e, &k.Key).Add(&p.Key)

	return e, &s
}

// VerifyDLEQ checks a proof produced by GenerateDLEQ:
// R1 = sG - eA, R2 = sM - eZ and e == hash(R1, R2, A, Z).
func VerifyDLEQ(e, s *secp256k1.ModNScalar, A, M, Z *secp256k1.PublicKey) bool {
	var negE secp256k1.ModNScalar
	negE.NegateVal(e)

	var sG, eA, R1Point secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(s, &sG)
	var APoint secp256k1.JacobianPoint
	A.AsJacobian(&APoint)
	secp256k1.ScalarMultNonConst(&negE, &APoint, &eA)
	secp256k1.AddNonConst(&sG, &eA, &R1Point)
	R1, err := affinePublicKey(&R1Point)
	if err != nil {
		return false
	}

	var MPoint, ZPoint, sM, eZ, R2Point secp256k1.JacobianPoint
	M.AsJacobian(&MPoint)
	Z.AsJacobian(&ZPoint)
	secp256k1.ScalarMultNonConst(s, &MPoint, &sM)
	secp256k1.ScalarMultNonConst(&negE, &ZPoint, &eZ)
	secp256k1.AddNonConst(&sM, &eZ, &R2Point)
	R2, err := affinePublicKey(&R2Point)
	if err != nil {
		return false
	}

	return hashDLEQ(R1, R2, A, Z).Equals(e)
}

func hashDLEQ(points ...*secp256k1.PublicKey) *secp256k1.ModNScalar {
	hash := sha256.New()
	for _, point := range points {
		hash.Write(point.SerializeUncompressed())
	}

	var e secp256k1.ModNScalar
	e.SetByteSlice(hash.Sum(nil))
	return &e
}

// compositePoints folds a batch of (blinded, signed) pairs into a single
// pair (M, Z) using weights derived from the whole transcript. Pairs are
// weighted by index, so reordering either list changes M or Z.
func compositePoints(A *secp256k1.PublicKey, blinded, signed []*secp256k1.PublicKey) (
	*secp256k1.PublicKey, *secp256k1.PublicKey, error) {

	if len(blinded) != len(signed) {
		return nil, nil, ErrBatchLength
	}
	if len(blinded) == 0 {
		return nil, nil, errors.New("empty batch")
	}

	transcript := sha256.New()
	transcript.Write(A.SerializeCompressed())
	for _, B_ := range blinded {
		transcript.Write(B_.SerializeCompressed())
	}
	for _, C_ := range signed {
		transcript.Write(C_.SerializeCompressed())
	}
	seed := transcript.Sum(nil)

	var MAcc, ZAcc secp256k1.JacobianPoint
	for i := range blinded {
		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], uint32(i))
		weight := sha256.Sum256(append(append([]byte{}, seed...), idx[:]...))

		var c secp256k1.ModNScalar
		c.SetByteSlice(weight[:])

		var BPoint, CPoint, cB, cC, sum secp256k1.JacobianPoint
		blinded[i].AsJacobian(&BPoint)
		signed[i].AsJacobian(&CPoint)

		secp256k1.ScalarMultNonConst(&c, &BPoint, &cB)
		secp256k1.AddNonConst(&MAcc, &cB, &sum)
		MAcc.Set(&sum)

		secp256k1.ScalarMultNonConst(&c, &CPoint, &cC)
		secp256k1.AddNonConst(&ZAcc, &cC, &sum)
		ZAcc.Set(&sum)
	}

	M, err := affinePublicKey(&MAcc)
	if err != nil {
		return nil, nil, err
	}
	Z, err := affinePublicKey(&ZAcc)
	if err != nil {
		return nil, nil, err
	}
	return M, Z, nil
}
