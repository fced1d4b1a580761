// Package confirmations redeems anonymous confirmation tokens for ad
// events and collects the payment tokens issued in exchange.
package confirmations

import (
	"errors"
	"fmt"

	"github.com/elnosh/confirmations/crypto"
	"github.com/google/uuid"
)

type ConfirmationType string

const (
	ConfirmationTypeUnknown   ConfirmationType = ""
	ConfirmationTypeClicked   ConfirmationType = "click"
	ConfirmationTypeDismissed ConfirmationType = "dismiss"
	ConfirmationTypeViewed    ConfirmationType = "view"
	ConfirmationTypeLanded    ConfirmationType = "landed"
	ConfirmationTypeFlagged   ConfirmationType = "flag"
	ConfirmationTypeUpvoted   ConfirmationType = "upvote"
	ConfirmationTypeDownvoted ConfirmationType = "downvote"
)

var ErrInvalidConfirmationType = errors.New("invalid confirmation type")

func ParseConfirmationType(s string) (ConfirmationType, error) {
	switch t := ConfirmationType(s); t {
	case ConfirmationTypeClicked, ConfirmationTypeDismissed, ConfirmationTypeViewed,
		ConfirmationTypeLanded, ConfirmationTypeFlagged, ConfirmationTypeUpvoted,
		ConfirmationTypeDownvoted:
		return t, nil
	default:
		return ConfirmationTypeUnknown, fmt.Errorf("%w: '%v'", ErrInvalidConfirmationType, s)
	}
}

func (t ConfirmationType) String() string {
	return string(t)
}

// TokenInfo is an unblinded token as held in a pool. UnblindedToken is
// the base64 encoding of the token and doubles as its identity.
type TokenInfo struct {
	UnblindedToken string `cbor:"unblinded_token" json:"unblinded_token"`
	PublicKey      string `cbor:"public_key" json:"public_key"`
}

func NewTokenInfo(token *crypto.UnblindedToken, publicKey string) TokenInfo {
	return TokenInfo{UnblindedToken: token.EncodeBase64(), PublicKey: publicKey}
}

func (t TokenInfo) IsEmpty() bool {
	return t.UnblindedToken == ""
}

func (t TokenInfo) Decode() (*crypto.UnblindedToken, error) {
	token, err := crypto.DecodeUnblindedTokenBase64(t.UnblindedToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return token, nil
}

type ConfirmationInfo struct {
	Id                  string
	CreativeInstanceId  string
	Type                ConfirmationType
	TokenInfo           TokenInfo
	PaymentToken        *crypto.Token
	BlindedPaymentToken *crypto.BlindedToken
	Credential          string
	TimestampInSeconds  int64
	// Created is set once the ledger has accepted the confirmation. From
	// then on the bound token is spent and only the payment token remains
	// to be fetched.
	Created bool
}

func (c ConfirmationInfo) Validate() error {
	if _, err := uuid.Parse(c.Id); err != nil {
		return fmt.Errorf("%w: invalid id '%v'", ErrInvalidConfirmation, c.Id)
	}
	if _, err := uuid.Parse(c.CreativeInstanceId); err != nil {
		return fmt.Errorf("%w: invalid creative instance id '%v'", ErrInvalidConfirmation, c.CreativeInstanceId)
	}
	if _, err := ParseConfirmationType(string(c.Type)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfirmation, err)
	}
	if c.PaymentToken == nil || c.BlindedPaymentToken == nil {
		return fmt.Errorf("%w: missing payment token", ErrInvalidConfirmation)
	}
	return nil
}

type Result int

const (
	Success Result = iota
	Failed
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
