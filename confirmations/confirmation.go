package confirmations

import (
	"fmt"
	"time"

	"github.com/elnosh/confirmations/crypto"
	"github.com/google/uuid"
)

// NewConfirmationInfo creates the record for an ad event with a fresh
// payment token. No confirmation token is bound yet; the orchestrator
// draws one from the pool at the create confirmation step.
func NewConfirmationInfo(creativeInstanceId string, confirmationType ConfirmationType) (ConfirmationInfo, error) {
	if _, err := uuid.Parse(creativeInstanceId); err != nil {
		return ConfirmationInfo{}, fmt.Errorf("%w: invalid creative instance id '%v'", ErrInvalidConfirmation, creativeInstanceId)
	}
	if _, err := ParseConfirmationType(string(confirmationType)); err != nil {
		return ConfirmationInfo{}, fmt.Errorf("%w: %v", ErrInvalidConfirmation, err)
	}

	paymentToken, err := crypto.RandomToken()
	if err != nil {
		return ConfirmationInfo{}, fmt.Errorf("error generating payment token: %v", err)
	}
	blindedPaymentToken, err := paymentToken.Blind()
	if err != nil {
		return ConfirmationInfo{}, fmt.Errorf("error blinding payment token: %v", err)
	}

	return ConfirmationInfo{
		Id:                  uuid.NewString(),
		CreativeInstanceId:  creativeInstanceId,
		Type:                confirmationType,
		PaymentToken:        paymentToken,
		BlindedPaymentToken: blindedPaymentToken,
		TimestampInSeconds:  time.Now().Unix(),
	}, nil
}

// CreateConfirmationInfo creates a confirmation and binds it to the first
// token of the pool: the credential is computed and the token removed
// before the confirmation is returned.
func CreateConfirmationInfo(unblindedTokens *UnblindedTokens, creativeInstanceId string,
	confirmationType ConfirmationType) (ConfirmationInfo, error) {

	confirmation, err := NewConfirmationInfo(creativeInstanceId, confirmationType)
	if err != nil {
		return ConfirmationInfo{}, err
	}

	var request CreateConfirmationRequest
	payload := request.CreateConfirmationRequestDTO(confirmation)

	var credential string
	token, err := unblindedTokens.SpendToken(func(token TokenInfo) error {
		var err error
		credential, err = request.CreateCredential(token, payload)
		return err
	})
	if err != nil {
		return ConfirmationInfo{}, err
	}

	confirmation.TokenInfo = token
	confirmation.Credential = credential
	return confirmation, nil
}
