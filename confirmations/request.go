package confirmations

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/elnosh/confirmations/confirmations/api"
)

// CreateConfirmationRequest builds the body and credential of the
// create confirmation request.
type CreateConfirmationRequest struct{}

// CreateConfirmationRequestDTO returns the compact JSON the credential
// signs. Keys are emitted in lexical order so the bytes are stable.
func (CreateConfirmationRequest) CreateConfirmationRequestDTO(confirmation ConfirmationInfo) string {
	dto := api.ConfirmationRequestDTO{
		CreativeInstanceId: confirmation.CreativeInstanceId,
		Payload:            map[string]any{},
		Type:               confirmation.Type.String(),
	}
	if confirmation.BlindedPaymentToken != nil {
		dto.BlindedPaymentToken = confirmation.BlindedPaymentToken.EncodeBase64()
	}

	// marshaling a struct of strings and an empty map cannot fail
	payload, _ := json.Marshal(dto)
	return string(payload)
}

// CreateCredential signs payload with the verification key of token and
// returns the base64 envelope {payload, signature, t}.
func (CreateConfirmationRequest) CreateCredential(token TokenInfo, payload string) (string, error) {
	unblindedToken, err := token.Decode()
	if err != nil {
		return "", err
	}

	verificationKey := unblindedToken.DeriveVerificationKey()
	signature := verificationKey.Sign([]byte(payload))

	credential := api.Credential{
		Payload:   payload,
		Signature: base64.StdEncoding.EncodeToString(signature),
		T:         base64.StdEncoding.EncodeToString(unblindedToken.Preimage()),
	}

	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return "", fmt.Errorf("json.Marshal: %v", err)
	}
	return base64.StdEncoding.EncodeToString(credentialJSON), nil
}
