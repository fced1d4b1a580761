// Package api contains the wire types and endpoint paths of the
// confirmations ledger, shared by the client and the reference ledger.
package api

import (
	"encoding/json"
	"fmt"
	"net/url"
)

const (
	ConfirmationTokenPathFmt = "/v1/confirmation/token/%s"
	ConfirmationPathFmt      = "/v1/confirmation/%s/%s"
	PaymentTokenPathFmt      = "/v1/confirmation/%s/paymentToken"

	DigestHeader = "digest"
)

// RequestSignedTokensPath: POST, step 1.
func RequestSignedTokensPath(creativeInstanceId string) string {
	return fmt.Sprintf(ConfirmationTokenPathFmt, url.PathEscape(creativeInstanceId))
}

// GetSignedTokensPath: GET, step 2.
func GetSignedTokensPath(creativeInstanceId, nonce string) string {
	return RequestSignedTokensPath(creativeInstanceId) + "?nonce=" + url.QueryEscape(nonce)
}

// CreateConfirmationPath: PUT, step 3. The credential is base64 and may
// contain '/', so it is escaped as a single path segment.
func CreateConfirmationPath(confirmationId, credential string) string {
	return fmt.Sprintf(ConfirmationPathFmt, url.PathEscape(confirmationId), url.PathEscape(credential))
}

// FetchPaymentTokenPath: GET, step 4.
func FetchPaymentTokenPath(confirmationId string) string {
	return fmt.Sprintf(PaymentTokenPathFmt, url.PathEscape(confirmationId))
}

type RequestSignedTokensRequest struct {
	BlindedTokens []string `json:"blindedTokens"`
}

type RequestSignedTokensResponse struct {
	Nonce string `json:"nonce"`
}

// SignedTokens is a batch of signatures over blinded tokens in the order
// the blinded tokens were sent, with the proof covering the batch.
type SignedTokens struct {
	BatchProof   string   `json:"batchProof"`
	SignedTokens []string `json:"signedTokens"`
	PublicKey    string   `json:"publicKey"`
}

type GetSignedTokensResponse = SignedTokens

type ConfirmationResponse struct {
	Id                 string          `json:"id"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	CreatedAt          string          `json:"createdAt"`
	Type               string          `json:"type"`
	ModifiedAt         string          `json:"modifiedAt"`
	CreativeInstanceId string          `json:"creativeInstanceId"`
}

type PaymentTokenResponse struct {
	Id                 string        `json:"id"`
	CreatedAt          string        `json:"createdAt"`
	Type               string        `json:"type"`
	ModifiedAt         string        `json:"modifiedAt"`
	CreativeInstanceId string        `json:"creativeInstanceId"`
	PaymentToken       *SignedTokens `json:"paymentToken"`
}

// Credential is the envelope sent, base64 encoded, in step 3.
type Credential struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
	T         string `json:"t"`
}

// ConfirmationRequestDTO is the payload signed by a credential.
type ConfirmationRequestDTO struct {
	BlindedPaymentToken string         `json:"blindedPaymentToken"`
	CreativeInstanceId  string         `json:"creativeInstanceId"`
	Payload             map[string]any `json:"payload"`
	Type                string         `json:"type"`
}

type ErrCode int

const (
	StandardErrCode ErrCode = 10000

	InvalidRequestErrCode      ErrCode = 10001
	InvalidBlindedTokenErrCode ErrCode = 10002
	UnknownNonceErrCode        ErrCode = 10003
	InvalidCredentialErrCode   ErrCode = 11001
	TokenAlreadySpentErrCode   ErrCode = 11002
	ConfirmationExistsErrCode  ErrCode = 11003
	UnknownConfirmationErrCode ErrCode = 12001
	SigningErrCode             ErrCode = 20001
	DBErrCode                  ErrCode = 20002
)

type Error struct {
	Detail string  `json:"detail"`
	Code   ErrCode `json:"code"`
}

func BuildError(detail string, code ErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

var (
	InvalidRequestErr      = Error{Detail: "invalid request", Code: InvalidRequestErrCode}
	InvalidBlindedTokenErr = Error{Detail: "invalid blinded token", Code: InvalidBlindedTokenErrCode}
	UnknownNonceErr        = Error{Detail: "unknown nonce", Code: UnknownNonceErrCode}
	InvalidCredentialErr   = Error{Detail: "credential is invalid", Code: InvalidCredentialErrCode}
	TokenAlreadySpentErr   = Error{Detail: "token has already been redeemed", Code: TokenAlreadySpentErrCode}
	ConfirmationExistsErr  = Error{Detail: "confirmation already exists", Code: ConfirmationExistsErrCode}
	UnknownConfirmationErr = Error{Detail: "confirmation not found", Code: UnknownConfirmationErrCode}
)
