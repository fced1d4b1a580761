package storage

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrTokenSpent         = errors.New("token preimage already spent")
	ErrConfirmationExists = errors.New("confirmation already exists")
)

type LedgerDB interface {
	SaveSeed([]byte) error
	GetSeed() ([]byte, error)

	SaveTokenRequest(TokenRequest) error
	GetTokenRequest(nonce string) (TokenRequest, error)
	IssuedTokens() (uint64, error)

	// SaveConfirmation returns ErrTokenSpent if another confirmation
	// already spent the same token preimage and ErrConfirmationExists if
	// the id is taken.
	SaveConfirmation(Confirmation) error
	GetConfirmation(id string) (Confirmation, error)
	GetConfirmationByPreimage(preimage string) (Confirmation, error)

	Close()
}

// TokenRequest is a signed batch of confirmation tokens. SignedTokens[i]
// is the signature over BlindedTokens[i].
type TokenRequest struct {
	Nonce              string
	CreativeInstanceId string
	BlindedTokens      []string
	SignedTokens       []string
	BatchProof         string
	PublicKey          string
	CreatedAt          int64
}

type Confirmation struct {
	Id                  string
	CreativeInstanceId  string
	Type                string
	Credential          string
	TokenPreimage       string
	BlindedPaymentToken string
	SignedPaymentToken  string
	PaymentBatchProof   string
	PaymentPublicKey    string
	CreatedAt           int64
}
