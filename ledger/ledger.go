// Package ledger is a reference issuer for confirmation tokens. It signs
// batches of blinded confirmation tokens, accepts one confirmation per
// token and issues a payment token for every accepted confirmation.
package ledger

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/elnosh/confirmations/confirmations/api"
	"github.com/elnosh/confirmations/crypto"
	"github.com/elnosh/confirmations/ledger/storage"
	"github.com/elnosh/confirmations/ledger/storage/sqlite"
	"github.com/google/uuid"
	"github.com/tyler-smith/go-bip39"
)

const (
	confirmationKeyIdx = 0
	paymentKeyIdx      = 1
)

type Ledger struct {
	db storage.LedgerDB

	confirmationKey *crypto.SigningKey
	paymentKey      *crypto.SigningKey
	maxBatchSize    int

	logger *slog.Logger
}

func LoadLedger(config Config) (*Ledger, error) {
	path := config.LedgerPath
	if len(path) == 0 {
		path = ledgerPath()
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	logger, err := setupLogger(path, config.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.InitSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("error setting up sqlite: %v", err)
	}

	seed, err := db.GetSeed()
	if errors.Is(err, storage.ErrNotFound) {
		seed, err = newSeed(config.Mnemonic)
		if err != nil {
			return nil, err
		}
		if err := db.SaveSeed(seed); err != nil {
			return nil, fmt.Errorf("error saving seed: %v", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("error reading seed: %v", err)
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	ledger, err := newLedger(db, master, config.MaxBatchSize, logger)
	if err != nil {
		return nil, err
	}

	ledger.logger.Info("loaded ledger",
		slog.String("confirmation_public_key", ledger.confirmationKey.PublicKey().EncodeBase64()),
		slog.String("payment_public_key", ledger.paymentKey.PublicKey().EncodeBase64()))
	return ledger, nil
}

func newLedger(db storage.LedgerDB, master *hdkeychain.ExtendedKey, maxBatchSize int,
	logger *slog.Logger) (*Ledger, error) {

	confirmationKey, err := crypto.DeriveSigningKey(master, confirmationKeyIdx)
	if err != nil {
		return nil, fmt.Errorf("error deriving confirmation key: %v", err)
	}
	paymentKey, err := crypto.DeriveSigningKey(master, paymentKeyIdx)
	if err != nil {
		return nil, fmt.Errorf("error deriving payment key: %v", err)
	}

	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}

	return &Ledger{
		db:              db,
		confirmationKey: confirmationKey,
		paymentKey:      paymentKey,
		maxBatchSize:    maxBatchSize,
		logger:          logger,
	}, nil
}

// PublicKeys returns the confirmation and payment public keys of a ledger
// seeded from mnemonic, without opening its database.
func PublicKeys(mnemonic string) (*crypto.PublicKey, *crypto.PublicKey, error) {
	if len(mnemonic) == 0 {
		return nil, nil, errors.New("mnemonic is required")
	}
	seed, err := newSeed(mnemonic)
	if err != nil {
		return nil, nil, err
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, nil, err
	}

	ledger, err := newLedger(nil, master, 0, nil)
	if err != nil {
		return nil, nil, err
	}
	return ledger.confirmationKey.PublicKey(), ledger.paymentKey.PublicKey(), nil
}

// ledgerPath returns the ledger's path
// at $HOME/.confirmations/ledger
func ledgerPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".confirmations", "ledger")
	}
	return filepath.Join(homedir, ".confirmations", "ledger")
}

func newSeed(mnemonic string) ([]byte, error) {
	if len(mnemonic) == 0 {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, fmt.Errorf("error generating seed: %v", err)
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, fmt.Errorf("error generating seed: %v", err)
		}
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	return bip39.NewSeed(mnemonic, ""), nil
}

func setupLogger(ledgerPath string, logLevel LogLevel) (*slog.Logger, error) {
	replacer := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
			source.Function = filepath.Base(source.Function)
		}
		return a
	}

	if logLevel == Disable {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	}

	level := slog.LevelInfo
	if logLevel == Debug {
		level = slog.LevelDebug
	}

	logFile, err := os.OpenFile(filepath.Join(ledgerPath, "ledger.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %v", err)
	}
	logWriter := io.MultiWriter(os.Stdout, logFile)

	return slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: replacer,
	})), nil
}

func (l *Ledger) ConfirmationPublicKey() *crypto.PublicKey {
	return l.confirmationKey.PublicKey()
}

func (l *Ledger) PaymentPublicKey() *crypto.PublicKey {
	return l.paymentKey.PublicKey()
}

// RequestSignedTokens signs a batch of blinded confirmation tokens and
// returns the nonce under which the signatures can be fetched.
func (l *Ledger) RequestSignedTokens(creativeInstanceId string, blindedTokens []string) (string, error) {
	if _, err := uuid.Parse(creativeInstanceId); err != nil {
		return "", api.BuildError("invalid creative instance id", api.InvalidRequestErrCode)
	}
	if len(blindedTokens) == 0 {
		return "", api.BuildError("no blinded tokens", api.InvalidRequestErrCode)
	}
	if len(blindedTokens) > l.maxBatchSize {
		errmsg := fmt.Sprintf("too many blinded tokens: max is %v", l.maxBatchSize)
		return "", api.BuildError(errmsg, api.InvalidRequestErrCode)
	}

	seen := make(map[string]struct{}, len(blindedTokens))
	blinded := make([]*crypto.BlindedToken, len(blindedTokens))
	for i, B_ := range blindedTokens {
		if _, ok := seen[B_]; ok {
			return "", api.BuildError("duplicate blinded token", api.InvalidBlindedTokenErrCode)
		}
		seen[B_] = struct{}{}

		var err error
		blinded[i], err = crypto.DecodeBlindedTokenBase64(B_)
		if err != nil {
			return "", &api.InvalidBlindedTokenErr
		}
	}

	signed, proof, err := l.confirmationKey.SignBatch(blinded)
	if err != nil {
		return "", api.BuildError(err.Error(), api.SigningErrCode)
	}

	signedTokens := make([]string, len(signed))
	for i, C_ := range signed {
		signedTokens[i] = C_.EncodeBase64()
	}

	request := storage.TokenRequest{
		Nonce:              uuid.NewString(),
		CreativeInstanceId: creativeInstanceId,
		BlindedTokens:      blindedTokens,
		SignedTokens:       signedTokens,
		BatchProof:         proof.EncodeBase64(),
		PublicKey:          l.confirmationKey.PublicKey().EncodeBase64(),
		CreatedAt:          time.Now().Unix(),
	}
	if err := l.db.SaveTokenRequest(request); err != nil {
		l.logger.Error("error saving token request", slog.String("error", err.Error()))
		return "", api.BuildError("error saving token request", api.DBErrCode)
	}

	signedTokensIssued.Add(float64(len(signedTokens)))
	l.logger.Info("signed confirmation tokens",
		slog.String("nonce", request.Nonce), slog.Int("count", len(signedTokens)))
	return request.Nonce, nil
}

func (l *Ledger) GetSignedTokens(creativeInstanceId, nonce string) (*api.SignedTokens, error) {
	request, err := l.db.GetTokenRequest(nonce)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &api.UnknownNonceErr
	}
	if err != nil {
		return nil, api.BuildError("error reading token request", api.DBErrCode)
	}
	if request.CreativeInstanceId != creativeInstanceId {
		return nil, &api.UnknownNonceErr
	}

	return &api.SignedTokens{
		BatchProof:   request.BatchProof,
		SignedTokens: request.SignedTokens,
		PublicKey:    request.PublicKey,
	}, nil
}

// CreateConfirmation verifies the credential, burns the token it reveals
// and issues a payment token for the confirmation. Sending the same
// credential again for the same id returns the stored confirmation.
func (l *Ledger) CreateConfirmation(confirmationId, credential string, body []byte) (*api.ConfirmationResponse, error) {
	if _, err := uuid.Parse(confirmationId); err != nil {
		return nil, api.BuildError("invalid confirmation id", api.InvalidRequestErrCode)
	}

	existing, err := l.db.GetConfirmation(confirmationId)
	if err == nil {
		if existing.Credential != credential {
			return nil, &api.ConfirmationExistsErr
		}
		return confirmationResponse(existing), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, api.BuildError("error reading confirmation", api.DBErrCode)
	}

	cred, dto, preimage, err := l.verifyCredential(credential)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 && string(body) != cred.Payload {
		return nil, api.BuildError("body does not match signed payload", api.InvalidRequestErrCode)
	}

	blindedPaymentToken, err := crypto.DecodeBlindedTokenBase64(dto.BlindedPaymentToken)
	if err != nil {
		return nil, &api.InvalidBlindedTokenErr
	}
	signed, proof, err := l.paymentKey.SignBatch([]*crypto.BlindedToken{blindedPaymentToken})
	if err != nil {
		return nil, api.BuildError(err.Error(), api.SigningErrCode)
	}

	confirmation := storage.Confirmation{
		Id:                  confirmationId,
		CreativeInstanceId:  dto.CreativeInstanceId,
		Type:                dto.Type,
		Credential:          credential,
		TokenPreimage:       preimage,
		BlindedPaymentToken: dto.BlindedPaymentToken,
		SignedPaymentToken:  signed[0].EncodeBase64(),
		PaymentBatchProof:   proof.EncodeBase64(),
		PaymentPublicKey:    l.paymentKey.PublicKey().EncodeBase64(),
		CreatedAt:           time.Now().Unix(),
	}

	switch err := l.db.SaveConfirmation(confirmation); {
	case errors.Is(err, storage.ErrTokenSpent):
		l.logger.Warn("token already spent", slog.String("confirmation_id", confirmationId))
		return nil, &api.TokenAlreadySpentErr
	case errors.Is(err, storage.ErrConfirmationExists):
		return nil, &api.ConfirmationExistsErr
	case err != nil:
		l.logger.Error("error saving confirmation", slog.String("error", err.Error()))
		return nil, api.BuildError("error saving confirmation", api.DBErrCode)
	}

	confirmationsCreated.WithLabelValues(dto.Type).Inc()
	l.logger.Info("created confirmation",
		slog.String("confirmation_id", confirmationId),
		slog.String("creative_instance_id", dto.CreativeInstanceId),
		slog.String("type", dto.Type))
	return confirmationResponse(confirmation), nil
}

func (l *Ledger) GetPaymentToken(confirmationId string) (*api.PaymentTokenResponse, error) {
	confirmation, err := l.db.GetConfirmation(confirmationId)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &api.UnknownConfirmationErr
	}
	if err != nil {
		return nil, api.BuildError("error reading confirmation", api.DBErrCode)
	}

	response := confirmationResponse(confirmation)
	return &api.PaymentTokenResponse{
		Id:                 response.Id,
		CreatedAt:          response.CreatedAt,
		Type:               response.Type,
		ModifiedAt:         response.ModifiedAt,
		CreativeInstanceId: response.CreativeInstanceId,
		PaymentToken: &api.SignedTokens{
			BatchProof:   confirmation.PaymentBatchProof,
			SignedTokens: []string{confirmation.SignedPaymentToken},
			PublicKey:    confirmation.PaymentPublicKey,
		},
	}, nil
}

// IssuedTokens returns how many confirmation tokens have been signed.
func (l *Ledger) IssuedTokens() (uint64, error) {
	return l.db.IssuedTokens()
}

func (l *Ledger) Shutdown() {
	l.db.Close()
}

// verifyCredential rederives the unblinded token from the revealed
// preimage and checks the payload signature under its verification key.
func (l *Ledger) verifyCredential(credential string) (*api.Credential, *api.ConfirmationRequestDTO, string, error) {
	credentialJSON, err := base64.StdEncoding.DecodeString(credential)
	if err != nil {
		return nil, nil, "", &api.InvalidCredentialErr
	}

	var cred api.Credential
	if err := json.Unmarshal(credentialJSON, &cred); err != nil {
		return nil, nil, "", &api.InvalidCredentialErr
	}

	preimage, err := base64.StdEncoding.DecodeString(cred.T)
	if err != nil || len(preimage) != crypto.PreimageSize {
		return nil, nil, "", &api.InvalidCredentialErr
	}
	signature, err := base64.StdEncoding.DecodeString(cred.Signature)
	if err != nil {
		return nil, nil, "", &api.InvalidCredentialErr
	}

	unblindedToken, err := l.confirmationKey.RederiveUnblindedToken(preimage)
	if err != nil {
		return nil, nil, "", &api.InvalidCredentialErr
	}
	verificationKey := unblindedToken.DeriveVerificationKey()
	if !verificationKey.Verify(signature, []byte(cred.Payload)) {
		return nil, nil, "", &api.InvalidCredentialErr
	}

	var dto api.ConfirmationRequestDTO
	if err := json.Unmarshal([]byte(cred.Payload), &dto); err != nil {
		return nil, nil, "", &api.InvalidRequestErr
	}
	if _, err := uuid.Parse(dto.CreativeInstanceId); err != nil {
		return nil, nil, "", api.BuildError("invalid creative instance id", api.InvalidRequestErrCode)
	}
	if len(dto.Type) == 0 {
		return nil, nil, "", api.BuildError("missing confirmation type", api.InvalidRequestErrCode)
	}

	hash := sha256.Sum256(preimage)
	return &cred, &dto, base64.StdEncoding.EncodeToString(hash[:]), nil
}

func confirmationResponse(confirmation storage.Confirmation) *api.ConfirmationResponse {
	createdAt := time.Unix(confirmation.CreatedAt, 0).UTC().Format(time.RFC3339)
	return &api.ConfirmationResponse{
		Id:                 confirmation.Id,
		Payload:            json.RawMessage("{}"),
		CreatedAt:          createdAt,
		Type:               confirmation.Type,
		ModifiedAt:         createdAt,
		CreativeInstanceId: confirmation.CreativeInstanceId,
	}
}
