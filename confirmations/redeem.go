package confirmations

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnosh/confirmations/confirmations/api"
	"github.com/elnosh/confirmations/confirmations/client"
	"github.com/elnosh/confirmations/crypto"
)

const (
	MinimumUnblindedTokens = 20
	MaximumUnblindedTokens = 50
)

type State int

const (
	StateRequestSignedTokens State = iota
	StateAwaitNonce
	StateFetchSignedTokens
	StateCreateConfirmation
	StateFetchPaymentToken
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequestSignedTokens:
		return "request_signed_tokens"
	case StateAwaitNonce:
		return "await_nonce"
	case StateFetchSignedTokens:
		return "fetch_signed_tokens"
	case StateCreateConfirmation:
		return "create_confirmation"
	case StateFetchPaymentToken:
		return "fetch_payment_token"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Delegate receives the outcome of every Redeem call, exactly once.
type Delegate interface {
	OnRedeem(result Result, confirmation ConfirmationInfo, shouldRetry bool)
}

type DelegateFunc func(result Result, confirmation ConfirmationInfo, shouldRetry bool)

func (f DelegateFunc) OnRedeem(result Result, confirmation ConfirmationInfo, shouldRetry bool) {
	f(result, confirmation, shouldRetry)
}

// RedeemError is the terminal error of a failed redemption.
type RedeemError struct {
	State       State
	ShouldRetry bool
	Err         error
}

func (e *RedeemError) Error() string {
	return fmt.Sprintf("%v: %v", e.State, e.Err)
}

func (e *RedeemError) Unwrap() error {
	return e.Err
}

type RedeemConfig struct {
	LedgerURL              string
	MinimumUnblindedTokens int
	MaximumUnblindedTokens int
	// base64 issuer keys the ledger must sign with. Empty accepts the key
	// sent in each response.
	ConfirmationPublicKey string
	PaymentPublicKey      string
}

// RedeemToken drives the redemption protocol for one confirmation at a
// time per call:
//
//	RequestSignedTokens -> AwaitNonce -> FetchSignedTokens ->
//	CreateConfirmation -> FetchPaymentToken -> Done
//
// Steps 1-2 replenish the confirmation token pool and only run when it is
// running low. Step 3 spends a token and is the point of no return.
type RedeemToken struct {
	config                 RedeemConfig
	client                 client.Client
	unblindedTokens        *UnblindedTokens
	unblindedPaymentTokens *UnblindedTokens
	delegate               Delegate
	request                CreateConfirmationRequest
	logger                 *slog.Logger

	refillMu sync.Mutex
}

func NewRedeemToken(
	config RedeemConfig,
	client client.Client,
	unblindedTokens *UnblindedTokens,
	unblindedPaymentTokens *UnblindedTokens,
	delegate Delegate,
	logger *slog.Logger,
) *RedeemToken {
	if config.MinimumUnblindedTokens == 0 {
		config.MinimumUnblindedTokens = MinimumUnblindedTokens
	}
	if config.MaximumUnblindedTokens == 0 {
		config.MaximumUnblindedTokens = MaximumUnblindedTokens
	}
	config.LedgerURL = strings.TrimSuffix(config.LedgerURL, "/")
	if logger == nil {
		logger = slog.Default()
	}

	return &RedeemToken{
		config:                 config,
		client:                 client,
		unblindedTokens:        unblindedTokens,
		unblindedPaymentTokens: unblindedPaymentTokens,
		delegate:               delegate,
		logger:                 logger,
	}
}

// Redeem runs the protocol for confirmation, reports the outcome to the
// delegate and returns the terminal error, nil on success. Cancelling ctx
// stops the redemption between steps until the create confirmation
// request is sent; after that the remaining steps run to completion.
func (r *RedeemToken) Redeem(ctx context.Context, confirmation ConfirmationInfo) error {
	start := time.Now()
	confirmation, err := r.redeem(ctx, confirmation)
	redemptionDuration.Observe(time.Since(start).Seconds())

	logger := r.logger.With(slog.String("confirmation_id", confirmation.Id))
	if err != nil {
		var redeemErr *RedeemError
		errors.As(err, &redeemErr)
		redemptionFailures.WithLabelValues(redeemErr.State.String()).Inc()
		observeRedemption(Failed, redeemErr.ShouldRetry)

		logger.Error("failed to redeem token",
			slog.String("state", redeemErr.State.String()),
			slog.Bool("should_retry", redeemErr.ShouldRetry),
			slog.String("error", redeemErr.Err.Error()))

		if r.delegate != nil {
			r.delegate.OnRedeem(Failed, confirmation, redeemErr.ShouldRetry)
		}
		return err
	}

	observeRedemption(Success, false)
	logger.Info("successfully redeemed token", slog.String("type", confirmation.Type.String()))
	if r.delegate != nil {
		r.delegate.OnRedeem(Success, confirmation, false)
	}
	return nil
}

func (r *RedeemToken) redeem(ctx context.Context, confirmation ConfirmationInfo) (ConfirmationInfo, error) {
	if err := confirmation.Validate(); err != nil {
		return confirmation, &RedeemError{State: StateFailed, Err: err}
	}

	if !confirmation.Created && confirmation.TokenInfo.IsEmpty() && r.unblindedTokens.IsEmpty() {
		return confirmation, &RedeemError{State: StateFailed, ShouldRetry: true, Err: ErrTokenPoolEmpty}
	}

	state := StateRequestSignedTokens
	if confirmation.Created {
		state = StateFetchPaymentToken
	} else if r.unblindedTokens.Count() >= r.config.MinimumUnblindedTokens {
		state = StateCreateConfirmation
	}

	var batch *refillBatch
	for {
		logger := r.logger.With(slog.String("confirmation_id", confirmation.Id), slog.String("state", state.String()))
		logger.Debug("redeem token step")

		var err error
		switch state {
		case StateRequestSignedTokens:
			if err = ctx.Err(); err != nil {
				break
			}
			if !r.refillMu.TryLock() {
				// another redemption is already refilling the pool
				state = StateCreateConfirmation
				continue
			}
			batch, err = r.requestSignedTokens(ctx, confirmation.CreativeInstanceId)
			if err != nil {
				r.refillMu.Unlock()
				break
			}
			state = StateAwaitNonce

		case StateAwaitNonce:
			// requestSignedTokens only returns once the nonce is known
			state = StateFetchSignedTokens

		case StateFetchSignedTokens:
			err = r.fetchSignedTokens(ctx, batch)
			r.refillMu.Unlock()
			if err != nil {
				break
			}
			state = StateCreateConfirmation

		case StateCreateConfirmation:
			if err = ctx.Err(); err != nil {
				break
			}
			confirmation, err = r.createConfirmation(context.WithoutCancel(ctx), confirmation)
			if err != nil {
				break
			}
			state = StateFetchPaymentToken

		case StateFetchPaymentToken:
			confirmation, err = r.fetchPaymentToken(context.WithoutCancel(ctx), confirmation)
			if err != nil {
				break
			}
			state = StateDone

		case StateDone:
			return confirmation, nil
		}

		if err != nil {
			return confirmation, &RedeemError{State: state, ShouldRetry: ShouldRetry(err), Err: err}
		}
	}
}

// RefillTokens runs steps 1-2 on their own. It is used to seed an empty
// pool before any confirmation can be redeemed.
func (r *RedeemToken) RefillTokens(ctx context.Context, creativeInstanceId string) error {
	r.refillMu.Lock()
	defer r.refillMu.Unlock()

	batch, err := r.requestSignedTokens(ctx, creativeInstanceId)
	if err != nil {
		return &RedeemError{State: StateRequestSignedTokens, ShouldRetry: ShouldRetry(err), Err: err}
	}
	if err := r.fetchSignedTokens(ctx, batch); err != nil {
		return &RedeemError{State: StateFetchSignedTokens, ShouldRetry: ShouldRetry(err), Err: err}
	}
	return nil
}

type refillBatch struct {
	creativeInstanceId string
	nonce              string
	tokens             []*crypto.Token
	blindedTokens      []*crypto.BlindedToken
}

// requestSignedTokens sends a fresh batch of blinded tokens. tokens[i]
// is the secret behind blindedTokens[i] and the ledger answers in the
// same order.
func (r *RedeemToken) requestSignedTokens(ctx context.Context, creativeInstanceId string) (*refillBatch, error) {
	count := r.config.MaximumUnblindedTokens - r.unblindedTokens.Count()
	if count <= 0 {
		count = r.config.MaximumUnblindedTokens
	}

	batch := &refillBatch{
		creativeInstanceId: creativeInstanceId,
		tokens:             make([]*crypto.Token, count),
		blindedTokens:      make([]*crypto.BlindedToken, count),
	}
	encoded := make([]string, count)
	for i := 0; i < count; i++ {
		token, err := crypto.RandomToken()
		if err != nil {
			return nil, err
		}
		blinded, err := token.Blind()
		if err != nil {
			return nil, err
		}
		batch.tokens[i] = token
		batch.blindedTokens[i] = blinded
		encoded[i] = blinded.EncodeBase64()
	}

	body, err := json.Marshal(api.RequestSignedTokensRequest{BlindedTokens: encoded})
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %v", err)
	}
	digest := sha256.Sum256(body)

	resp, err := r.do(ctx, client.Request{
		Method: http.MethodPost,
		URL:    r.config.LedgerURL + api.RequestSignedTokensPath(creativeInstanceId),
		Headers: http.Header{
			api.DigestHeader: []string{"SHA-256=" + base64.StdEncoding.EncodeToString(digest[:])},
		},
		Body:        body,
		ContentType: "application/json",
	}, http.StatusCreated)
	if err != nil {
		return nil, err
	}

	var nonceResponse api.RequestSignedTokensResponse
	if err := json.Unmarshal(resp.Body, &nonceResponse); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if nonceResponse.Nonce == "" {
		return nil, fmt.Errorf("%w: missing nonce", ErrMalformedResponse)
	}
	batch.nonce = nonceResponse.Nonce

	return batch, nil
}

func (r *RedeemToken) fetchSignedTokens(ctx context.Context, batch *refillBatch) error {
	resp, err := r.do(ctx, client.Request{
		Method: http.MethodGet,
		URL:    r.config.LedgerURL + api.GetSignedTokensPath(batch.creativeInstanceId, batch.nonce),
	}, http.StatusOK)
	if err != nil {
		return err
	}

	var signedTokensResponse api.GetSignedTokensResponse
	if err := json.Unmarshal(resp.Body, &signedTokensResponse); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	unblinded, err := unblindSignedTokens(signedTokensResponse, r.config.ConfirmationPublicKey,
		batch.tokens, batch.blindedTokens)
	if err != nil {
		return err
	}

	tokens := make([]TokenInfo, len(unblinded))
	for i, token := range unblinded {
		tokens[i] = NewTokenInfo(token, signedTokensResponse.PublicKey)
	}
	if err := r.unblindedTokens.AddTokens(tokens); err != nil {
		return err
	}

	r.logger.Info("added unblinded tokens",
		slog.Int("added", len(tokens)), slog.Int("count", r.unblindedTokens.Count()))
	return nil
}

// createConfirmation binds a token to the confirmation if it does not
// have one yet, removes it from the pool and sends the credential.
func (r *RedeemToken) createConfirmation(ctx context.Context, confirmation ConfirmationInfo) (ConfirmationInfo, error) {
	if confirmation.TokenInfo.IsEmpty() {
		payload := r.request.CreateConfirmationRequestDTO(confirmation)
		var credential string
		token, err := r.unblindedTokens.SpendToken(func(token TokenInfo) error {
			var err error
			credential, err = r.request.CreateCredential(token, payload)
			return err
		})
		if err != nil {
			return confirmation, err
		}
		confirmation.TokenInfo = token
		confirmation.Credential = credential
	} else if confirmation.Credential == "" {
		// bound by the caller, already out of the pool
		payload := r.request.CreateConfirmationRequestDTO(confirmation)
		credential, err := r.request.CreateCredential(confirmation.TokenInfo, payload)
		if err != nil {
			return confirmation, err
		}
		confirmation.Credential = credential
	}

	resp, err := r.do(ctx, client.Request{
		Method:      http.MethodPut,
		URL:         r.config.LedgerURL + api.CreateConfirmationPath(confirmation.Id, confirmation.Credential),
		Body:        []byte(r.request.CreateConfirmationRequestDTO(confirmation)),
		ContentType: "application/json",
	}, http.StatusCreated)
	if err != nil {
		return confirmation, err
	}

	var confirmationResponse api.ConfirmationResponse
	if err := json.Unmarshal(resp.Body, &confirmationResponse); err != nil {
		return confirmation, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if confirmationResponse.Id != "" && confirmationResponse.Id != confirmation.Id {
		return confirmation, fmt.Errorf("%w: confirmation id mismatch", ErrMalformedResponse)
	}

	confirmation.Created = true
	return confirmation, nil
}

func (r *RedeemToken) fetchPaymentToken(ctx context.Context, confirmation ConfirmationInfo) (ConfirmationInfo, error) {
	resp, err := r.do(ctx, client.Request{
		Method: http.MethodGet,
		URL:    r.config.LedgerURL + api.FetchPaymentTokenPath(confirmation.Id),
	}, http.StatusOK)
	if err != nil {
		var statusErr *UnexpectedStatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			// the ledger does not know the confirmation; send it again
			// with the same credential on the next attempt
			confirmation.Created = false
			return confirmation, fmt.Errorf("%w: %v", ErrConfirmationNotFound, err)
		}
		return confirmation, err
	}

	var paymentTokenResponse api.PaymentTokenResponse
	if err := json.Unmarshal(resp.Body, &paymentTokenResponse); err != nil {
		return confirmation, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if paymentTokenResponse.PaymentToken == nil {
		return confirmation, fmt.Errorf("%w: missing payment token", ErrMalformedResponse)
	}

	unblinded, err := unblindSignedTokens(*paymentTokenResponse.PaymentToken, r.config.PaymentPublicKey,
		[]*crypto.Token{confirmation.PaymentToken},
		[]*crypto.BlindedToken{confirmation.BlindedPaymentToken})
	if err != nil {
		return confirmation, err
	}

	token := NewTokenInfo(unblinded[0], paymentTokenResponse.PaymentToken.PublicKey)
	if err := r.unblindedPaymentTokens.AddTokens([]TokenInfo{token}); err != nil {
		return confirmation, err
	}

	r.logger.Info("added unblinded payment token",
		slog.String("confirmation_id", confirmation.Id),
		slog.Int("count", r.unblindedPaymentTokens.Count()))
	return confirmation, nil
}

// unblindSignedTokens checks the signing key against expectedPublicKey,
// when set, and verifies the batch proof over the signed tokens in
// response order against the blinded tokens in request order.
func unblindSignedTokens(signedTokens api.SignedTokens, expectedPublicKey string, tokens []*crypto.Token,
	blindedTokens []*crypto.BlindedToken) ([]*crypto.UnblindedToken, error) {

	if signedTokens.BatchProof == "" || signedTokens.PublicKey == "" {
		return nil, fmt.Errorf("%w: missing batch proof or public key", ErrMalformedResponse)
	}
	if len(signedTokens.SignedTokens) != len(blindedTokens) {
		return nil, fmt.Errorf("%w: expected %d signed tokens but got %d",
			ErrMalformedResponse, len(blindedTokens), len(signedTokens.SignedTokens))
	}

	publicKey, err := crypto.DecodePublicKeyBase64(signedTokens.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if expectedPublicKey != "" && publicKey.EncodeBase64() != expectedPublicKey {
		return nil, fmt.Errorf("%w: got '%v'", ErrUnexpectedPublicKey, signedTokens.PublicKey)
	}
	batchProof, err := crypto.DecodeBatchDLEQProofBase64(signedTokens.BatchProof)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	signed := make([]*crypto.SignedToken, len(signedTokens.SignedTokens))
	for i, s := range signedTokens.SignedTokens {
		signed[i], err = crypto.DecodeSignedTokenBase64(s)
		if err != nil {
			return nil, fmt.Errorf("%w: signed token %d: %v", ErrMalformedResponse, i, err)
		}
	}

	unblinded, err := batchProof.VerifyAndUnblind(tokens, blindedTokens, signed, publicKey)
	if err != nil {
		return nil, batchProofError(err)
	}
	return unblinded, nil
}

func (r *RedeemToken) do(ctx context.Context, req client.Request, expectedStatus int) (*client.Response, error) {
	resp, err := r.client.Do(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	if resp.StatusCode != expectedStatus {
		return nil, unexpectedStatus(resp.StatusCode, resp.Body)
	}
	return resp, nil
}
