package confirmations

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/elnosh/confirmations/confirmations/api"
	"github.com/elnosh/confirmations/confirmations/client"
	"github.com/elnosh/confirmations/crypto"
	"github.com/elnosh/confirmations/testutils"
	"github.com/google/uuid"
)

const (
	fixtureConfirmationId     = "f00bbf3b-e5e4-43b7-adec-5d9110d1765d"
	fixtureCreativeInstanceId = "a6122ca5-3d21-4d32-9e88-d6eb457f07e7"
	fixtureNonce              = "9eed0b96-599f-44e8-95e6-9fe89e84f640"
	fixturePublicKey          = "crDVI1R6xHQZ4D9cQu4muVM5MaaM1QcOT4It8Y/CYlw="
	fixtureTimestamp          = 1587127747
)

const (
	stepRequestSignedTokens = "request_signed_tokens"
	stepGetSignedTokens     = "get_signed_tokens"
	stepCreateConfirmation  = "create_confirmation"
	stepFetchPaymentToken   = "fetch_payment_token"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeLedger answers the four endpoints with real signatures in the shape
// of the recorded ledger responses.
type fakeLedger struct {
	confirmationKey *crypto.SigningKey
	paymentKey      *crypto.SigningKey

	mu            sync.Mutex
	requests      []client.Request
	calls         map[string]int
	batches       map[string][]string
	confirmations map[string]string
	credentials   map[string]string
	preimages     map[string]string
	// status overrides the reply of a step
	status map[string]int
	// body overrides the body of a successful reply of a step
	body    map[string]string
	shuffle bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		confirmationKey: crypto.GenerateSigningKey("confirmation seed", "0"),
		paymentKey:      crypto.GenerateSigningKey("payment seed", "1"),
		calls:           make(map[string]int),
		batches:         make(map[string][]string),
		confirmations:   make(map[string]string),
		credentials:     make(map[string]string),
		preimages:       make(map[string]string),
		status:          make(map[string]int),
		body:            make(map[string]string),
	}
}

func (f *fakeLedger) setStatus(step string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == 0 {
		delete(f.status, step)
		return
	}
	f.status[step] = status
}

func (f *fakeLedger) callCount(step string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[step]
}

func (f *fakeLedger) requestLog() []client.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.Request{}, f.requests...)
}

// issue signs count tokens for seeding a pool.
func (f *fakeLedger) issue(t *testing.T, count int) []TokenInfo {
	t.Helper()
	unblinded, err := testutils.IssueTokens(f.confirmationKey, count)
	if err != nil {
		t.Fatalf("error issuing tokens: %v", err)
	}
	tokens := make([]TokenInfo, count)
	for i, token := range unblinded {
		tokens[i] = NewTokenInfo(token, f.confirmationKey.PublicKey().EncodeBase64())
	}
	return tokens
}

func (f *fakeLedger) Do(ctx context.Context, req client.Request) (*client.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	segments := strings.Split(strings.TrimPrefix(u.EscapedPath(), "/v1/confirmation/"), "/")
	if len(segments) != 2 {
		return reply(http.StatusNotFound, `{"detail":"not found"}`), nil
	}

	var step string
	switch {
	case segments[0] == "token" && req.Method == http.MethodPost:
		step = stepRequestSignedTokens
	case segments[0] == "token" && req.Method == http.MethodGet:
		step = stepGetSignedTokens
	case segments[1] == "paymentToken" && req.Method == http.MethodGet:
		step = stepFetchPaymentToken
	case req.Method == http.MethodPut:
		step = stepCreateConfirmation
	default:
		return reply(http.StatusMethodNotAllowed, ""), nil
	}
	f.calls[step]++

	if status, ok := f.status[step]; ok {
		return reply(status, `{"detail":"injected failure"}`), nil
	}

	switch step {
	case stepRequestSignedTokens:
		return f.requestSignedTokens(req)
	case stepGetSignedTokens:
		return f.getSignedTokens(u.Query().Get("nonce"))
	case stepCreateConfirmation:
		return f.createConfirmation(segments[0], segments[1])
	default:
		return f.fetchPaymentToken(segments[0])
	}
}

func reply(status int, body string) *client.Response {
	return &client.Response{StatusCode: status, Body: []byte(body), Headers: http.Header{}}
}

func (f *fakeLedger) requestSignedTokens(req client.Request) (*client.Response, error) {
	if body, ok := f.body[stepRequestSignedTokens]; ok {
		return reply(http.StatusCreated, body), nil
	}

	var request api.RequestSignedTokensRequest
	if err := json.Unmarshal(req.Body, &request); err != nil {
		return reply(http.StatusBadRequest, ""), nil
	}

	nonce := fixtureNonce
	if _, ok := f.batches[nonce]; ok {
		nonce = uuid.NewString()
	}
	f.batches[nonce] = request.BlindedTokens

	return reply(http.StatusCreated, fmt.Sprintf(`{"nonce":"%s"}`, nonce)), nil
}

func (f *fakeLedger) getSignedTokens(nonce string) (*client.Response, error) {
	if body, ok := f.body[stepGetSignedTokens]; ok {
		return reply(http.StatusOK, body), nil
	}

	blindedTokens, ok := f.batches[nonce]
	if !ok {
		return reply(http.StatusNotFound, ""), nil
	}
	signedTokens, batchProof, err := testutils.SignBlindedTokens(f.confirmationKey, blindedTokens)
	if err != nil {
		return nil, err
	}
	if f.shuffle && len(signedTokens) > 1 {
		signedTokens[0], signedTokens[1] = signedTokens[1], signedTokens[0]
	}

	body, _ := json.Marshal(api.GetSignedTokensResponse{
		BatchProof:   batchProof,
		SignedTokens: signedTokens,
		PublicKey:    f.confirmationKey.PublicKey().EncodeBase64(),
	})
	return reply(http.StatusOK, string(body)), nil
}

func (f *fakeLedger) createConfirmation(id, escapedCredential string) (*client.Response, error) {
	credential, err := url.PathUnescape(escapedCredential)
	if err != nil {
		return reply(http.StatusBadRequest, ""), nil
	}
	if existing, ok := f.credentials[id]; ok && existing != credential {
		return reply(http.StatusConflict, `{"detail":"confirmation already exists","code":11003}`), nil
	}
	credentialJSON, err := base64.StdEncoding.DecodeString(credential)
	if err != nil {
		return reply(http.StatusBadRequest, ""), nil
	}
	var cred api.Credential
	if err := json.Unmarshal(credentialJSON, &cred); err != nil {
		return reply(http.StatusBadRequest, ""), nil
	}

	preimage, _ := base64.StdEncoding.DecodeString(cred.T)
	signature, _ := base64.StdEncoding.DecodeString(cred.Signature)
	unblinded, err := f.confirmationKey.RederiveUnblindedToken(preimage)
	if err != nil {
		return reply(http.StatusBadRequest, ""), nil
	}
	verificationKey := unblinded.DeriveVerificationKey()
	if !verificationKey.Verify(signature, []byte(cred.Payload)) {
		return reply(http.StatusBadRequest, `{"detail":"credential is invalid"}`), nil
	}

	if spentBy, ok := f.preimages[cred.T]; ok && spentBy != id {
		return reply(http.StatusConflict, `{"detail":"token has already been redeemed"}`), nil
	}
	f.preimages[cred.T] = id

	var dto api.ConfirmationRequestDTO
	if err := json.Unmarshal([]byte(cred.Payload), &dto); err != nil {
		return reply(http.StatusBadRequest, ""), nil
	}
	f.confirmations[id] = dto.BlindedPaymentToken
	f.credentials[id] = credential

	return reply(http.StatusCreated, fmt.Sprintf(`{
		"id" : "%s",
		"payload" : { },
		"createdAt" : "2020-04-20T10:27:11.717Z",
		"type" : "%s",
		"modifiedAt" : "2020-04-20T10:27:11.736Z",
		"creativeInstanceId" : "%s"
	}`, id, dto.Type, dto.CreativeInstanceId)), nil
}

func (f *fakeLedger) fetchPaymentToken(id string) (*client.Response, error) {
	if body, ok := f.body[stepFetchPaymentToken]; ok {
		return reply(http.StatusOK, body), nil
	}

	blindedPaymentToken, ok := f.confirmations[id]
	if !ok {
		return reply(http.StatusNotFound, ""), nil
	}
	signedTokens, batchProof, err := testutils.SignBlindedTokens(f.paymentKey, []string{blindedPaymentToken})
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(api.PaymentTokenResponse{
		Id:                 id,
		CreatedAt:          "2020-04-20T10:27:11.717Z",
		Type:               "view",
		ModifiedAt:         "2020-04-20T10:27:11.736Z",
		CreativeInstanceId: fixtureCreativeInstanceId,
		PaymentToken: &api.SignedTokens{
			BatchProof:   batchProof,
			SignedTokens: signedTokens,
			PublicKey:    f.paymentKey.PublicKey().EncodeBase64(),
		},
	})
	return reply(http.StatusOK, string(body)), nil
}

// spentPreimages returns confirmation id by revealed token preimage.
func (f *fakeLedger) spentPreimages() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	spent := make(map[string]string, len(f.preimages))
	for preimage, id := range f.preimages {
		spent[preimage] = id
	}
	return spent
}

type redeemCall struct {
	result       Result
	confirmation ConfirmationInfo
	shouldRetry  bool
}

type redeemRecorder struct {
	mu    sync.Mutex
	calls []redeemCall
}

func (r *redeemRecorder) OnRedeem(result Result, confirmation ConfirmationInfo, shouldRetry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, redeemCall{result: result, confirmation: confirmation, shouldRetry: shouldRetry})
}

func (r *redeemRecorder) Calls() []redeemCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]redeemCall{}, r.calls...)
}
