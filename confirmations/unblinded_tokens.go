package confirmations

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/elnosh/confirmations/confirmations/storage"
	"github.com/fxamacker/cbor/v2"
)

const (
	UnblindedTokensStateName        = "unblinded_tokens"
	UnblindedPaymentTokensStateName = "unblinded_payment_tokens"
)

// UnblindedTokens is a pool of spendable tokens. Every mutation is written
// to the state store before it becomes visible, so a token reported as
// removed is never handed out again after a restart.
type UnblindedTokens struct {
	name   string
	store  storage.StateStore
	logger *slog.Logger

	mu     sync.Mutex
	tokens []TokenInfo
	index  map[string]struct{}
}

func NewUnblindedTokens(name string, store storage.StateStore, logger *slog.Logger) *UnblindedTokens {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnblindedTokens{
		name:   name,
		store:  store,
		logger: logger.With(slog.String("pool", name)),
		index:  make(map[string]struct{}),
	}
}

func (u *UnblindedTokens) Name() string {
	return u.name
}

// Load restores the pool from the state store. A missing state is an
// empty pool.
func (u *UnblindedTokens) Load() error {
	value, err := u.store.Load(u.name)
	if errors.Is(err, storage.ErrStateNotFound) {
		u.mu.Lock()
		u.commit(nil)
		u.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("error loading %v: %w", u.name, err)
	}

	tokens, err := decodeTokens(value)
	if err != nil {
		return fmt.Errorf("error decoding %v: %w", u.name, err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	// drop duplicates from a corrupted state rather than refusing to start
	unique := make([]TokenInfo, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if _, ok := seen[token.UnblindedToken]; ok {
			u.logger.Warn("dropping duplicate token from state")
			continue
		}
		seen[token.UnblindedToken] = struct{}{}
		unique = append(unique, token)
	}
	u.commit(unique)

	u.logger.Debug("loaded unblinded tokens", slog.Int("count", len(unique)))
	return nil
}

// GetToken returns the oldest token without removing it.
func (u *UnblindedTokens) GetToken() (TokenInfo, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.tokens) == 0 {
		return TokenInfo{}, ErrTokenPoolEmpty
	}
	return u.tokens[0], nil
}

func (u *UnblindedTokens) GetAllTokens() []TokenInfo {
	u.mu.Lock()
	defer u.mu.Unlock()

	tokens := make([]TokenInfo, len(u.tokens))
	copy(tokens, u.tokens)
	return tokens
}

// SetTokens replaces the contents of the pool.
func (u *UnblindedTokens) SetTokens(tokens []TokenInfo) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	seen := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if token.IsEmpty() {
			return fmt.Errorf("%w: empty token", ErrMalformedToken)
		}
		if _, ok := seen[token.UnblindedToken]; ok {
			return ErrDuplicateToken
		}
		seen[token.UnblindedToken] = struct{}{}
	}

	return u.persistAndCommit(append([]TokenInfo{}, tokens...))
}

// AddTokens appends tokens to the pool. The whole batch is rejected if
// any token is already in the pool or repeated within the batch.
func (u *UnblindedTokens) AddTokens(tokens []TokenInfo) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	seen := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if token.IsEmpty() {
			return fmt.Errorf("%w: empty token", ErrMalformedToken)
		}
		_, inPool := u.index[token.UnblindedToken]
		_, inBatch := seen[token.UnblindedToken]
		if inPool || inBatch {
			return ErrDuplicateToken
		}
		seen[token.UnblindedToken] = struct{}{}
	}

	updated := make([]TokenInfo, 0, len(u.tokens)+len(tokens))
	updated = append(updated, u.tokens...)
	updated = append(updated, tokens...)
	return u.persistAndCommit(updated)
}

// RemoveToken removes a token by value. Removing a token that is not in
// the pool means it was already spent and is reported as ErrTokenNotFound.
func (u *UnblindedTokens) RemoveToken(token TokenInfo) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.removeLocked(token)
}

func (u *UnblindedTokens) RemoveAllTokens() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.persistAndCommit(nil)
}

// SpendToken draws the oldest token, hands it to spend and removes it
// once spend succeeds, all without releasing the pool. Concurrent
// redemptions can never be handed the same token. A token spend rejects
// as malformed is discarded.
func (u *UnblindedTokens) SpendToken(spend func(TokenInfo) error) (TokenInfo, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.tokens) == 0 {
		return TokenInfo{}, ErrTokenPoolEmpty
	}
	token := u.tokens[0]

	if err := spend(token); err != nil {
		if errors.Is(err, ErrMalformedToken) {
			u.logger.Error("discarding malformed token", slog.String("error", err.Error()))
			if removeErr := u.removeLocked(token); removeErr != nil {
				return TokenInfo{}, removeErr
			}
		}
		return TokenInfo{}, err
	}

	if err := u.removeLocked(token); err != nil {
		return TokenInfo{}, err
	}
	return token, nil
}

func (u *UnblindedTokens) TokenExists(token TokenInfo) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	_, ok := u.index[token.UnblindedToken]
	return ok
}

func (u *UnblindedTokens) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	return len(u.tokens)
}

func (u *UnblindedTokens) IsEmpty() bool {
	return u.Count() == 0
}

func (u *UnblindedTokens) removeLocked(token TokenInfo) error {
	if _, ok := u.index[token.UnblindedToken]; !ok {
		return ErrTokenNotFound
	}

	updated := make([]TokenInfo, 0, len(u.tokens)-1)
	for _, t := range u.tokens {
		if t.UnblindedToken != token.UnblindedToken {
			updated = append(updated, t)
		}
	}
	return u.persistAndCommit(updated)
}

// persistAndCommit writes the new contents and only then swaps them in.
func (u *UnblindedTokens) persistAndCommit(tokens []TokenInfo) error {
	value, err := encodeTokens(tokens)
	if err != nil {
		return fmt.Errorf("error encoding %v: %w", u.name, err)
	}
	if err := u.store.Save(u.name, value); err != nil {
		u.logger.Error("error saving unblinded tokens", slog.String("error", err.Error()))
		return fmt.Errorf("error saving %v: %w", u.name, err)
	}

	u.commit(tokens)
	return nil
}

func (u *UnblindedTokens) commit(tokens []TokenInfo) {
	u.tokens = tokens
	u.index = make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		u.index[token.UnblindedToken] = struct{}{}
	}
	unblindedTokensCount.WithLabelValues(u.name).Set(float64(len(tokens)))
}

type tokensState struct {
	Version int         `cbor:"version"`
	Tokens  []TokenInfo `cbor:"tokens"`
}

const tokensStateVersion = 1

func encodeTokens(tokens []TokenInfo) ([]byte, error) {
	if tokens == nil {
		tokens = []TokenInfo{}
	}
	return cbor.Marshal(tokensState{Version: tokensStateVersion, Tokens: tokens})
}

func decodeTokens(value []byte) ([]TokenInfo, error) {
	var state tokensState
	if err := cbor.Unmarshal(value, &state); err != nil {
		return nil, err
	}
	if state.Version != tokensStateVersion {
		return nil, fmt.Errorf("unsupported state version %d", state.Version)
	}
	return state.Tokens, nil
}
