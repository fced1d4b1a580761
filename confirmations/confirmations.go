package confirmations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elnosh/confirmations/confirmations/client"
	"github.com/elnosh/confirmations/confirmations/pubsub"
	"github.com/elnosh/confirmations/confirmations/storage"
	"github.com/elnosh/confirmations/crypto"
	"github.com/fxamacker/cbor/v2"
)

const (
	ConfirmationsQueueStateName = "confirmations_queue"

	RedeemedTopic = "redeemed"
	FailedTopic   = "failed"

	DefaultRetryInitialInterval = 15 * time.Second
	DefaultRetryMaxInterval     = 10 * time.Minute
	DefaultMaxRetryAttempts     = 10
	DefaultMaxRefillRetries     = 3
)

type Config struct {
	LedgerURL              string
	MinimumUnblindedTokens int
	MaximumUnblindedTokens int
	// pinned issuer keys, base64
	ConfirmationPublicKey string
	PaymentPublicKey      string

	// retry policy for failed confirmations and pool refills
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// RetryRandomizationFactor of 0 disables jitter
	RetryRandomizationFactor float64
	MaxRetryAttempts         int
	MaxRefillRetries         int
}

// Confirmations owns the token pools and redeems confirmations for ad
// events. Failed confirmations that may succeed later are kept in a
// persisted queue and resubmitted by RetryFailedConfirmations.
type Confirmations struct {
	config                 Config
	store                  storage.StateStore
	unblindedTokens        *UnblindedTokens
	unblindedPaymentTokens *UnblindedTokens
	redeemToken            *RedeemToken
	publisher              *pubsub.PubSub
	logger                 *slog.Logger

	mu    sync.Mutex
	queue []queuedConfirmation
	// ids with a redemption running
	inFlight map[string]struct{}
	now      func() time.Time
}

// ConfirmationEvent is published on the redeemed and failed topics.
type ConfirmationEvent struct {
	Id                 string `json:"id"`
	CreativeInstanceId string `json:"creative_instance_id"`
	Type               string `json:"type"`
	Result             string `json:"result"`
	ShouldRetry        bool   `json:"should_retry"`
	Attempts           int    `json:"attempts"`
}

func NewConfirmations(config Config, store storage.StateStore, client client.Client, logger *slog.Logger) *Confirmations {
	if config.RetryInitialInterval == 0 {
		config.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if config.RetryMaxInterval == 0 {
		config.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if config.MaxRetryAttempts == 0 {
		config.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if config.MaxRefillRetries == 0 {
		config.MaxRefillRetries = DefaultMaxRefillRetries
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Confirmations{
		config:                 config,
		store:                  store,
		unblindedTokens:        NewUnblindedTokens(UnblindedTokensStateName, store, logger),
		unblindedPaymentTokens: NewUnblindedTokens(UnblindedPaymentTokensStateName, store, logger),
		publisher:              pubsub.NewPubSub(),
		logger:                 logger,
		inFlight:               make(map[string]struct{}),
		now:                    time.Now,
	}

	redeemConfig := RedeemConfig{
		LedgerURL:              config.LedgerURL,
		MinimumUnblindedTokens: config.MinimumUnblindedTokens,
		MaximumUnblindedTokens: config.MaximumUnblindedTokens,
		ConfirmationPublicKey:  config.ConfirmationPublicKey,
		PaymentPublicKey:       config.PaymentPublicKey,
	}
	c.redeemToken = NewRedeemToken(redeemConfig, client, c.unblindedTokens, c.unblindedPaymentTokens, c, logger)

	return c
}

// Initialize restores both pools and the retry queue.
func (c *Confirmations) Initialize() error {
	if err := c.unblindedTokens.Load(); err != nil {
		return err
	}
	if err := c.unblindedPaymentTokens.Load(); err != nil {
		return err
	}

	value, err := c.store.Load(ConfirmationsQueueStateName)
	if errors.Is(err, storage.ErrStateNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error loading %v: %w", ConfirmationsQueueStateName, err)
	}

	var state queueState
	if err := cbor.Unmarshal(value, &state); err != nil {
		return fmt.Errorf("error decoding %v: %w", ConfirmationsQueueStateName, err)
	}

	queue := make([]queuedConfirmation, 0, len(state.Confirmations))
	for _, queued := range state.Confirmations {
		// a queued confirmation that no longer decodes cannot be redeemed
		if _, err := queued.confirmationInfo(); err != nil {
			c.logger.Error("dropping queued confirmation",
				slog.String("confirmation_id", queued.Id), slog.String("error", err.Error()))
			continue
		}
		queue = append(queue, queued)
	}

	c.mu.Lock()
	c.queue = queue
	failedConfirmationsCount.Set(float64(len(queue)))
	c.mu.Unlock()

	c.logger.Info("loaded confirmations state",
		slog.Int("unblinded_tokens", c.unblindedTokens.Count()),
		slog.Int("unblinded_payment_tokens", c.unblindedPaymentTokens.Count()),
		slog.Int("failed_confirmations", len(queue)))
	return nil
}

// ConfirmAd creates a confirmation for an ad event and redeems it. A
// retryable failure leaves the confirmation in the retry queue.
func (c *Confirmations) ConfirmAd(ctx context.Context, creativeInstanceId string,
	confirmationType ConfirmationType) (ConfirmationInfo, error) {

	confirmation, err := NewConfirmationInfo(creativeInstanceId, confirmationType)
	if err != nil {
		return ConfirmationInfo{}, err
	}
	c.logger.Debug("confirming ad",
		slog.String("confirmation_id", confirmation.Id),
		slog.String("creative_instance_id", creativeInstanceId),
		slog.String("type", confirmationType.String()))

	if err := c.redeem(ctx, confirmation); err != nil {
		return confirmation, err
	}
	return confirmation, nil
}

// Redeem redeems a confirmation built by the caller. A confirmation that
// is already being redeemed is refused with ErrRedeemInProgress and
// leaves the pools untouched.
func (c *Confirmations) Redeem(ctx context.Context, confirmation ConfirmationInfo) error {
	return c.redeem(ctx, confirmation)
}

func (c *Confirmations) redeem(ctx context.Context, confirmation ConfirmationInfo) error {
	if !c.startRedeem(confirmation.Id) {
		c.logger.Warn("confirmation is already being redeemed", slog.String("confirmation_id", confirmation.Id))
		return fmt.Errorf("%w: %v", ErrRedeemInProgress, confirmation.Id)
	}
	defer c.finishRedeem(confirmation.Id)

	if !confirmation.Created && confirmation.TokenInfo.IsEmpty() && c.unblindedTokens.IsEmpty() {
		if err := c.RefillTokens(ctx, confirmation.CreativeInstanceId); err != nil {
			c.logger.Warn("could not refill empty token pool",
				slog.String("confirmation_id", confirmation.Id), slog.String("error", err.Error()))
		}
	}
	return c.redeemToken.Redeem(ctx, confirmation)
}

// RefillTokens requests a batch of confirmation tokens, retrying
// transient failures with exponential backoff.
func (c *Confirmations) RefillTokens(ctx context.Context, creativeInstanceId string) error {
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.config.MaxRefillRetries)), ctx)

	return backoff.RetryNotify(func() error {
		err := c.redeemToken.RefillTokens(ctx, creativeInstanceId)
		if err != nil && !ShouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		c.logger.Warn("error refilling tokens",
			slog.String("error", err.Error()), slog.Duration("retry_in", next))
	})
}

// RetryFailedConfirmations resubmits every queued confirmation that is
// due and returns how many were resubmitted.
func (c *Confirmations) RetryFailedConfirmations(ctx context.Context) (int, error) {
	now := c.now()

	c.mu.Lock()
	due := make([]queuedConfirmation, 0, len(c.queue))
	for _, queued := range c.queue {
		if !now.Before(time.Unix(queued.RetryAfter, 0)) {
			due = append(due, queued)
		}
	}
	c.mu.Unlock()

	retried := 0
	for _, queued := range due {
		if err := ctx.Err(); err != nil {
			return retried, err
		}

		confirmation, err := queued.confirmationInfo()
		if err != nil {
			return retried, err
		}

		c.logger.Info("retrying failed confirmation",
			slog.String("confirmation_id", confirmation.Id), slog.Int("attempts", queued.Attempts))
		// outcome is recorded through OnRedeem
		if err := c.redeem(ctx, confirmation); errors.Is(err, ErrRedeemInProgress) {
			continue
		}
		retried++
	}
	return retried, nil
}

// OnRedeem keeps the retry queue in sync with redemption outcomes and
// notifies subscribers.
func (c *Confirmations) OnRedeem(result Result, confirmation ConfirmationInfo, shouldRetry bool) {
	c.mu.Lock()
	attempts := 0
	idx := -1
	for i, queued := range c.queue {
		if queued.Id == confirmation.Id {
			attempts = queued.Attempts
			idx = i
			break
		}
	}
	if idx >= 0 {
		c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
	}
	attempts++

	if result == Failed && shouldRetry {
		if attempts > c.config.MaxRetryAttempts {
			c.logger.Error("giving up on confirmation",
				slog.String("confirmation_id", confirmation.Id), slog.Int("attempts", attempts))
			shouldRetry = false
		} else {
			queued := newQueuedConfirmation(confirmation)
			queued.Attempts = attempts
			queued.RetryAfter = c.now().Add(c.retryDelay(attempts)).Unix()
			c.queue = append(c.queue, queued)
		}
	}

	if err := c.saveQueue(); err != nil {
		c.logger.Error("error saving confirmations queue", slog.String("error", err.Error()))
	}
	failedConfirmationsCount.Set(float64(len(c.queue)))
	c.mu.Unlock()

	topic := RedeemedTopic
	if result == Failed {
		topic = FailedTopic
	}
	event, _ := json.Marshal(ConfirmationEvent{
		Id:                 confirmation.Id,
		CreativeInstanceId: confirmation.CreativeInstanceId,
		Type:               confirmation.Type.String(),
		Result:             result.String(),
		ShouldRetry:        shouldRetry,
		Attempts:           attempts,
	})
	c.publisher.Publish(topic, event)
}

func (c *Confirmations) startRedeem(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inFlight[id]; ok {
		return false
	}
	c.inFlight[id] = struct{}{}
	return true
}

func (c *Confirmations) finishRedeem(id string) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}

// Subscribe registers a listener for RedeemedTopic or FailedTopic.
func (c *Confirmations) Subscribe(topic string) *pubsub.Subscriber {
	return c.publisher.Subscribe(topic)
}

func (c *Confirmations) Unsubscribe(subscriber *pubsub.Subscriber, topic string) {
	c.publisher.Unsubscribe(subscriber, topic)
	subscriber.Close()
}

// FailedConfirmations returns the confirmations waiting to be retried.
func (c *Confirmations) FailedConfirmations() []ConfirmationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	confirmations := make([]ConfirmationInfo, 0, len(c.queue))
	for _, queued := range c.queue {
		confirmation, err := queued.confirmationInfo()
		if err != nil {
			continue
		}
		confirmations = append(confirmations, confirmation)
	}
	return confirmations
}

// NextRetry returns when the earliest queued confirmation is due. ok is
// false when the queue is empty.
func (c *Confirmations) NextRetry() (next time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, queued := range c.queue {
		retryAfter := time.Unix(queued.RetryAfter, 0)
		if !ok || retryAfter.Before(next) {
			next = retryAfter
			ok = true
		}
	}
	return next, ok
}

func (c *Confirmations) UnblindedTokens() *UnblindedTokens {
	return c.unblindedTokens
}

func (c *Confirmations) UnblindedPaymentTokens() *UnblindedTokens {
	return c.unblindedPaymentTokens
}

func (c *Confirmations) Close() error {
	return c.store.Close()
}

func (c *Confirmations) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryInitialInterval
	b.MaxInterval = c.config.RetryMaxInterval
	b.RandomizationFactor = c.config.RetryRandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retryDelay is the backoff interval before attempt number attempts+1.
func (c *Confirmations) retryDelay(attempts int) time.Duration {
	b := c.newBackOff()
	delay := b.InitialInterval
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// saveQueue must be called with c.mu held.
func (c *Confirmations) saveQueue() error {
	queue := c.queue
	if queue == nil {
		queue = []queuedConfirmation{}
	}
	value, err := cbor.Marshal(queueState{Version: queueStateVersion, Confirmations: queue})
	if err != nil {
		return err
	}
	return c.store.Save(ConfirmationsQueueStateName, value)
}

const queueStateVersion = 1

type queueState struct {
	Version       int                  `cbor:"version"`
	Confirmations []queuedConfirmation `cbor:"confirmations"`
}

type queuedConfirmation struct {
	Id                  string    `cbor:"id"`
	CreativeInstanceId  string    `cbor:"creative_instance_id"`
	Type                string    `cbor:"type"`
	TokenInfo           TokenInfo `cbor:"token_info"`
	PaymentToken        string    `cbor:"payment_token"`
	BlindedPaymentToken string    `cbor:"blinded_payment_token"`
	Credential          string    `cbor:"credential"`
	TimestampInSeconds  int64     `cbor:"timestamp_in_seconds"`
	Created             bool      `cbor:"created"`
	Attempts            int       `cbor:"attempts"`
	RetryAfter          int64     `cbor:"retry_after"`
}

func newQueuedConfirmation(confirmation ConfirmationInfo) queuedConfirmation {
	queued := queuedConfirmation{
		Id:                 confirmation.Id,
		CreativeInstanceId: confirmation.CreativeInstanceId,
		Type:               confirmation.Type.String(),
		TokenInfo:          confirmation.TokenInfo,
		Credential:         confirmation.Credential,
		TimestampInSeconds: confirmation.TimestampInSeconds,
		Created:            confirmation.Created,
	}
	if confirmation.PaymentToken != nil {
		queued.PaymentToken = confirmation.PaymentToken.EncodeBase64()
	}
	if confirmation.BlindedPaymentToken != nil {
		queued.BlindedPaymentToken = confirmation.BlindedPaymentToken.EncodeBase64()
	}
	return queued
}

func (q queuedConfirmation) confirmationInfo() (ConfirmationInfo, error) {
	paymentToken, err := crypto.DecodeTokenBase64(q.PaymentToken)
	if err != nil {
		return ConfirmationInfo{}, fmt.Errorf("%w: payment token: %v", ErrMalformedToken, err)
	}
	blindedPaymentToken, err := crypto.DecodeBlindedTokenBase64(q.BlindedPaymentToken)
	if err != nil {
		return ConfirmationInfo{}, fmt.Errorf("%w: blinded payment token: %v", ErrMalformedToken, err)
	}

	return ConfirmationInfo{
		Id:                  q.Id,
		CreativeInstanceId:  q.CreativeInstanceId,
		Type:                ConfirmationType(q.Type),
		TokenInfo:           q.TokenInfo,
		PaymentToken:        paymentToken,
		BlindedPaymentToken: blindedPaymentToken,
		Credential:          q.Credential,
		TimestampInSeconds:  q.TimestampInSeconds,
		Created:             q.Created,
	}, nil
}
