package reward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	rpcMethodSubmitTransfer = "veilx_submitTransfer"
	rpcMethodGetReceipt     = "veilx_getTransferReceipt"

	rpcCodeInsufficientFunds = -32010
	rpcCodeRejected          = -32015

	defaultConfirmPollInterval = 2 * time.Second
	defaultConfirmDeadline     = 2 * time.Minute
)

var (
	// ErrInvalidDistributorConfig indicates required configuration is missing.
	ErrInvalidDistributorConfig = errors.New("reward: invalid distributor config")
	errMissingTreasury          = errors.New("reward: treasury capability required")
	errMissingRecipient         = errors.New("reward: recipient address required")
)

// Treasury is the explicit signing capability for platform-funded transfers.
// It is passed per call rather than held as ambient distributor state.
type Treasury struct {
	Address    string
	SigningKey string
}

// IDProvider mints identifiers for transaction rows.
type IDProvider interface {
	NewID() (string, error)
}

// DistributorConfig bundles the dependencies of the reward distributor.
type DistributorConfig struct {
	Database            *gorm.DB
	RPCURL              string
	HTTPClient          *http.Client
	IDProvider          IDProvider
	Clock               func() time.Time
	ConfirmPollInterval time.Duration
	ConfirmDeadline     time.Duration
	Logger              *zap.Logger
}

// Distributor broadcasts value transfers on the reward chain and records them
// durably so a consent action is never paid twice.
type Distributor struct {
	db           *gorm.DB
	rpcURL       string
	httpClient   *http.Client
	idProvider   IDProvider
	clock        func() time.Time
	pollInterval time.Duration
	deadline     time.Duration
	logger       *zap.Logger
}

// NewDistributor constructs a Distributor with validated configuration.
func NewDistributor(cfg DistributorConfig) (*Distributor, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%w: database required", ErrInvalidDistributorConfig)
	}
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("%w: rpc url required", ErrInvalidDistributorConfig)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("%w: id provider required", ErrInvalidDistributorConfig)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	pollInterval := cfg.ConfirmPollInterval
	if pollInterval <= 0 {
		pollInterval = defaultConfirmPollInterval
	}
	deadline := cfg.ConfirmDeadline
	if deadline <= 0 {
		deadline = defaultConfirmDeadline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Distributor{
		db:           cfg.Database,
		rpcURL:       strings.TrimSpace(cfg.RPCURL),
		httpClient:   httpClient,
		idProvider:   cfg.IDProvider,
		clock:        clock,
		pollInterval: pollInterval,
		deadline:     deadline,
		logger:       logger,
	}, nil
}

// Distribute broadcasts a transfer to the recipient unless an active transfer
// already exists for the idempotency key, in which case that transfer is
// returned unchanged. Callers retrying after a transport error therefore never
// double-pay.
func (d *Distributor) Distribute(ctx context.Context, treasury Treasury, toAddress, amount, idempotencyKey, documentID string) (Transaction, error) {
	if strings.TrimSpace(treasury.Address) == "" {
		return Transaction{}, errMissingTreasury
	}
	if strings.TrimSpace(toAddress) == "" {
		return Transaction{}, errMissingRecipient
	}

	if existing, found, err := d.findActive(ctx, idempotencyKey); err != nil {
		return Transaction{}, err
	} else if found {
		d.logger.Info("reusing recorded reward transaction",
			zap.String("idempotency_key", idempotencyKey),
			zap.String("tx_hash", existing.TxHash))
		return existing, nil
	}

	txHash, err := d.submitTransfer(ctx, treasury, toAddress, amount)
	if err != nil {
		return Transaction{}, err
	}

	txID, err := d.idProvider.NewID()
	if err != nil {
		return Transaction{}, err
	}
	now := d.clock().UTC().Unix()
	record := Transaction{
		TxID:             txID,
		IdempotencyKey:   idempotencyKey,
		DocumentID:       documentID,
		TxHash:           txHash,
		FromAddress:      treasury.Address,
		ToAddress:        toAddress,
		Amount:           amount,
		Status:           StatusBroadcast,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := d.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Transaction{}, err
	}

	d.logger.Info("reward transfer broadcast",
		zap.String("tx_hash", txHash),
		zap.String("to_address", toAddress),
		zap.String("amount", amount))
	return record, nil
}

// Confirm polls the chain until the transfer finalizes, fails, or the deadline
// elapses. The recorded status is updated before returning.
func (d *Distributor) Confirm(ctx context.Context, txHash string) (Status, error) {
	deadline := d.clock().Add(d.deadline)
	for {
		status, err := d.getReceipt(ctx, txHash)
		if err != nil && !errors.Is(err, ErrNetworkUnavailable) {
			// A terminal node answer settles the transfer; the row must not
			// stay active or the idempotency lookup would block a fresh payout.
			if markErr := d.markStatus(ctx, txHash, StatusFailed); markErr != nil {
				return "", markErr
			}
			return StatusFailed, err
		}
		if err == nil {
			switch status {
			case StatusConfirmed:
				if err := d.markStatus(ctx, txHash, StatusConfirmed); err != nil {
					return "", err
				}
				return StatusConfirmed, nil
			case StatusFailed:
				if err := d.markStatus(ctx, txHash, StatusFailed); err != nil {
					return "", err
				}
				return StatusFailed, nil
			}
		}

		if d.clock().After(deadline) {
			if err := d.markStatus(ctx, txHash, StatusFailed); err != nil {
				return "", err
			}
			return StatusFailed, ErrConfirmationTimeout
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d.pollInterval):
		}
	}
}

// Lookup returns the recorded transaction for the idempotency key, if any.
func (d *Distributor) Lookup(ctx context.Context, idempotencyKey string) (Transaction, error) {
	var record Transaction
	err := d.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		Order("created_at_s DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Transaction{}, ErrTransactionNotFound
	}
	if err != nil {
		return Transaction{}, err
	}
	return record, nil
}

func (d *Distributor) findActive(ctx context.Context, idempotencyKey string) (Transaction, bool, error) {
	var record Transaction
	err := d.db.WithContext(ctx).
		Where("idempotency_key = ? AND status IN ?", idempotencyKey, []Status{StatusBroadcast, StatusConfirmed}).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	return record, true, nil
}

func (d *Distributor) markStatus(ctx context.Context, txHash string, status Status) error {
	return d.db.WithContext(ctx).Model(&Transaction{}).
		Where("tx_hash = ?", txHash).
		Updates(map[string]interface{}{
			"status":       status,
			"updated_at_s": d.clock().UTC().Unix(),
		}).Error
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type submitTransferParams struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Key    string `json:"key,omitempty"`
}

type submitTransferResult struct {
	TxHash string `json:"tx_hash"`
}

type receiptResult struct {
	Status string `json:"status"`
}

func (d *Distributor) submitTransfer(ctx context.Context, treasury Treasury, toAddress, amount string) (string, error) {
	params := submitTransferParams{
		From:   treasury.Address,
		To:     toAddress,
		Amount: amount,
		Key:    treasury.SigningKey,
	}
	var result submitTransferResult
	if err := d.call(ctx, rpcMethodSubmitTransfer, []interface{}{params}, &result); err != nil {
		return "", err
	}
	if result.TxHash == "" {
		return "", fmt.Errorf("%w: node returned empty tx hash", ErrTransactionRejected)
	}
	return result.TxHash, nil
}

func (d *Distributor) getReceipt(ctx context.Context, txHash string) (Status, error) {
	var result receiptResult
	if err := d.call(ctx, rpcMethodGetReceipt, []interface{}{txHash}, &result); err != nil {
		return "", err
	}
	switch strings.ToLower(result.Status) {
	case "confirmed":
		return StatusConfirmed, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusBroadcast, nil
	}
}

func (d *Distributor) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, d.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := d.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 500 {
		return fmt.Errorf("%w: node returned status %d", ErrNetworkUnavailable, response.StatusCode)
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: node returned status %d", ErrTransactionRejected, response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	if decoded.Error != nil {
		return mapRPCError(decoded.Error)
	}
	if result != nil {
		if err := json.Unmarshal(decoded.Result, result); err != nil {
			return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
		}
	}
	return nil
}

func mapRPCError(rpcErr *rpcError) error {
	switch rpcErr.Code {
	case rpcCodeInsufficientFunds:
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, rpcErr.Message)
	case rpcCodeRejected:
		return fmt.Errorf("%w: %s", ErrTransactionRejected, rpcErr.Message)
	default:
		return fmt.Errorf("%w: rpc error %d: %s", ErrTransactionRejected, rpcErr.Code, rpcErr.Message)
	}
}
