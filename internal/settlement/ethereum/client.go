package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/xela07ax/commerce-gate/internal/domain"
	"github.com/xela07ax/commerce-gate/internal/settlement"
)

const erc20ABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

// Методы внешнего подписанта. Ключи и подпись живут за его границей.
const (
	methodSubmit = "settlement_submit"
	methodLookup = "settlement_lookup"
)

// Коды JSON-RPC, после которых повтор имеет смысл.
var transientRPCCodes = map[int]bool{
	-32005: true, // limit exceeded
	-32603: true, // internal error
}

type Config struct {
	RPCURL        string
	TokenAddress  string
	TokenDecimals int
	Wallets       map[string]string // agent_id -> адрес кошелька
	// Confirm > 0 включает ожидание квитанции транзакции с таким интервалом опроса.
	Confirm time.Duration
}

// Client — адаптер сети расчетов поверх EVM JSON-RPC: балансы читаются из ERC-20
// контракта напрямую, отправка идет через внешний подписант на том же endpoint.
type Client struct {
	rpc      *gethrpc.Client
	eth      *ethclient.Client
	token    common.Address
	decimals int
	wallets  map[string]common.Address
	confirm  time.Duration
	erc20    abi.ABI
	logger   *zap.Logger
}

var _ settlement.Client = (*Client)(nil)

func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("settlement rpc url is not configured")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("invalid token contract address %q", cfg.TokenAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	wallets := make(map[string]common.Address, len(cfg.Wallets))
	for agent, addr := range cfg.Wallets {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid wallet address for %s: %q", agent, addr)
		}
		wallets[agent] = common.HexToAddress(addr)
	}
	decimals := cfg.TokenDecimals
	if decimals == 0 {
		decimals = 6
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial settlement rpc: %w", err)
	}
	return &Client{
		rpc:      rpcClient,
		eth:      ethclient.NewClient(rpcClient),
		token:    common.HexToAddress(cfg.TokenAddress),
		decimals: decimals,
		wallets:  wallets,
		confirm:  cfg.Confirm,
		erc20:    parsed,
		logger:   logger.With(zap.String("mod", "settlement-evm")),
	}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

type submitRequest struct {
	IdempotencyKey string                 `json:"idempotency_key"`
	Instruction    settlement.Instruction `json:"instruction"`
}

type submitResponse struct {
	TxHash        string `json:"tx_hash"`
	SettledMicros int64  `json:"settled_micros"`
	Found         bool   `json:"found"`
}

func (c *Client) Submit(ctx context.Context, ins settlement.Instruction, key string) (settlement.Receipt, error) {
	var resp submitResponse
	if err := c.rpc.CallContext(ctx, &resp, methodSubmit, submitRequest{IdempotencyKey: key, Instruction: ins}); err != nil {
		return settlement.Receipt{}, classify("submit", err)
	}
	if resp.TxHash == "" {
		return settlement.Receipt{}, &settlement.TerminalError{Op: "submit", Code: "empty_tx_hash", Cause: errors.New("signer returned no transaction hash")}
	}
	receipt := settlement.Receipt{
		TxHash:        resp.TxHash,
		SettledAmount: domain.Micros(resp.SettledMicros),
		SettledAt:     time.Now().UTC(),
	}
	if receipt.SettledAmount == 0 {
		receipt.SettledAmount = ins.Amount
	}
	if c.confirm > 0 {
		if err := c.waitMined(ctx, common.HexToHash(resp.TxHash)); err != nil {
			return settlement.Receipt{}, err
		}
	}
	return receipt, nil
}

// waitMined опрашивает квитанцию до включения в блок. Откат транзакции — терминальная ошибка.
func (c *Client) waitMined(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(c.confirm)
	defer ticker.Stop()
	for {
		rcpt, err := c.eth.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if rcpt.Status == coretypes.ReceiptStatusFailed {
				return &settlement.TerminalError{Op: "submit", Code: "reverted", Cause: fmt.Errorf("transaction %s reverted", hash.Hex())}
			}
			return nil
		case errors.Is(err, gethcore.NotFound):
		default:
			return classify("receipt", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return &settlement.TransientError{Op: "receipt", Cause: ctx.Err()}
		}
	}
}

func (c *Client) Lookup(ctx context.Context, key string) (settlement.Receipt, bool, error) {
	var resp submitResponse
	if err := c.rpc.CallContext(ctx, &resp, methodLookup, key); err != nil {
		return settlement.Receipt{}, false, classify("lookup", err)
	}
	if !resp.Found || resp.TxHash == "" {
		return settlement.Receipt{}, false, nil
	}
	return settlement.Receipt{TxHash: resp.TxHash, SettledAmount: domain.Micros(resp.SettledMicros)}, true, nil
}

func (c *Client) CheckBalance(ctx context.Context, agentID string) (domain.Micros, error) {
	wallet, ok := c.wallets[agentID]
	if !ok {
		return 0, &settlement.TerminalError{Op: "check_balance", Code: "unknown_wallet", Cause: fmt.Errorf("no wallet configured for %s", agentID)}
	}
	data, err := c.erc20.Pack("balanceOf", wallet)
	if err != nil {
		return 0, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return 0, classify("check_balance", err)
	}
	values, err := c.erc20.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return 0, &settlement.TerminalError{Op: "check_balance", Code: "bad_response", Cause: fmt.Errorf("unpack balanceOf: %v", err)}
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return 0, &settlement.TerminalError{Op: "check_balance", Code: "bad_response", Cause: fmt.Errorf("unexpected balance type %T", values[0])}
	}
	return toMicros(raw, c.decimals)
}

// toMicros переводит сумму токена с заданной точностью в микро-единицы (усечение).
func toMicros(v *big.Int, decimals int) (domain.Micros, error) {
	n := new(big.Int).Set(v)
	switch {
	case decimals > 6:
		n.Quo(n, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-6)), nil))
	case decimals < 6:
		n.Mul(n, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(6-decimals)), nil))
	}
	if !n.IsInt64() {
		return 0, &settlement.TerminalError{Op: "check_balance", Code: "overflow", Cause: fmt.Errorf("balance %s does not fit", v)}
	}
	return domain.Micros(n.Int64()), nil
}

// classify раскладывает ошибки go-ethereum по таксономии сети расчетов.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &settlement.TransientError{Op: op, Cause: err}
	}
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return &settlement.TransientError{Op: op, Cause: err}
		}
		return &settlement.TerminalError{Op: op, Code: fmt.Sprintf("http_%d", httpErr.StatusCode), Cause: err}
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		if transientRPCCodes[rpcErr.ErrorCode()] {
			return &settlement.TransientError{Op: op, Cause: err}
		}
		return &settlement.TerminalError{Op: op, Code: fmt.Sprintf("rpc_%d", rpcErr.ErrorCode()), Cause: err}
	}
	if settlement.Transient(err) {
		return &settlement.TransientError{Op: op, Cause: err}
	}
	return &settlement.TerminalError{Op: op, Code: "unknown", Cause: err}
}
