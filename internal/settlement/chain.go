package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/cesnetwork/escrowd/internal/token"
)

// Escrow contract ABI: lock/release/refund/releasePartial keyed by a bytes32
// lock ID derived from the lock transaction hash.
const escrowABI = `[
	{"constant":false,"inputs":[{"name":"owner","type":"address"},{"name":"amount","type":"uint256"}],"name":"lock","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"lockId","type":"bytes32"},{"name":"beneficiary","type":"address"}],"name":"release","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"lockId","type":"bytes32"}],"name":"refund","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"lockId","type":"bytes32"},{"name":"beneficiary","type":"address"},{"name":"amount","type":"uint256"}],"name":"releasePartial","outputs":[],"type":"function"}
]`

// ERC20 minimal ABI for balanceOf.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit for escrow contract calls when estimation fails.
	DefaultGasLimit = uint64(150000)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ChainConfig configures the chain-backed settlement client.
type ChainConfig struct {
	RPCURL         string
	PrivateKey     string // Hex string, with or without 0x prefix
	ChainID        int64
	TokenContract  string
	EscrowContract string
	Timeout        time.Duration // Per-call confirmation timeout
}

// ChainOption configures the chain client.
type ChainOption func(*ChainClient)

// WithEthClient sets a custom Ethereum client (useful for testing).
func WithEthClient(client EthClient) ChainOption {
	return func(c *ChainClient) {
		c.client = client
	}
}

// ChainClient implements Client against an on-chain escrow contract holding
// CES tokens. Transaction hashes double as settlement references; the escrow
// contract derives its lock ID from the lock transaction hash.
type ChainClient struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	tokenAddr  common.Address
	escrowAddr common.Address
	escrowABI  abi.ABI
	tokenABI   abi.ABI
	timeout    time.Duration
}

var _ Client = (*ChainClient)(nil)

// NewChainClient creates a settlement client backed by the escrow contract.
func NewChainClient(cfg ChainConfig, opts ...ChainOption) (*ChainClient, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("settlement: RPC URL required")
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("settlement: chain ID required")
	}
	if cfg.TokenContract == "" || cfg.EscrowContract == "" {
		return nil, errors.New("settlement: token and escrow contract addresses required")
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("settlement: invalid private key: %w", err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("settlement: failed to derive public key")
	}

	parsedEscrow, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("settlement: parse escrow ABI: %w", err)
	}
	parsedToken, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("settlement: parse ERC20 ABI: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &ChainClient{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		tokenAddr:  common.HexToAddress(cfg.TokenContract),
		escrowAddr: common.HexToAddress(cfg.EscrowContract),
		escrowABI:  parsedEscrow,
		tokenABI:   parsedToken,
		timeout:    timeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, Transient("dial", err)
		}
		c.client = client
	}

	return c, nil
}

func (c *ChainClient) Lock(ctx context.Context, ownerRef, _, amount string) (string, error) {
	amt, ok := token.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return "", Permanent("lock", fmt.Errorf("invalid amount %q", amount))
	}
	if !common.IsHexAddress(ownerRef) {
		return "", Permanent("lock", fmt.Errorf("invalid owner address %q", ownerRef))
	}

	data, err := c.escrowABI.Pack("lock", common.HexToAddress(ownerRef), amt)
	if err != nil {
		return "", Permanent("lock", err)
	}
	return c.execute(ctx, "lock", data)
}

func (c *ChainClient) Release(ctx context.Context, settlementRef, beneficiaryRef string) (string, error) {
	if !common.IsHexAddress(beneficiaryRef) {
		return "", Permanent("release", fmt.Errorf("invalid beneficiary address %q", beneficiaryRef))
	}

	data, err := c.escrowABI.Pack("release", common.HexToHash(settlementRef), common.HexToAddress(beneficiaryRef))
	if err != nil {
		return "", Permanent("release", err)
	}
	return c.execute(ctx, "release", data)
}

func (c *ChainClient) Refund(ctx context.Context, settlementRef string) (string, error) {
	data, err := c.escrowABI.Pack("refund", common.HexToHash(settlementRef))
	if err != nil {
		return "", Permanent("refund", err)
	}
	return c.execute(ctx, "refund", data)
}

func (c *ChainClient) ReleasePartial(ctx context.Context, settlementRef, beneficiaryRef, releaseAmount string) (string, error) {
	amt, ok := token.Parse(releaseAmount)
	if !ok || amt.Sign() <= 0 {
		return "", Permanent("release_partial", fmt.Errorf("invalid amount %q", releaseAmount))
	}
	if !common.IsHexAddress(beneficiaryRef) {
		return "", Permanent("release_partial", fmt.Errorf("invalid beneficiary address %q", beneficiaryRef))
	}

	data, err := c.escrowABI.Pack("releasePartial", common.HexToHash(settlementRef), common.HexToAddress(beneficiaryRef), amt)
	if err != nil {
		return "", Permanent("release_partial", err)
	}
	return c.execute(ctx, "release_partial", data)
}

func (c *ChainClient) BalanceOf(ctx context.Context, ownerRef, _ string) (string, error) {
	if !common.IsHexAddress(ownerRef) {
		return "", Permanent("balance", fmt.Errorf("invalid owner address %q", ownerRef))
	}

	data, err := c.tokenABI.Pack("balanceOf", common.HexToAddress(ownerRef))
	if err != nil {
		return "", Permanent("balance", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.tokenAddr,
		Data: data,
	}, nil)
	if err != nil {
		return "", Transient("balance", err)
	}

	balance := new(big.Int).SetBytes(result)
	return token.Format(balance), nil
}

// Close releases the underlying RPC connection.
func (c *ChainClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// execute signs, sends, and confirms a contract call against the escrow
// contract. Returns the transaction hash on success.
func (c *ChainClient) execute(ctx context.Context, op string, data []byte) (string, error) {
	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", Transient(op, fmt.Errorf("nonce: %w", err))
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", Transient(op, fmt.Errorf("gas price: %w", err))
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.escrowAddr,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails.
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.escrowAddr, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return "", Permanent(op, fmt.Errorf("sign: %w", err))
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", Transient(op, fmt.Errorf("send: %w", err))
	}

	txHash := signedTx.Hash()
	if err := c.waitMined(ctx, op, txHash); err != nil {
		return "", err
	}
	return txHash.Hex(), nil
}

// waitMined polls for the transaction receipt until mined or timeout.
// A timeout is transient: the transaction may still land, so the caller's
// local state must remain pre-confirmation.
func (c *ChainClient) waitMined(ctx context.Context, op string, txHash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return nil
			}
			return Permanent(op, fmt.Errorf("transaction %s reverted", txHash.Hex()))
		}

		select {
		case <-ctx.Done():
			return Transient(op, fmt.Errorf("confirmation timeout for %s: %w", txHash.Hex(), ctx.Err()))
		case <-ticker.C:
		}
	}
}
