// Package treasury wraps the EVM RPC client shared by the funding verifier
// and the refund/settlement services: receipt fetch, ERC-20 Transfer log
// decoding, and signed token transfers out of the platform wallet. A single
// client with an optional signer; every RPC call goes through the
// circuit-breaker manager.
package treasury

import (
	"context"
	"crypto/ecdsa"
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

	"github.com/dotpay/backend/internal/circuitbreaker"
	apperrors "github.com/dotpay/backend/internal/errors"
)

// erc20TransferSig is keccak256("Transfer(address,address,uint256)").
var erc20TransferSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var erc20ABI abi.ABI

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("treasury: parse embedded ERC-20 ABI: %v", err))
	}
}

const erc20ABIJSON = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}],
	"name":"Transfer","type":"event"},
	{"constant":false,"inputs":[
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"}],
	"name":"transfer","outputs":[{"name":"","type":"bool"}],
	"stateMutability":"nonpayable","type":"function"}
]`

// Transfer is a decoded ERC-20 Transfer event, tagged with its position in
// the receipt so callers can retain the lowest logIndex among matches.
type Transfer struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	LogIndex uint
}

// Client talks to a single EVM chain via JSON-RPC, optionally signing
// transfers with a configured platform private key.
type Client struct {
	rpc               *ethclient.Client
	breakers          *circuitbreaker.Manager
	chainID           *big.Int
	signer            *ecdsa.PrivateKey
	fromAddr          common.Address
	waitConfirmations uint64
}

// NewClient dials rpcURL and confirms the reported chain ID matches
// expectedChainID.
func NewClient(ctx context.Context, rpcURL string, expectedChainID int64, breakers *circuitbreaker.Manager) (*Client, error) {
	raw, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, apperrors.External(apperrors.ErrCodeRPCError, "failed to connect to EVM RPC").WithCause(err)
	}
	reported, err := raw.ChainID(ctx)
	if err != nil {
		return nil, apperrors.External(apperrors.ErrCodeRPCError, "failed to read chain id").WithCause(err)
	}
	if expectedChainID > 0 && reported.Int64() != expectedChainID {
		return nil, apperrors.Validation(apperrors.ErrCodeChainMismatch,
			fmt.Sprintf("configured chain id %d does not match RPC chain id %s", expectedChainID, reported.String()))
	}
	return &Client{rpc: raw, breakers: breakers, chainID: reported}, nil
}

// WithSigner attaches a platform private key (hex, no 0x prefix accepted or
// rejected transparently) used for outbound transfers (refunds, settlement).
func (c *Client) WithSigner(privateKeyHex string) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, apperrors.Config(apperrors.ErrCodeConfigMissing, "invalid treasury private key")
	}
	c.signer = key
	c.fromAddr = crypto.PubkeyToAddress(key.PublicKey)
	return c, nil
}

// WithWaitConfirmations sets how many confirmations SendTokenTransfer waits
// for before reporting success. Zero means return as soon as the transaction
// is accepted by the mempool.
func (c *Client) WithWaitConfirmations(n uint64) *Client {
	c.waitConfirmations = n
	return c
}

// PlatformAddress returns the address derived from the configured signer.
func (c *Client) PlatformAddress() (common.Address, bool) {
	if c.signer == nil {
		return common.Address{}, false
	}
	return c.fromAddr, true
}

// ChainID returns the chain ID this client was verified against at dial time.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Receipt fetches a transaction receipt and its confirmation depth relative
// to the current chain head.
type Receipt struct {
	TxHash        common.Hash
	Status        uint64
	BlockNumber   uint64
	Confirmations uint64
	Logs          []*types.Log
}

// FetchReceipt retrieves the receipt for txHash and computes confirmations.
func (c *Client) FetchReceipt(ctx context.Context, txHash common.Hash) (Receipt, error) {
	result, err := c.breakers.Execute(circuitbreaker.ServiceEVMRPC, func() (interface{}, error) {
		receipt, err := c.rpc.TransactionReceipt(ctx, txHash)
		if err != nil {
			return nil, err
		}
		head, err := c.rpc.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		return struct {
			receipt *types.Receipt
			head    uint64
		}{receipt, head}, nil
	})
	if err != nil {
		if err == ethereum.NotFound {
			return Receipt{}, apperrors.External(apperrors.ErrCodeReceiptNotFound, "transaction receipt not found").WithCause(err)
		}
		return Receipt{}, apperrors.External(apperrors.ErrCodeRPCError, "failed to fetch transaction receipt").WithCause(err)
	}
	pair := result.(struct {
		receipt *types.Receipt
		head    uint64
	})
	receipt := pair.receipt
	var confirmations uint64
	if pair.head >= receipt.BlockNumber.Uint64() {
		confirmations = pair.head - receipt.BlockNumber.Uint64() + 1
	}
	return Receipt{
		TxHash:        txHash,
		Status:        receipt.Status,
		BlockNumber:   receipt.BlockNumber.Uint64(),
		Confirmations: confirmations,
		Logs:          receipt.Logs,
	}, nil
}

// DecodeTransfers filters receipt logs to those emitted by tokenContract and
// decodes each as an ERC-20 Transfer event.
func DecodeTransfers(logs []*types.Log, tokenContract common.Address) ([]Transfer, error) {
	transfers := make([]Transfer, 0, len(logs))
	for _, log := range logs {
		if log == nil || log.Address != tokenContract {
			continue
		}
		if len(log.Topics) != 3 || log.Topics[0] != erc20TransferSig {
			continue
		}
		var unpacked struct {
			Value *big.Int
		}
		if err := erc20ABI.UnpackIntoInterface(&unpacked, "Transfer", log.Data); err != nil {
			return nil, apperrors.External(apperrors.ErrCodeRPCError, "failed to decode Transfer log").WithCause(err)
		}
		transfers = append(transfers, Transfer{
			From:     common.HexToAddress(log.Topics[1].Hex()),
			To:       common.HexToAddress(log.Topics[2].Hex()),
			Value:    unpacked.Value,
			LogIndex: log.Index,
		})
	}
	return transfers, nil
}

// SendTokenTransfer signs and submits an ERC-20 transfer(to, amount) call
// from the platform wallet, waiting for receipt confirmation. Used by the
// refund and onramp settlement services.
func (c *Client) SendTokenTransfer(ctx context.Context, tokenContract, to common.Address, amount *big.Int) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, apperrors.Config(apperrors.ErrCodeTreasuryUnconfigured, "treasury signer not configured")
	}

	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("treasury: pack transfer call: %w", err)
	}

	result, err := c.breakers.Execute(circuitbreaker.ServiceEVMRPC, func() (interface{}, error) {
		nonce, err := c.rpc.PendingNonceAt(ctx, c.fromAddr)
		if err != nil {
			return nil, err
		}
		gasPrice, err := c.rpc.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}
		gasLimit, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{
			From: c.fromAddr,
			To:   &tokenContract,
			Data: data,
		})
		if err != nil {
			gasLimit = 100000
		}
		tx := types.NewTransaction(nonce, tokenContract, big.NewInt(0), gasLimit, gasPrice, data)
		signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.signer)
		if err != nil {
			return nil, err
		}
		if err := c.rpc.SendTransaction(ctx, signed); err != nil {
			return nil, err
		}
		return signed.Hash(), nil
	})
	if err != nil {
		return common.Hash{}, apperrors.External(apperrors.ErrCodeRPCError, "failed to submit token transfer").WithCause(err)
	}
	hash := result.(common.Hash)

	if c.waitConfirmations > 0 {
		if err := c.waitForReceipt(ctx, hash, c.waitConfirmations); err != nil {
			return common.Hash{}, err
		}
	}
	return hash, nil
}

// waitForReceipt polls until txHash has a successful receipt with at least
// minConfirmations, or ctx expires.
func (c *Client) waitForReceipt(ctx context.Context, txHash common.Hash, minConfirmations uint64) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return apperrors.External(apperrors.ErrCodeRPCError, "timed out waiting for transfer confirmation").WithCause(ctx.Err())
		case <-ticker.C:
		}

		receipt, err := c.FetchReceipt(ctx, txHash)
		if err != nil {
			ae, ok := apperrors.As(err)
			if ok && ae.Code == apperrors.ErrCodeReceiptNotFound {
				continue // not mined yet
			}
			return err
		}
		if receipt.Status == 0 {
			return apperrors.External(apperrors.ErrCodeReceiptFailed, "token transfer reverted on-chain")
		}
		if receipt.Confirmations >= minConfirmations {
			return nil
		}
	}
}
