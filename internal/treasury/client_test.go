package treasury

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	testToken    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testFrom     = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	testTreasury = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
)

// transferLog builds a synthetic ERC-20 Transfer log the way an EVM node
// reports it: indexed from/to as left-padded topics, value in the data.
func transferLog(token, from, to common.Address, value *big.Int, index uint) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			erc20TransferSig,
			common.BytesToHash(common.LeftPadBytes(from.Bytes(), 32)),
			common.BytesToHash(common.LeftPadBytes(to.Bytes(), 32)),
		},
		Data:  common.LeftPadBytes(value.Bytes(), 32),
		Index: index,
	}
}

func TestDecodeTransfers_DecodesMatchingLogs(t *testing.T) {
	otherContract := common.HexToAddress("0x2222222222222222222222222222222222222222")
	logs := []*types.Log{
		transferLog(testToken, testFrom, testTreasury, big.NewInt(6_000_000), 3),
		transferLog(otherContract, testFrom, testTreasury, big.NewInt(999), 4), // wrong contract
		transferLog(testToken, testFrom, testTreasury, big.NewInt(5_000_000), 7),
	}

	transfers, err := DecodeTransfers(logs, testToken)
	if err != nil {
		t.Fatalf("DecodeTransfers: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("expected 2 transfers from the configured token, got %d", len(transfers))
	}
	if transfers[0].From != testFrom || transfers[0].To != testTreasury {
		t.Errorf("transfer[0] from/to = %s/%s, want %s/%s", transfers[0].From, transfers[0].To, testFrom, testTreasury)
	}
	if transfers[0].Value.Cmp(big.NewInt(6_000_000)) != 0 {
		t.Errorf("transfer[0] value = %s, want 6000000", transfers[0].Value)
	}
	if transfers[0].LogIndex != 3 || transfers[1].LogIndex != 7 {
		t.Errorf("log indices = %d/%d, want 3/7", transfers[0].LogIndex, transfers[1].LogIndex)
	}
}

func TestDecodeTransfers_IgnoresNonTransferTopics(t *testing.T) {
	approvalSig := common.HexToHash("0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925")
	logs := []*types.Log{
		{
			Address: testToken,
			Topics: []common.Hash{
				approvalSig,
				common.BytesToHash(common.LeftPadBytes(testFrom.Bytes(), 32)),
				common.BytesToHash(common.LeftPadBytes(testTreasury.Bytes(), 32)),
			},
			Data: common.LeftPadBytes(big.NewInt(1).Bytes(), 32),
		},
		// Transfer signature but only two topics (not the indexed from/to shape)
		{
			Address: testToken,
			Topics: []common.Hash{
				erc20TransferSig,
				common.BytesToHash(common.LeftPadBytes(testFrom.Bytes(), 32)),
			},
			Data: common.LeftPadBytes(big.NewInt(1).Bytes(), 32),
		},
		nil,
	}

	transfers, err := DecodeTransfers(logs, testToken)
	if err != nil {
		t.Fatalf("DecodeTransfers: %v", err)
	}
	if len(transfers) != 0 {
		t.Fatalf("expected no transfers, got %d", len(transfers))
	}
}

func TestDecodeTransfers_EmptyLogs(t *testing.T) {
	transfers, err := DecodeTransfers(nil, testToken)
	if err != nil {
		t.Fatalf("DecodeTransfers: %v", err)
	}
	if len(transfers) != 0 {
		t.Fatalf("expected no transfers for empty logs, got %d", len(transfers))
	}
}
