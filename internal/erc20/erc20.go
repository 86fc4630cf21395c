// Package erc20 holds the single piece of contract knowledge the
// indexer needs: the Transfer event's ABI and topic hash.
package erc20

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// transferABI describes only the Transfer event. The core never calls
// a contract method, so no other entries are needed.
const transferABI = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`

var (
	parsed     abi.ABI
	transferID common.Hash
)

func init() {
	a, err := abi.JSON(strings.NewReader(transferABI))
	if err != nil {
		panic("erc20: invalid embedded ABI: " + err.Error())
	}
	parsed = a
	transferID = parsed.Events["Transfer"].ID
}

// TransferTopic is Topics[0] for every ERC-20 Transfer log.
func TransferTopic() common.Hash { return transferID }

// DecodeValue unpacks the non-indexed `value` field from a Transfer
// log's data payload into an arbitrary-precision integer. Callers must
// still render it as a decimal string before persistence — never widen
// it to a machine float or a 64-bit type (spec numeric-fidelity rule).
func DecodeValue(data []byte) (*big.Int, error) {
	var out struct{ Value *big.Int }
	if err := parsed.UnpackIntoInterface(&out, "Transfer", data); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// FromAddress extracts the indexed `from` parameter out of a log's topics.
func FromAddress(topics []common.Hash) common.Address {
	return common.BytesToAddress(topics[1].Bytes())
}

// ToAddress extracts the indexed `to` parameter out of a log's topics.
func ToAddress(topics []common.Hash) common.Address {
	return common.BytesToAddress(topics[2].Bytes())
}
