package evmtest

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/pendergraft/querypay/internal/chains/evm"
)

// availability fails every request while the chain is marked down.
type availability struct {
	c    *Chain
	next http.Handler
}

func (a *availability) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.c.mu.Lock()
	down := a.c.down
	a.c.mu.Unlock()
	if down {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	a.next.ServeHTTP(w, r)
}

// ethAPI implements the eth_ namespace. Method names map to JSON-RPC
// methods by lowercasing the first letter.
type ethAPI struct {
	c *Chain
}

type callArgs struct {
	From  *common.Address `json:"from"`
	To    *common.Address `json:"to"`
	Input *hexutil.Bytes  `json:"input"`
	Data  *hexutil.Bytes  `json:"data"`
}

func (a callArgs) data() []byte {
	if a.Input != nil {
		return *a.Input
	}
	if a.Data != nil {
		return *a.Data
	}
	return nil
}

type filterArgs struct {
	Address   []common.Address `json:"address"`
	Topics    [][]common.Hash  `json:"topics"`
	FromBlock string           `json:"fromBlock"`
	ToBlock   string           `json:"toBlock"`
}

func (api *ethAPI) ChainId() *hexutil.Big {
	return (*hexutil.Big)(api.c.ChainID)
}

func (api *ethAPI) BlockNumber() hexutil.Uint64 {
	return hexutil.Uint64(api.c.Head())
}

func (api *ethAPI) GasPrice() *hexutil.Big {
	return (*hexutil.Big)(GasPrice)
}

func (api *ethAPI) GetCode(_ context.Context, addr common.Address, _ string) hexutil.Bytes {
	api.c.mu.Lock()
	defer api.c.mu.Unlock()
	return common.CopyBytes(api.c.code[addr])
}

func (api *ethAPI) GetBalance(_ context.Context, addr common.Address, _ string) *hexutil.Big {
	return (*hexutil.Big)(api.c.Balance(addr))
}

func (api *ethAPI) GetTransactionCount(_ context.Context, addr common.Address, _ string) hexutil.Uint64 {
	api.c.mu.Lock()
	defer api.c.mu.Unlock()
	return hexutil.Uint64(api.c.nonces[addr])
}

func (api *ethAPI) Call(_ context.Context, args callArgs, _ string) (hexutil.Bytes, error) {
	api.c.mu.Lock()
	defer api.c.mu.Unlock()

	data := args.data()
	if args.To == nil || len(api.c.code[*args.To]) == 0 {
		return hexutil.Bytes{}, nil
	}
	if len(data) < 4 {
		return nil, errors.New("execution reverted")
	}
	m, err := evm.PaymentABI.MethodById(data[:4])
	if err != nil {
		return nil, errors.New("execution reverted")
	}
	out, ok := api.c.views[m.Name]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func (api *ethAPI) SendRawTransaction(_ context.Context, raw hexutil.Bytes) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	if err := api.c.submit(tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (api *ethAPI) GetTransactionByHash(_ context.Context, hash common.Hash) (map[string]interface{}, error) {
	api.c.mu.Lock()
	defer api.c.mu.Unlock()

	e, ok := api.c.txs[hash]
	if !ok {
		return nil, nil
	}
	raw, err := e.tx.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["from"] = e.from
	fields["blockHash"] = nil
	fields["blockNumber"] = nil
	fields["transactionIndex"] = nil
	if e.mined {
		fields["blockHash"] = e.receipt.BlockHash
		fields["blockNumber"] = (*hexutil.Big)(new(big.Int).SetUint64(e.block))
		fields["transactionIndex"] = hexutil.Uint64(e.index)
	}
	return fields, nil
}

func (api *ethAPI) GetTransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	api.c.mu.Lock()
	defer api.c.mu.Unlock()

	e, ok := api.c.txs[hash]
	if !ok || !e.mined {
		return nil, nil
	}
	return e.receipt, nil
}

func (api *ethAPI) GetLogs(_ context.Context, q filterArgs) ([]types.Log, error) {
	api.c.mu.Lock()
	defer api.c.mu.Unlock()

	from, err := api.c.blockArg(q.FromBlock, 0)
	if err != nil {
		return nil, err
	}
	to, err := api.c.blockArg(q.ToBlock, api.c.head)
	if err != nil {
		return nil, err
	}

	out := []types.Log{}
	for _, lg := range api.c.logs {
		if lg.BlockNumber < from || lg.BlockNumber > to {
			continue
		}
		if len(q.Address) > 0 && !containsAddress(q.Address, lg.Address) {
			continue
		}
		if !matchTopics(q.Topics, lg.Topics) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (c *Chain) blockArg(s string, def uint64) (uint64, error) {
	switch s {
	case "":
		return def, nil
	case "latest", "pending", "safe", "finalized":
		return c.head, nil
	case "earliest":
		return 0, nil
	}
	return hexutil.DecodeUint64(s)
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func matchTopics(filter [][]common.Hash, topics []common.Hash) bool {
	for i, alts := range filter {
		if len(alts) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		found := false
		for _, t := range alts {
			if t == topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
