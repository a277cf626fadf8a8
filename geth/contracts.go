package geth

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/eth2030/tokenrelay/core/fault"
	"github.com/eth2030/tokenrelay/core/types"
)

const pairABIJSON = `[
 {"name":"token0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"name":"token1","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"name":"getReserves","type":"function","stateMutability":"view","inputs":[],"outputs":[
  {"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]}
]`

const erc20ABIJSON = `[
 {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	// PairABI is the read surface of a constant-product pair.
	PairABI = mustABI(pairABIJSON)
	// ERC20ABI is the read surface of a fee token.
	ERC20ABI = mustABI(erc20ABIJSON)
)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Dial connects to an execution client's JSON-RPC endpoint.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fault.External(fmt.Errorf("geth: dial %s: %w", url, err))
	}
	return c, nil
}

// boundContract performs read-only calls against one contract.
type boundContract struct {
	caller  ethereum.ContractCaller
	address gethcommon.Address
	abi     abi.ABI
}

func (b *boundContract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	input, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("geth: pack %s: %w", method, err)
	}
	output, err := b.caller.CallContract(ctx, ethereum.CallMsg{To: &b.address, Data: input}, nil)
	if err != nil {
		return nil, fault.External(fmt.Errorf("geth: call %s on %s: %w", method, b.address, err))
	}
	values, err := b.abi.Unpack(method, output)
	if err != nil {
		return nil, fault.External(fmt.Errorf("geth: unpack %s from %s: %w", method, b.address, err))
	}
	return values, nil
}

func (b *boundContract) callAddress(ctx context.Context, method string) (types.Address, error) {
	out, err := b.call(ctx, method)
	if err != nil {
		return types.Address{}, err
	}
	a, ok := out[0].(gethcommon.Address)
	if !ok {
		return types.Address{}, fault.External(fmt.Errorf("geth: %s returned %T", method, out[0]))
	}
	return FromGethAddress(a), nil
}

func (b *boundContract) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := b.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fault.External(fmt.Errorf("geth: %s returned %T", method, out[0]))
	}
	return v, nil
}

// PairReader reads a deployed pair. It satisfies oracle.Pool.
type PairReader struct {
	c boundContract
}

// NewPairReader binds the pair at address.
func NewPairReader(caller ethereum.ContractCaller, address types.Address) *PairReader {
	return &PairReader{c: boundContract{caller: caller, address: ToGethAddress(address), abi: PairABI}}
}

func (p *PairReader) Token0(ctx context.Context) (types.Address, error) {
	return p.c.callAddress(ctx, "token0")
}

func (p *PairReader) Token1(ctx context.Context) (types.Address, error) {
	return p.c.callAddress(ctx, "token1")
}

// GetReserves returns the pair's current reserves. The last-update
// timestamp is dropped.
func (p *PairReader) GetReserves(ctx context.Context) (*big.Int, *big.Int, error) {
	out, err := p.c.call(ctx, "getReserves")
	if err != nil {
		return nil, nil, err
	}
	r0, ok0 := out[0].(*big.Int)
	r1, ok1 := out[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fault.External(fmt.Errorf("geth: getReserves returned (%T, %T)", out[0], out[1]))
	}
	return r0, r1, nil
}

// TokenReader reads fee-token balances and allowances. It satisfies
// admission.BalanceReader.
type TokenReader struct {
	c boundContract
}

// NewTokenReader binds the token at address.
func NewTokenReader(caller ethereum.ContractCaller, address types.Address) *TokenReader {
	return &TokenReader{c: boundContract{caller: caller, address: ToGethAddress(address), abi: ERC20ABI}}
}

func (t *TokenReader) BalanceOf(ctx context.Context, owner types.Address) (*big.Int, error) {
	return t.c.callUint(ctx, "balanceOf", ToGethAddress(owner))
}

func (t *TokenReader) Allowance(ctx context.Context, owner, spender types.Address) (*big.Int, error) {
	return t.c.callUint(ctx, "allowance", ToGethAddress(owner), ToGethAddress(spender))
}
