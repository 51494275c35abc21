package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"arbwatch/internal/pricing"
)

const (
	pairABIJSON = `[
{"inputs":[],"name":"getReserves","outputs":[{"internalType":"uint112","name":"reserve0","type":"uint112"},{"internalType":"uint112","name":"reserve1","type":"uint112"},{"internalType":"uint32","name":"blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"token0","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"token1","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`
)

var (
	pairABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(pairABIJSON))
	if err != nil {
		panic("failed to parse UniswapV2 pair ABI: " + err.Error())
	}
	pairABI = parsed
}

// contractCaller is the slice of ethclient.Client the reserve fetcher needs.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ReservesOptions parameterise the on-chain reserve fetcher.
type ReservesOptions struct {
	RPCURL      string
	PairAddress string
	Timeout     time.Duration
}

// Reserves reads a UniswapV2-style pool over Ethereum JSON-RPC.
type Reserves struct {
	opts      ReservesOptions
	logger    zerolog.Logger
	client    contractCaller
	clientMux sync.Mutex

	tokensMux sync.Mutex
	token0    common.Address
	token1    common.Address
}

// NewReserves builds a reserve fetcher.
func NewReserves(opts ReservesOptions, logger zerolog.Logger) *Reserves {
	return &Reserves{opts: opts, logger: logger.With().Str("component", "reserve_fetcher").Logger()}
}

// GetReserves returns both reserves with the pool's token order.
func (r *Reserves) GetReserves(ctx context.Context) (pricing.Reserves, error) {
	res, err := r.fetch(ctx)
	return res, providerErr(pricing.VenueAMMReserves, "get reserves", err)
}

func (r *Reserves) fetch(ctx context.Context) (pricing.Reserves, error) {
	if r.opts.RPCURL == "" && r.client == nil {
		return pricing.Reserves{}, permanent(errors.New("ethereum rpc url not configured"))
	}
	if !common.IsHexAddress(r.opts.PairAddress) {
		return pricing.Reserves{}, permanent(errors.New("pair contract address not configured"))
	}

	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return pricing.Reserves{}, err
	}

	addr := common.HexToAddress(r.opts.PairAddress)
	token0, token1, err := r.tokens(ctx, client, addr)
	if err != nil {
		return pricing.Reserves{}, err
	}

	outputs, err := call(ctx, client, addr, "getReserves")
	if err != nil {
		return pricing.Reserves{}, err
	}
	if len(outputs) != 3 {
		return pricing.Reserves{}, errors.New("unexpected getReserves response")
	}
	reserve0, ok0 := outputs[0].(*big.Int)
	reserve1, ok1 := outputs[1].(*big.Int)
	if !ok0 || !ok1 {
		return pricing.Reserves{}, errors.New("failed to decode getReserves output")
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		return pricing.Reserves{}, err
	}

	r.logger.Debug().
		Str("reserve0", reserve0.String()).
		Str("reserve1", reserve1.String()).
		Uint64("block", blockNumber).
		Msg("reserves fetched")

	return pricing.Reserves{
		Token0:      token0,
		Token1:      token1,
		Reserve0:    reserve0,
		Reserve1:    reserve1,
		BlockNumber: blockNumber,
	}, nil
}

// tokens resolves token0/token1 once; a pool's token order never changes.
func (r *Reserves) tokens(ctx context.Context, client contractCaller, addr common.Address) (common.Address, common.Address, error) {
	r.tokensMux.Lock()
	defer r.tokensMux.Unlock()

	if r.token0 != (common.Address{}) && r.token1 != (common.Address{}) {
		return r.token0, r.token1, nil
	}

	t0, err := callAddress(ctx, client, addr, "token0")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	t1, err := callAddress(ctx, client, addr, "token1")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	r.token0, r.token1 = t0, t1
	return t0, t1, nil
}

func call(ctx context.Context, client contractCaller, addr common.Address, method string) ([]interface{}, error) {
	payload, err := pairABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	outputs, err := pairABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return outputs, nil
}

func callAddress(ctx context.Context, client contractCaller, addr common.Address, method string) (common.Address, error) {
	outputs, err := call(ctx, client, addr, method)
	if err != nil {
		return common.Address{}, err
	}
	if len(outputs) != 1 {
		return common.Address{}, fmt.Errorf("unexpected %s response", method)
	}
	token, ok := outputs[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("failed to decode %s output", method)
	}
	return token, nil
}

func (r *Reserves) getClient(ctx context.Context) (contractCaller, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	client, err := ethclient.DialContext(ctx, r.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

var _ ReserveProvider = (*Reserves)(nil)
