package fetcher

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"arbwatch/internal/pricing"
)

type fakeChain struct {
	token0, token1     common.Address
	reserve0, reserve1 *big.Int
	calls              map[string]int
	err                error
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	for name, method := range pairABI.Methods {
		if !bytes.Equal(msg.Data[:4], method.ID) {
			continue
		}
		f.calls[name]++
		switch name {
		case "getReserves":
			return method.Outputs.Pack(f.reserve0, f.reserve1, uint32(1))
		case "token0":
			return method.Outputs.Pack(f.token0)
		case "token1":
			return method.Outputs.Pack(f.token1)
		}
	}
	return nil, errors.New("unknown selector")
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return 42, nil
}

func TestReservesMissingConfig(t *testing.T) {
	r := NewReserves(ReservesOptions{}, noopLogger())
	if _, err := r.GetReserves(context.Background()); err == nil {
		t.Fatal("missing rpc url should fail")
	}

	r = NewReserves(ReservesOptions{RPCURL: "http://localhost"}, noopLogger())
	_, err := r.GetReserves(context.Background())
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Venue != pricing.VenueAMMReserves {
		t.Fatalf("missing pair address should be a ProviderError, got %v", err)
	}
}

func TestReservesDecode(t *testing.T) {
	chain := &fakeChain{
		token0:   common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"),
		token1:   common.HexToAddress("0x53E0bca35eC356BD5ddDFebbD1Fc0fD03FaBad39"),
		reserve0: big.NewInt(150_000_000),
		reserve1: new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
		calls:    make(map[string]int),
	}
	r := NewReserves(ReservesOptions{PairAddress: "0x8bC8e9F621EE8bAbda8DC0E6Fc991aAf9BF8510b"}, noopLogger())
	r.client = chain

	for i := 0; i < 2; i++ {
		res, err := r.GetReserves(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Token0 != chain.token0 || res.Token1 != chain.token1 {
			t.Fatalf("token order mismatch: %+v", res)
		}
		if res.Reserve0.Cmp(chain.reserve0) != 0 || res.Reserve1.Cmp(chain.reserve1) != 0 {
			t.Fatalf("reserve mismatch: %+v", res)
		}
		if res.BlockNumber != 42 {
			t.Fatalf("block number mismatch: %d", res.BlockNumber)
		}
	}

	if chain.calls["token0"] != 1 || chain.calls["token1"] != 1 {
		t.Fatalf("token addresses should be cached, calls=%v", chain.calls)
	}
	if chain.calls["getReserves"] != 2 {
		t.Fatalf("reserves should be read every call, calls=%v", chain.calls)
	}
}

func TestReservesCallError(t *testing.T) {
	r := NewReserves(ReservesOptions{PairAddress: "0x8bC8e9F621EE8bAbda8DC0E6Fc991aAf9BF8510b"}, noopLogger())
	r.client = &fakeChain{err: errors.New("execution reverted"), calls: map[string]int{}}
	var perr *ProviderError
	if _, err := r.GetReserves(context.Background()); !errors.As(err, &perr) {
		t.Fatalf("rpc failure should be a ProviderError, got %v", err)
	}
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}
