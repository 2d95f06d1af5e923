// Package ethereum implements the ledger over the device contract on an
// Ethereum node: get()/set(int) for the observed value and
// actuation()/actuate(uint) for the desired actuation.
package ethereum

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"github.com/ericogr/sensor-ledger-bridge/pkg/config"
	"github.com/ericogr/sensor-ledger-bridge/pkg/ledger"
)

const (
	methodGet       = "get"
	methodSet       = "set"
	methodActuation = "actuation"
	methodActuate   = "actuate"
)

//go:embed device.abi.json
var defaultABI []byte

var ErrReadOnly = errors.New("no keystore configured, ledger is read-only")

// Backend is what the ledger needs from a node connection.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

type Ledger struct {
	backend  Backend
	contract *bind.BoundContract
	abi      abi.ABI
	auth     *bind.TransactOpts
	amount   *big.Int
	closer   func()
}

// Dial connects to the node at cfg.RPCURL and binds the contract. Without a
// keystore file the ledger can only be read.
func Dial(ctx context.Context, cfg config.LedgerConfig) (*Ledger, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.Contract)
	}
	parsed, err := LoadABI(cfg.ABIFile)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}

	var auth *bind.TransactOpts
	if cfg.KeystoreFile != "" {
		auth, err = transactor(ctx, client, cfg.KeystoreFile, cfg.Password)
		if err != nil {
			client.Close()
			return nil, err
		}
		log.Info().Str("account", auth.From.Hex()).Msg("ledger account unlocked")
	}

	l := New(client, common.HexToAddress(cfg.Contract), parsed, auth, big.NewInt(cfg.Amount))
	l.closer = client.Close
	return l, nil
}

func transactor(ctx context.Context, client *ethclient.Client, keystore, password string) (*bind.TransactOpts, error) {
	f, err := os.Open(keystore)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	defer f.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	auth, err := bind.NewTransactorWithChainID(f, password, chainID)
	if err != nil {
		return nil, fmt.Errorf("unlock keystore: %w", err)
	}
	return auth, nil
}

// New binds an already parsed contract ABI at address. auth may be nil.
func New(backend Backend, address common.Address, parsed abi.ABI, auth *bind.TransactOpts, amount *big.Int) *Ledger {
	return &Ledger{
		backend:  backend,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		abi:      parsed,
		auth:     auth,
		amount:   amount,
	}
}

// LoadABI reads the contract ABI from path, or the embedded default when path
// is empty, and checks the four methods the bridge uses.
func LoadABI(path string) (abi.ABI, error) {
	raw := defaultABI
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return abi.ABI{}, fmt.Errorf("read abi: %w", err)
		}
		raw = b
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	for _, name := range []string{methodGet, methodActuation} {
		m, ok := parsed.Methods[name]
		if !ok || len(m.Inputs) != 0 || len(m.Outputs) != 1 {
			return abi.ABI{}, fmt.Errorf("abi: %s() must take no arguments and return one integer", name)
		}
	}
	for _, name := range []string{methodSet, methodActuate} {
		m, ok := parsed.Methods[name]
		if !ok || len(m.Inputs) != 1 {
			return abi.ABI{}, fmt.Errorf("abi: %s() must take exactly one integer", name)
		}
	}
	return parsed, nil
}

func (l *Ledger) ReadObserved(ctx context.Context) (int64, error) {
	v, err := l.callInt(ctx, methodGet)
	return v, ledger.Wrap("read observed", err)
}

func (l *Ledger) ReadDesiredActuation(ctx context.Context) (int, error) {
	v, err := l.callInt(ctx, methodActuation)
	return int(v), ledger.Wrap("read actuation", err)
}

func (l *Ledger) WriteObserved(ctx context.Context, value int64) error {
	return ledger.Wrap("write observed", l.transact(ctx, methodSet, nil, value))
}

// SetActuation pays the configured amount with the actuate() call.
func (l *Ledger) SetActuation(ctx context.Context, value int) error {
	return ledger.Wrap("set actuation", l.transact(ctx, methodActuate, l.amount, int64(value)))
}

func (l *Ledger) Close() error {
	if l.closer != nil {
		l.closer()
	}
	return nil
}

func (l *Ledger) callInt(ctx context.Context, method string) (int64, error) {
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, method); err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("%s: expected 1 result, got %d", method, len(out))
	}
	return toInt64(out[0])
}

func (l *Ledger) transact(ctx context.Context, method string, value *big.Int, arg int64) error {
	if l.auth == nil {
		return ErrReadOnly
	}
	param, err := argFor(l.abi.Methods[method].Inputs[0].Type, arg)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	opts := *l.auth
	opts.Context = ctx
	opts.Value = value

	tx, err := l.contract.Transact(&opts, method, param)
	if err != nil {
		return err
	}
	log.Debug().Str("method", method).Str("tx", tx.Hash().Hex()).Msg("transaction sent")

	receipt, err := bind.WaitMined(ctx, l.backend, tx)
	if err != nil {
		return fmt.Errorf("wait mined %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
	}
	return nil
}

// toInt64 narrows an unpacked ABI integer of any width.
func toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case *big.Int:
		if !x.IsInt64() {
			return 0, fmt.Errorf("value %s overflows int64", x)
		}
		return x.Int64(), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > 1<<63-1 {
			return 0, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	default:
		return 0, fmt.Errorf("unexpected result type %T", v)
	}
}

// argFor converts v to the Go type go-ethereum packs for t.
func argFor(t abi.Type, v int64) (interface{}, error) {
	switch t.T {
	case abi.IntTy:
		if t.Size < 64 {
			lim := int64(1) << (t.Size - 1)
			if v < -lim || v >= lim {
				return nil, fmt.Errorf("value %d does not fit %s", v, t)
			}
		}
		switch t.Size {
		case 8:
			return int8(v), nil
		case 16:
			return int16(v), nil
		case 32:
			return int32(v), nil
		case 64:
			return v, nil
		default:
			return big.NewInt(v), nil
		}
	case abi.UintTy:
		if v < 0 || (t.Size < 64 && v >= int64(1)<<t.Size) {
			return nil, fmt.Errorf("value %d does not fit %s", v, t)
		}
		switch t.Size {
		case 8:
			return uint8(v), nil
		case 16:
			return uint16(v), nil
		case 32:
			return uint32(v), nil
		case 64:
			return uint64(v), nil
		default:
			return big.NewInt(v), nil
		}
	default:
		return nil, fmt.Errorf("unsupported argument type %s", t)
	}
}
