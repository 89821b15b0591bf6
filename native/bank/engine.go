package bank

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	ledgererrors "tidepool/core/errors"
	"tidepool/core/events"
)

var (
	ErrNilState            = errors.New("bank: state not configured")
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrBalanceOverflow     = errors.New("bank: balance exceeds 256 bits")
	ErrSupplyUnderflow     = errors.New("bank: supply underflow")
)

type engineState interface {
	BankBalanceGet(asset string, addr [20]byte) (*big.Int, error)
	BankBalancePut(asset string, addr [20]byte, amount *big.Int) error
	TokenSupply(asset string) (*big.Int, error)
	SetTokenSupply(asset string, amount *big.Int) error
}

// Engine is the asset transfer and destruction primitive consumed by the
// burn and distribution engines. Amounts are exact integers; transfers never
// charge implicit fees.
type Engine struct {
	state   engineState
	emitter events.Emitter
	modules map[[20]byte]struct{}
}

// NewEngine constructs a bank engine with default dependencies.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}, modules: make(map[[20]byte]struct{})}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// RegisterModule marks addr as a module-owned account for event rendering.
func (e *Engine) RegisterModule(addr [20]byte) {
	e.modules[addr] = struct{}{}
}

func (e *Engine) isModule(addr [20]byte) bool {
	_, ok := e.modules[addr]
	return ok
}

// NormalizeAsset canonicalises asset identifiers for consistent lookups.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ledgererrors.ErrZeroAmount
	}
	return nil
}

func checkBound(v *big.Int) error {
	if _, overflow := uint256.FromBig(v); overflow {
		return ErrBalanceOverflow
	}
	return nil
}

// Balance returns the holder's balance of asset. Missing entries are zero.
func (e *Engine) Balance(asset string, addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	normalized := NormalizeAsset(asset)
	if normalized == "" {
		return nil, ledgererrors.ErrAssetEmpty
	}
	balance, err := e.state.BankBalanceGet(normalized, addr)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// Supply returns the circulating supply of asset.
func (e *Engine) Supply(asset string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	normalized := NormalizeAsset(asset)
	if normalized == "" {
		return nil, ledgererrors.ErrAssetEmpty
	}
	return e.state.TokenSupply(normalized)
}

// Mint credits value entering the system from outside (for example fees
// collected by the trading venue) and grows the tracked supply.
func (e *Engine) Mint(asset string, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	normalized := NormalizeAsset(asset)
	if normalized == "" {
		return ledgererrors.ErrAssetEmpty
	}
	balance, err := e.Balance(normalized, to)
	if err != nil {
		return err
	}
	supply, err := e.state.TokenSupply(normalized)
	if err != nil {
		return err
	}
	updatedBalance := new(big.Int).Add(balance, amount)
	updatedSupply := new(big.Int).Add(supply, amount)
	if err := checkBound(updatedSupply); err != nil {
		return err
	}
	if err := e.state.BankBalancePut(normalized, to, updatedBalance); err != nil {
		return err
	}
	if err := e.state.SetTokenSupply(normalized, updatedSupply); err != nil {
		return err
	}
	e.emitter.Emit(events.TokenSupply{Token: normalized, Total: updatedSupply, Delta: new(big.Int).Set(amount), Reason: events.SupplyReasonMint})
	return nil
}

// Transfer moves amount of asset between two accounts.
func (e *Engine) Transfer(asset string, from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	if from == ([20]byte{}) || to == ([20]byte{}) {
		return ledgererrors.ErrZeroAddress
	}
	normalized := NormalizeAsset(asset)
	if normalized == "" {
		return ledgererrors.ErrAssetEmpty
	}
	fromBalance, err := e.Balance(normalized, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBalance, amount)
	}
	if from == to {
		return nil
	}
	toBalance, err := e.Balance(normalized, to)
	if err != nil {
		return err
	}
	updatedTo := new(big.Int).Add(toBalance, amount)
	if err := checkBound(updatedTo); err != nil {
		return err
	}
	if err := e.state.BankBalancePut(normalized, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	if err := e.state.BankBalancePut(normalized, to, updatedTo); err != nil {
		return err
	}
	e.emitter.Emit(events.Transfer{
		Asset:      normalized,
		From:       from,
		To:         to,
		Amount:     new(big.Int).Set(amount),
		FromModule: e.isModule(from),
		ToModule:   e.isModule(to),
	})
	return nil
}

// Burn permanently removes amount of asset held by from, shrinking supply.
func (e *Engine) Burn(asset string, from [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	normalized := NormalizeAsset(asset)
	if normalized == "" {
		return ledgererrors.ErrAssetEmpty
	}
	balance, err := e.Balance(normalized, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}
	supply, err := e.state.TokenSupply(normalized)
	if err != nil {
		return err
	}
	if supply.Cmp(amount) < 0 {
		return ErrSupplyUnderflow
	}
	updatedSupply := new(big.Int).Sub(supply, amount)
	if err := e.state.BankBalancePut(normalized, from, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	if err := e.state.SetTokenSupply(normalized, updatedSupply); err != nil {
		return err
	}
	e.emitter.Emit(events.TokenSupply{Token: normalized, Total: updatedSupply, Delta: new(big.Int).Neg(amount), Reason: events.SupplyReasonBurn})
	return nil
}
