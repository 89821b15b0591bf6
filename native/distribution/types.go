package distribution

import (
	"fmt"
	"math/big"
	"strings"
)

// RecoveryPolicy selects how value stranded in a zero-weight epoch is
// recovered. Every target uses exactly one policy.
type RecoveryPolicy string

const (
	// RecoveryRefund returns each depositor's own contribution. Used by
	// externally funded targets where every deposit has a known owner.
	RecoveryRefund RecoveryPolicy = "refund"
	// RecoverySweep lets the administrator move the stranded pool to a
	// treasury after a grace period. Used by internally funded targets.
	RecoverySweep RecoveryPolicy = "sweep"
)

// ParseRecoveryPolicy normalises a configured policy name.
func ParseRecoveryPolicy(raw string) (RecoveryPolicy, error) {
	switch RecoveryPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case RecoveryRefund, "":
		return RecoveryRefund, nil
	case RecoverySweep:
		return RecoverySweep, nil
	default:
		return "", fmt.Errorf("distribution: unknown recovery policy %q", raw)
	}
}

// Target describes a distribution target and its stranded value policy.
type Target struct {
	Name        string
	Policy      RecoveryPolicy
	GraceEpochs uint64
	Treasury    [20]byte
}

// Validate ensures the target can be registered.
func (t Target) Validate() error {
	if NormalizeTarget(t.Name) == "" {
		return ErrInvalidTarget
	}
	switch t.Policy {
	case RecoveryRefund:
	case RecoverySweep:
		if t.Treasury == ([20]byte{}) {
			return fmt.Errorf("%w: sweep target %s requires a treasury", ErrInvalidTarget, t.Name)
		}
	default:
		return fmt.Errorf("%w: unknown recovery policy %q", ErrInvalidTarget, t.Policy)
	}
	return nil
}

// NormalizeTarget canonicalises target names.
func NormalizeTarget(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Pool is the per (target, epoch, asset) ledger entry.
type Pool struct {
	Target string
	Asset  string
	Epoch  uint64
	// Deposited is the total currently earmarked for the epoch. It is the
	// numerator base of every pro-rata claim and shrinks on refund or sweep.
	Deposited *big.Int
	Claimed   *big.Int
	Refunded  *big.Int
	Swept     *big.Int
}

// NewPool returns an empty pool.
func NewPool(target string, epoch uint64, asset string) *Pool {
	return &Pool{
		Target:    target,
		Asset:     asset,
		Epoch:     epoch,
		Deposited: big.NewInt(0),
		Claimed:   big.NewInt(0),
		Refunded:  big.NewInt(0),
		Swept:     big.NewInt(0),
	}
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Deposited = copyBigInt(p.Deposited)
	clone.Claimed = copyBigInt(p.Claimed)
	clone.Refunded = copyBigInt(p.Refunded)
	clone.Swept = copyBigInt(p.Swept)
	return &clone
}

// Outstanding returns the value still held in the vault for this pool.
func (p *Pool) Outstanding() *big.Int {
	out := new(big.Int).Sub(p.Deposited, p.Claimed)
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}

func (p *Pool) normalize() {
	if p.Deposited == nil {
		p.Deposited = big.NewInt(0)
	}
	if p.Claimed == nil {
		p.Claimed = big.NewInt(0)
	}
	if p.Refunded == nil {
		p.Refunded = big.NewInt(0)
	}
	if p.Swept == nil {
		p.Swept = big.NewInt(0)
	}
}

// PoolRef indexes a pool within a target.
type PoolRef struct {
	Epoch uint64
	Asset string
}

func copyBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
