package chain

import (
	"errors"
	"fmt"
	"time"

	. "tulip/internal/common"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrStaleStage          = errors.New("staged settlement is stale")
	ErrBlockRegression     = errors.New("block does not follow the current head")
)

// Transfer moves Amount base units between two accounts. A transfer from the
// zero identity mints new funds.
type Transfer struct {
	From   Identity
	To     Identity
	Amount decimal.Decimal
}

type Balances = btree.Map[string, decimal.Decimal]

// Ledger keeps account balances and hands out blocks. It is not safe for
// concurrent use: its single caller serializes execution.
type Ledger struct {
	clock    Clock
	head     Block
	balances *Balances

	// Bumped on every commit so that a stage prepared against an older
	// state can not be committed.
	version uint64
}

func NewLedger(clock Clock) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{
		clock:    clock,
		balances: new(Balances),
	}
}

// Head returns the most recent block.
func (l *Ledger) Head() Block {
	return l.head
}

// Now is the timestamp the next block would carry: the clock reading truncated
// to whole seconds, held at the head timestamp if the clock went backwards.
func (l *Ledger) Now() time.Time {
	ts := l.clock.Now().UTC().Truncate(time.Second)
	if ts.Before(l.head.Timestamp) {
		return l.head.Timestamp
	}
	return ts
}

// NextBlock cuts a new block at Now.
func (l *Ledger) NextBlock() Block {
	l.head = Block{Height: l.head.Height + 1, Timestamp: l.Now()}
	return l.head
}

// Restore moves the head to a previously recorded block. Used when replaying
// the journal.
func (l *Ledger) Restore(block Block) error {
	if block.Height <= l.head.Height || block.Timestamp.Before(l.head.Timestamp) {
		return fmt.Errorf("restore %s over %s: %w", block, l.head, ErrBlockRegression)
	}
	l.head = block
	return nil
}

// Balance returns the balance of an account. Unknown accounts hold zero.
func (l *Ledger) Balance(id Identity) decimal.Decimal {
	if v, ok := l.balances.Get(string(id)); ok {
		return v
	}
	return decimal.Zero
}

// AccountBalance is one row of an Accounts snapshot.
type AccountBalance struct {
	Account Identity
	Balance decimal.Decimal
}

// Accounts lists every funded account in identity order.
func (l *Ledger) Accounts() []AccountBalance {
	out := make([]AccountBalance, 0, l.balances.Len())
	l.balances.Scan(func(k string, v decimal.Decimal) bool {
		out = append(out, AccountBalance{Account: Identity(k), Balance: v})
		return true
	})
	return out
}

// Staged is a set of transfers applied to a private copy of the balances.
type Staged struct {
	version  uint64
	balances *Balances
}

// Prepare applies the transfers in order to a copy of the balances. Nothing is
// visible until Commit. Any overdraft rejects the whole set.
func (l *Ledger) Prepare(transfers ...Transfer) (*Staged, error) {
	staged := l.balances.Copy()
	for _, tr := range transfers {
		if err := ValidateAmount(tr.Amount); err != nil {
			return nil, fmt.Errorf("transfer %s -> %s: %w", tr.From, tr.To, err)
		}
		if tr.Amount.IsZero() {
			continue
		}
		if !tr.From.IsZero() {
			have, _ := staged.Get(string(tr.From))
			if have.LessThan(tr.Amount) {
				return nil, fmt.Errorf("transfer %s from %s holding %s: %w",
					tr.Amount, tr.From, have, ErrInsufficientBalance)
			}
			staged.Set(string(tr.From), have.Sub(tr.Amount))
		}
		have, _ := staged.Get(string(tr.To))
		staged.Set(string(tr.To), have.Add(tr.Amount))
	}
	return &Staged{version: l.version, balances: staged}, nil
}

// Commit publishes a stage prepared against the current state.
func (l *Ledger) Commit(s *Staged) error {
	if s == nil || s.version != l.version {
		return ErrStaleStage
	}
	l.balances = s.balances
	l.version++
	return nil
}

// Settle prepares and commits in one step.
func (l *Ledger) Settle(transfers ...Transfer) error {
	s, err := l.Prepare(transfers...)
	if err != nil {
		return err
	}
	return l.Commit(s)
}

// Mint credits new funds to an account.
func (l *Ledger) Mint(to Identity, amount decimal.Decimal) error {
	return l.Settle(Transfer{From: ZeroIdentity, To: to, Amount: amount})
}
