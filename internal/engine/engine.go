package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tulip/internal/chain"
	. "tulip/internal/common"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// This is the Dutch auction engine. Every mutating call runs as one
// transaction in its own ledger block, under a single lock.

const (
	DefaultFeePercent = 10
	DefaultDuration   = 2 * 24 * time.Hour
	MaxDuration       = 10 * 365 * 24 * time.Hour
	MaxItemLength     = 1024 // bytes
)

var (
	ErrInvalidPrice      = errors.New("incorrect starting price")
	ErrAuctionStopped    = errors.New("stopped!")
	ErrAuctionEnded      = errors.New("ended!")
	ErrInsufficientFunds = errors.New("not enough funds!")
	ErrUnknownAuction    = errors.New("unknown auction")
	ErrNotOwner          = errors.New("caller is not the owner")
	ErrAnonymousCaller   = errors.New("caller identity required")
	ErrInvalidDuration   = errors.New("invalid duration")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrItemTooLong       = errors.New("item label too long")
	ErrUnknownTx         = errors.New("unknown transaction kind")
)

var hundred = decimal.NewFromInt(100)

// Reporter is told about every committed transaction.
type Reporter interface {
	Report(receipt Receipt) error
}

// Journal durably records committed transactions before they become visible.
type Journal interface {
	Append(tx Tx) error
}

type Options struct {
	Owner           Identity      // Receives the platform fees, fixed for life
	Account         Identity      // Ledger account holding payments and retained fees
	FeePercent      int64         // Platform fee taken from every sale
	DefaultDuration time.Duration // Used when an auction is created with zero duration
}

type Engine struct {
	mu sync.Mutex

	ledger   *chain.Ledger
	journal  Journal
	reporter Reporter

	owner           Identity
	account         Identity
	feePercent      decimal.Decimal
	defaultDuration time.Duration

	// Append only, indexed by auction id.
	auctions []*Auction
	// Fees retained since the last withdrawal.
	fees decimal.Decimal
}

func New(ledger *chain.Ledger, opts Options) *Engine {
	if opts.Account.IsZero() {
		opts.Account = "aucengine"
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = DefaultDuration
	}
	return &Engine{
		ledger:          ledger,
		owner:           opts.Owner,
		account:         opts.Account,
		feePercent:      decimal.NewFromInt(opts.FeePercent),
		defaultDuration: opts.DefaultDuration,
		fees:            decimal.Zero,
	}
}

func (e *Engine) SetReporter(r Reporter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reporter = r
}

func (e *Engine) SetJournal(j Journal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.journal = j
}

// ---- Transactions ----

// CreateAuction lists an item for sale by caller. The price starts at
// startingPrice and drops by discountRate every second for durationSeconds.
// A zero duration selects the engine default, which is recorded in the
// transaction so a later change of default does not alter replay.
func (e *Engine) CreateAuction(
	caller Identity,
	startingPrice, discountRate decimal.Decimal,
	item string,
	durationSeconds uint64,
) (uint64, Receipt, error) {
	if durationSeconds == 0 {
		durationSeconds = uint64(e.defaultDuration / time.Second)
	}
	receipt, err := e.submit(Tx{
		Kind:          TxCreateAuction,
		Caller:        caller,
		StartingPrice: startingPrice,
		DiscountRate:  discountRate,
		Item:          item,
		Duration:      durationSeconds,
	})
	if err != nil {
		return 0, Receipt{}, err
	}
	return receipt.Events[0].AuctionID, receipt, nil
}

// Buy purchases an auction at its current price. The payment is taken from
// the caller's balance, the excess is refunded and the seller is paid the
// price less the platform fee.
func (e *Engine) Buy(caller Identity, id uint64, payment decimal.Decimal) (Receipt, error) {
	return e.submit(Tx{
		Kind:       TxBuy,
		Caller:     caller,
		AuctionID:  id,
		Amount:     payment,
		FeePercent: e.feePercent,
	})
}

// Deposit credits freshly issued funds to an account.
func (e *Engine) Deposit(account Identity, amount decimal.Decimal) (Receipt, error) {
	return e.submit(Tx{
		Kind:   TxDeposit,
		Caller: account,
		Amount: amount,
	})
}

// Withdraw sweeps the retained fees to the owner. Only the owner may call it.
func (e *Engine) Withdraw(caller Identity) (Receipt, error) {
	return e.submit(Tx{
		Kind:   TxWithdraw,
		Caller: caller,
	})
}

// Replay re-executes a journaled transaction at its recorded block. Nothing is
// journaled or reported.
func (e *Engine) Replay(tx Tx) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ledger.Restore(tx.Block); err != nil {
		return err
	}
	if _, err := e.execute(tx, false); err != nil {
		return fmt.Errorf("replay %s %s: %w", tx.Kind, tx.ID, err)
	}
	return nil
}

// submit runs a new transaction in the next block.
func (e *Engine) submit(tx Tx) (Receipt, error) {
	e.mu.Lock()
	tx.Block = e.ledger.NextBlock()
	tx.ID = uuid.New().String()
	receipt, err := e.execute(tx, true)
	reporter := e.reporter
	e.mu.Unlock()

	if err != nil {
		log.Debug().
			Err(err).
			Str("kind", tx.Kind.String()).
			Str("caller", tx.Caller.String()).
			Msg("transaction rejected")
		return Receipt{}, err
	}

	if reporter != nil {
		if err := reporter.Report(receipt); err != nil {
			log.Warn().Err(err).Str("tx", receipt.TxID).Msg("unable to report receipt")
		}
	}
	return receipt, nil
}

// effect is a validated transaction waiting to be applied. staged may be nil
// when no funds move.
type effect struct {
	staged *chain.Staged
	apply  func()
	events []Event
}

// execute validates tx, journals it and then applies it. Any failure leaves
// the engine and the ledger untouched.
func (e *Engine) execute(tx Tx, journal bool) (Receipt, error) {
	var (
		eff effect
		err error
	)
	switch tx.Kind {
	case TxCreateAuction:
		eff, err = e.planCreate(tx)
	case TxBuy:
		eff, err = e.planBuy(tx)
	case TxDeposit:
		eff, err = e.planDeposit(tx)
	case TxWithdraw:
		eff, err = e.planWithdraw(tx)
	default:
		err = ErrUnknownTx
	}
	if err != nil {
		return Receipt{}, err
	}

	if journal && e.journal != nil {
		if err := e.journal.Append(tx); err != nil {
			return Receipt{}, fmt.Errorf("journal %s: %w", tx.Kind, err)
		}
	}

	if eff.staged != nil {
		if err := e.ledger.Commit(eff.staged); err != nil {
			// The lock is held from prepare to commit so this can not happen
			// unless the ledger is shared.
			return Receipt{}, fmt.Errorf("commit %s: %w", tx.Kind, err)
		}
	}
	if eff.apply != nil {
		eff.apply()
	}

	return Receipt{TxID: tx.ID, Block: tx.Block, Events: eff.events}, nil
}

func (e *Engine) planCreate(tx Tx) (effect, error) {
	if tx.Caller.IsZero() {
		return effect{}, ErrAnonymousCaller
	}
	if ValidateAmount(tx.StartingPrice) != nil || ValidateAmount(tx.DiscountRate) != nil {
		return effect{}, ErrInvalidPrice
	}
	if len(tx.Item) > MaxItemLength {
		return effect{}, fmt.Errorf("%w: %d bytes, at most %d", ErrItemTooLong, len(tx.Item), MaxItemLength)
	}

	if tx.Duration > uint64(MaxDuration/time.Second) {
		return effect{}, fmt.Errorf("%w: %ds exceeds %v", ErrInvalidDuration, tx.Duration, MaxDuration)
	}
	duration := time.Duration(tx.Duration) * time.Second
	if tx.Duration == 0 {
		duration = e.defaultDuration
	}

	seconds := decimal.NewFromInt(int64(duration / time.Second))
	if !tx.StartingPrice.IsPositive() || tx.StartingPrice.LessThan(tx.DiscountRate.Mul(seconds)) {
		return effect{}, ErrInvalidPrice
	}

	auction := &Auction{
		ID:            uint64(len(e.auctions)),
		Seller:        tx.Caller,
		StartingPrice: tx.StartingPrice,
		FinalPrice:    decimal.Zero,
		DiscountRate:  tx.DiscountRate,
		StartsAt:      tx.Block.Timestamp,
		EndsAt:        tx.Block.Timestamp.Add(duration),
		Item:          tx.Item,
	}

	return effect{
		apply: func() {
			e.auctions = append(e.auctions, auction)
			log.Info().
				Uint64("auction", auction.ID).
				Str("item", auction.Item).
				Str("seller", auction.Seller.String()).
				Str("startingPrice", auction.StartingPrice.String()).
				Time("endsAt", auction.EndsAt).
				Msg("auction created")
		},
		events: []Event{{
			Type:          AuctionCreated,
			AuctionID:     auction.ID,
			Item:          auction.Item,
			StartingPrice: auction.StartingPrice,
			Duration:      duration,
		}},
	}, nil
}

func (e *Engine) planBuy(tx Tx) (effect, error) {
	if tx.Caller.IsZero() {
		return effect{}, ErrAnonymousCaller
	}
	if err := ValidateAmount(tx.Amount); err != nil {
		return effect{}, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}

	auction, err := e.lookup(tx.AuctionID)
	if err != nil {
		return effect{}, err
	}
	price, err := priceAt(auction, tx.Block.Timestamp)
	if err != nil {
		return effect{}, err
	}
	if tx.Amount.LessThan(price) {
		return effect{}, ErrInsufficientFunds
	}

	if ValidateAmount(tx.FeePercent) != nil || tx.FeePercent.GreaterThan(hundred) {
		return effect{}, fmt.Errorf("%w: fee %s%%", ErrInvalidAmount, tx.FeePercent)
	}
	fee := price.Mul(tx.FeePercent).Div(hundred).Floor()
	proceeds := price.Sub(fee)
	refund := tx.Amount.Sub(price)

	// The payment lands on the engine account first, so the seller and the
	// refund are always paid out of funds that are actually there.
	staged, err := e.ledger.Prepare(
		chain.Transfer{From: tx.Caller, To: e.account, Amount: tx.Amount},
		chain.Transfer{From: e.account, To: auction.Seller, Amount: proceeds},
		chain.Transfer{From: e.account, To: tx.Caller, Amount: refund},
	)
	if err != nil {
		return effect{}, err
	}

	return effect{
		staged: staged,
		apply: func() {
			auction.Stopped = true
			auction.FinalPrice = price
			auction.Buyer = tx.Caller
			e.fees = e.fees.Add(fee)
			log.Info().
				Uint64("auction", auction.ID).
				Str("buyer", tx.Caller.String()).
				Str("finalPrice", price.String()).
				Str("fee", fee.String()).
				Str("refund", refund.String()).
				Msg("auction sold")
		},
		events: []Event{{
			Type:       AuctionEnded,
			AuctionID:  auction.ID,
			FinalPrice: price,
			Buyer:      tx.Caller,
		}},
	}, nil
}

func (e *Engine) planDeposit(tx Tx) (effect, error) {
	if tx.Caller.IsZero() {
		return effect{}, ErrAnonymousCaller
	}
	if err := ValidateAmount(tx.Amount); err != nil || !tx.Amount.IsPositive() {
		return effect{}, ErrInvalidAmount
	}
	staged, err := e.ledger.Prepare(chain.Transfer{From: ZeroIdentity, To: tx.Caller, Amount: tx.Amount})
	if err != nil {
		return effect{}, err
	}
	return effect{
		staged: staged,
		apply: func() {
			log.Info().
				Str("account", tx.Caller.String()).
				Str("amount", tx.Amount.String()).
				Msg("deposit")
		},
	}, nil
}

func (e *Engine) planWithdraw(tx Tx) (effect, error) {
	if tx.Caller.IsZero() {
		return effect{}, ErrAnonymousCaller
	}
	if tx.Caller != e.owner {
		return effect{}, ErrNotOwner
	}
	amount := e.fees
	staged, err := e.ledger.Prepare(chain.Transfer{From: e.account, To: e.owner, Amount: amount})
	if err != nil {
		return effect{}, err
	}
	return effect{
		staged: staged,
		apply: func() {
			e.fees = decimal.Zero
			log.Info().Str("owner", e.owner.String()).Str("amount", amount.String()).Msg("fees withdrawn")
		},
		events: []Event{{
			Type:    FeesWithdrawn,
			Amount:  amount,
			Account: e.owner,
		}},
	}, nil
}

// ---- Queries ----

// GetPriceFor returns the price an auction would sell at right now.
func (e *Engine) GetPriceFor(id uint64) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	auction, err := e.lookup(id)
	if err != nil {
		return decimal.Zero, err
	}
	return priceAt(auction, e.ledger.Now())
}

// Auction returns a copy of the auction record.
func (e *Engine) Auction(id uint64) (Auction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	auction, err := e.lookup(id)
	if err != nil {
		return Auction{}, err
	}
	return *auction, nil
}

// Auctions returns copies of every auction in creation order.
func (e *Engine) Auctions() []Auction {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Auction, len(e.auctions))
	for i, a := range e.auctions {
		out[i] = *a
	}
	return out
}

func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.auctions)
}

func (e *Engine) Owner() Identity { return e.owner }

func (e *Engine) Account() Identity { return e.account }

func (e *Engine) FeePercent() decimal.Decimal { return e.feePercent }

// FeesCollected returns the fees retained since the last withdrawal.
func (e *Engine) FeesCollected() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fees
}

func (e *Engine) Balance(account Identity) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Balance(account)
}

func (e *Engine) lookup(id uint64) (*Auction, error) {
	if id >= uint64(len(e.auctions)) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAuction, id)
	}
	return e.auctions[id], nil
}

// priceAt applies the stopped and ended checks, in that order, before
// computing the decayed price.
func priceAt(auction *Auction, now time.Time) (decimal.Decimal, error) {
	if auction.Stopped {
		return decimal.Zero, ErrAuctionStopped
	}
	if auction.Ended(now) {
		return decimal.Zero, ErrAuctionEnded
	}
	return auction.PriceAt(now), nil
}
