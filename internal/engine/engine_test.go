package engine_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"tulip/internal/chain"
	. "tulip/internal/common"
	"tulip/internal/engine"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

const (
	owner  Identity = "owner"
	seller Identity = "seller"
	buyer  Identity = "buyer"
)

var genesis = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type MockReporter struct {
	receipts []Receipt
}

func (r *MockReporter) Report(receipt Receipt) error {
	r.receipts = append(r.receipts, receipt)
	return nil
}

// MemoryJournal keeps appended transactions, optionally failing every append.
type MemoryJournal struct {
	txs  []Tx
	fail error
}

func (j *MemoryJournal) Append(tx Tx) error {
	if j.fail != nil {
		return j.fail
	}
	j.txs = append(j.txs, tx)
	return nil
}

func createTestEngine(t *testing.T) (*engine.Engine, *chain.ManualClock) {
	t.Helper()
	clock := chain.NewManualClock(genesis)
	eng := engine.New(chain.NewLedger(clock), engine.Options{
		Owner:      owner,
		Account:    "aucengine",
		FeePercent: engine.DefaultFeePercent,
	})
	return eng, clock
}

func ether(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := ParseEther(s)
	require.NoError(t, err)
	return d
}

func fund(t *testing.T, eng *engine.Engine, account Identity, amount decimal.Decimal) {
	t.Helper()
	_, err := eng.Deposit(account, amount)
	require.NoError(t, err)
}

func assertAmount(t *testing.T, expected, actual decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Truef(t, expected.Equal(actual), "expected %s, got %s %v", expected, actual, msgAndArgs)
}

// --- Tests ------------------------------------------------------------------

func TestOwner(t *testing.T) {
	eng, _ := createTestEngine(t)
	assert.Equal(t, owner, eng.Owner())
}

func TestCreateAuction(t *testing.T) {
	eng, _ := createTestEngine(t)

	id, receipt, err := eng.CreateAuction(seller, ether(t, "0.0001"), Wei(3), "fake item", 60)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)

	auction, err := eng.Auction(0)
	require.NoError(t, err)
	assert.Equal(t, "fake item", auction.Item)
	assert.Equal(t, seller, auction.Seller)
	assert.False(t, auction.Stopped)
	assert.Equal(t, receipt.Block.Timestamp, auction.StartsAt)
	assert.Equal(t, receipt.Block.Timestamp.Add(60*time.Second), auction.EndsAt)

	require.Len(t, receipt.Events, 1)
	assert.Equal(t, AuctionCreated, receipt.Events[0].Type)
	assert.Equal(t, "fake item", receipt.Events[0].Item)
	assert.Equal(t, 60*time.Second, receipt.Events[0].Duration)
	assert.NotEmpty(t, receipt.TxID)
}

func TestCreateAuction_IndicesFollowInsertionOrder(t *testing.T) {
	eng, _ := createTestEngine(t)

	for i := 0; i < 5; i++ {
		id, _, err := eng.CreateAuction(seller, Wei(1000), Wei(1), "item", 10)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), id)
	}
	assert.Equal(t, 5, eng.Count())

	auctions := eng.Auctions()
	require.Len(t, auctions, 5)
	for i, a := range auctions {
		assert.Equal(t, uint64(i), a.ID)
	}
}

func TestCreateAuction_IncorrectStartingPrice(t *testing.T) {
	eng, _ := createTestEngine(t)

	tests := []struct {
		name     string
		price    decimal.Decimal
		rate     decimal.Decimal
		duration uint64
	}{
		{"below discount bound", ether(t, "0.0000000000000001"), Wei(3), 60},
		{"one under the bound", Wei(179), Wei(3), 60},
		{"zero price", Wei(0), Wei(0), 60},
		{"negative price", Wei(-1), Wei(0), 60},
		{"fractional price", decimal.RequireFromString("100.5"), Wei(1), 60},
		{"negative rate", Wei(100), Wei(-1), 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := eng.CreateAuction(seller, tt.price, tt.rate, "fake item", tt.duration)
			assert.ErrorIs(t, err, engine.ErrInvalidPrice)
			assert.EqualError(t, err, "incorrect starting price")
		})
	}
	assert.Equal(t, 0, eng.Count())
}

func TestCreateAuction_ExactBound(t *testing.T) {
	eng, clock := createTestEngine(t)

	_, _, err := eng.CreateAuction(seller, Wei(180), Wei(3), "fake item", 60)
	require.NoError(t, err)

	// The last open second still has a positive price.
	clock.Advance(59 * time.Second)
	p, err := eng.GetPriceFor(0)
	require.NoError(t, err)
	assertAmount(t, Wei(3), p)

	clock.Advance(time.Second)
	_, err = eng.GetPriceFor(0)
	assert.ErrorIs(t, err, engine.ErrAuctionEnded)
}

func TestCreateAuction_DefaultDuration(t *testing.T) {
	eng, _ := createTestEngine(t)

	_, receipt, err := eng.CreateAuction(seller, ether(t, "1"), Wei(3), "fake item", 0)
	require.NoError(t, err)

	auction, err := eng.Auction(0)
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultDuration, auction.Duration())
	assert.Equal(t, receipt.Block.Timestamp.Add(engine.DefaultDuration), auction.EndsAt)

	// The bound applies to the default duration too.
	_, _, err = eng.CreateAuction(seller, Wei(1000), Wei(1), "fake item", 0)
	assert.ErrorIs(t, err, engine.ErrInvalidPrice)
}

func TestCreateAuction_Rejects(t *testing.T) {
	eng, _ := createTestEngine(t)

	_, _, err := eng.CreateAuction(seller, Wei(100), Wei(1), strings.Repeat("x", engine.MaxItemLength+1), 10)
	assert.ErrorIs(t, err, engine.ErrItemTooLong)
	_, _, err = eng.CreateAuction(seller, Wei(100), Wei(1), strings.Repeat("x", engine.MaxItemLength), 10)
	assert.NoError(t, err)

	_, _, err = eng.CreateAuction(ZeroIdentity, Wei(100), Wei(1), "item", 10)
	assert.ErrorIs(t, err, engine.ErrAnonymousCaller)

	_, _, err = eng.CreateAuction(seller, Wei(100), Wei(0), "item", uint64(engine.MaxDuration/time.Second)+1)
	assert.ErrorIs(t, err, engine.ErrInvalidDuration)
}

func TestGetPriceFor_Decays(t *testing.T) {
	eng, clock := createTestEngine(t)

	_, _, err := eng.CreateAuction(seller, Wei(1000), Wei(7), "fake item", 100)
	require.NoError(t, err)

	p, err := eng.GetPriceFor(0)
	require.NoError(t, err)
	assertAmount(t, Wei(1000), p)

	// Sub-second time does not count.
	clock.Advance(900 * time.Millisecond)
	p, err = eng.GetPriceFor(0)
	require.NoError(t, err)
	assertAmount(t, Wei(1000), p)

	clock.Advance(100 * time.Millisecond)
	p, err = eng.GetPriceFor(0)
	require.NoError(t, err)
	assertAmount(t, Wei(993), p)

	clock.Advance(9 * time.Second)
	p, err = eng.GetPriceFor(0)
	require.NoError(t, err)
	assertAmount(t, Wei(930), p)
}

func TestGetPriceFor_MonotonicallyNonIncreasing(t *testing.T) {
	eng, clock := createTestEngine(t)

	_, _, err := eng.CreateAuction(seller, Wei(500), Wei(5), "fake item", 100)
	require.NoError(t, err)

	last, err := eng.GetPriceFor(0)
	require.NoError(t, err)
	for i := 0; i < 99; i++ {
		clock.Advance(time.Second)
		p, err := eng.GetPriceFor(0)
		require.NoError(t, err)
		assert.True(t, p.LessThanOrEqual(last), "price rose from %s to %s", last, p)
		assert.False(t, p.IsNegative())
		last = p
	}
}

func TestGetPriceFor_Ended(t *testing.T) {
	eng, clock := createTestEngine(t)

	_, _, err := eng.CreateAuction(seller, Wei(100), Wei(1), "fake item", 10)
	require.NoError(t, err)

	// Still open during the last second.
	clock.Advance(9 * time.Second)
	_, err = eng.GetPriceFor(0)
	assert.NoError(t, err)

	// Closed from EndsAt onwards.
	clock.Advance(time.Second)
	_, err = eng.GetPriceFor(0)
	assert.ErrorIs(t, err, engine.ErrAuctionEnded)
	assert.EqualError(t, err, "ended!")

	// Ended is derived, the record is not flagged.
	auction, err := eng.Auction(0)
	require.NoError(t, err)
	assert.False(t, auction.Stopped)
}

func TestBuy_EndedAfterFullDuration(t *testing.T) {
	clock := chain.NewManualClock(genesis.Add(300 * time.Millisecond))
	eng := engine.New(chain.NewLedger(clock), engine.Options{Owner: owner, FeePercent: engine.DefaultFeePercent})
	fund(t, eng, buyer, Wei(1000))

	for i := 0; i < 2; i++ {
		_, _, err := eng.CreateAuction(seller, Wei(100), Wei(1), "fake item", 1)
		require.NoError(t, err)
	}

	clock.Advance(1000 * time.Millisecond)
	_, err := eng.Buy(buyer, 1, Wei(100))
	assert.ErrorIs(t, err, engine.ErrAuctionEnded)
	_, err = eng.GetPriceFor(0)
	assert.ErrorIs(t, err, engine.ErrAuctionEnded)
	assertAmount(t, Wei(1000), eng.Balance(buyer))
}

func TestUnknownAuction(t *testing.T) {
	eng, _ := createTestEngine(t)

	_, err := eng.GetPriceFor(0)
	assert.ErrorIs(t, err, engine.ErrUnknownAuction)
	_, err = eng.Auction(3)
	assert.ErrorIs(t, err, engine.ErrUnknownAuction)
	_, err = eng.Buy(buyer, 0, Wei(1))
	assert.ErrorIs(t, err, engine.ErrUnknownAuction)
}

func TestBuy_AllowsToBuy(t *testing.T) {
	eng, clock := createTestEngine(t)
	reporter := &MockReporter{}
	eng.SetReporter(reporter)
	fund(t, eng, buyer, ether(t, "1"))

	_, _, err := eng.CreateAuction(seller, ether(t, "0.0001"), Wei(3), "fake item", 60)
	require.NoError(t, err)
	_, _, err = eng.CreateAuction(seller, ether(t, "0.0001"), Wei(3), "fake item 2", 1)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	_, err = eng.Buy(buyer, 1, ether(t, "0.0001"))
	assert.ErrorIs(t, err, engine.ErrAuctionEnded)

	_, err = eng.Buy(buyer, 0, ether(t, "0.00000000000000001"))
	assert.ErrorIs(t, err, engine.ErrInsufficientFunds)
	assert.EqualError(t, err, "not enough funds!")
	auction, err := eng.Auction(0)
	require.NoError(t, err)
	assert.False(t, auction.Stopped)

	buyerBefore := eng.Balance(buyer)
	sellerBefore := eng.Balance(seller)

	receipt, err := eng.Buy(buyer, 0, ether(t, "0.0001"))
	require.NoError(t, err)

	auction, err = eng.Auction(0)
	require.NoError(t, err)
	finalPrice := auction.FinalPrice
	assertAmount(t, ether(t, "0.0001").Sub(Wei(6)), finalPrice)
	assert.True(t, auction.Stopped)
	assert.Equal(t, buyer, auction.Buyer)

	// Seller gets the price less a 10% fee, rounded in favour of the seller.
	fee := finalPrice.Mul(Wei(10)).Div(Wei(100)).Floor()
	assertAmount(t, finalPrice.Sub(fee), eng.Balance(seller).Sub(sellerBefore))
	assertAmount(t, finalPrice, buyerBefore.Sub(eng.Balance(buyer)))
	assertAmount(t, fee, eng.FeesCollected())
	assertAmount(t, fee, eng.Balance(eng.Account()))

	require.Len(t, receipt.Events, 1)
	ev := receipt.Events[0]
	assert.Equal(t, AuctionEnded, ev.Type)
	assert.Equal(t, uint64(0), ev.AuctionID)
	assertAmount(t, finalPrice, ev.FinalPrice)
	assert.Equal(t, buyer, ev.Buyer)

	_, err = eng.Buy(buyer, 0, ether(t, "0.0001"))
	assert.ErrorIs(t, err, engine.ErrAuctionStopped)
	assert.EqualError(t, err, "stopped!")

	_, err = eng.GetPriceFor(0)
	assert.ErrorIs(t, err, engine.ErrAuctionStopped)

	// Deposit and two creations and one purchase were reported.
	require.Len(t, reporter.receipts, 4)
	assert.Equal(t, receipt.TxID, reporter.receipts[3].TxID)
}

func TestBuy_RefundsOverpayment(t *testing.T) {
	eng, clock := createTestEngine(t)
	fund(t, eng, buyer, Wei(10_000))

	_, _, err := eng.CreateAuction(seller, Wei(1000), Wei(10), "fake item", 50)
	require.NoError(t, err)
	clock.Advance(5 * time.Second)

	_, err = eng.Buy(buyer, 0, Wei(5000))
	require.NoError(t, err)

	// Price 950: fee 95, seller 855, buyer pays 950 net.
	assertAmount(t, Wei(10_000-950), eng.Balance(buyer))
	assertAmount(t, Wei(855), eng.Balance(seller))
	assertAmount(t, Wei(95), eng.Balance(eng.Account()))
}

func TestBuy_FeeRoundsDown(t *testing.T) {
	eng, _ := createTestEngine(t)
	fund(t, eng, buyer, Wei(100))

	_, _, err := eng.CreateAuction(seller, Wei(19), Wei(0), "fake item", 50)
	require.NoError(t, err)
	_, err = eng.Buy(buyer, 0, Wei(19))
	require.NoError(t, err)

	// floor(19 * 10 / 100) = 1
	assertAmount(t, Wei(18), eng.Balance(seller))
	assertAmount(t, Wei(1), eng.FeesCollected())
}

func TestBuy_StoppedTakesPrecedenceOverEnded(t *testing.T) {
	eng, clock := createTestEngine(t)
	fund(t, eng, buyer, Wei(1000))

	_, _, err := eng.CreateAuction(seller, Wei(100), Wei(1), "fake item", 10)
	require.NoError(t, err)
	_, err = eng.Buy(buyer, 0, Wei(100))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = eng.GetPriceFor(0)
	assert.ErrorIs(t, err, engine.ErrAuctionStopped)
	_, err = eng.Buy(buyer, 0, Wei(100))
	assert.ErrorIs(t, err, engine.ErrAuctionStopped)
}

func TestBuy_InsufficientBalanceLeavesStateUnchanged(t *testing.T) {
	eng, _ := createTestEngine(t)
	fund(t, eng, buyer, Wei(50))

	_, _, err := eng.CreateAuction(seller, Wei(100), Wei(1), "fake item", 10)
	require.NoError(t, err)

	_, err = eng.Buy(buyer, 0, Wei(100))
	assert.ErrorIs(t, err, chain.ErrInsufficientBalance)

	auction, err := eng.Auction(0)
	require.NoError(t, err)
	assert.False(t, auction.Stopped)
	assertAmount(t, decimal.Zero, auction.FinalPrice)
	assertAmount(t, Wei(50), eng.Balance(buyer))
	assertAmount(t, decimal.Zero, eng.Balance(seller))
	assertAmount(t, decimal.Zero, eng.FeesCollected())
}

func TestBuy_JournalFailureLeavesStateUnchanged(t *testing.T) {
	eng, _ := createTestEngine(t)
	fund(t, eng, buyer, Wei(500))

	_, _, err := eng.CreateAuction(seller, Wei(100), Wei(1), "fake item", 10)
	require.NoError(t, err)

	diskFull := errors.New("disk full")
	eng.SetJournal(&MemoryJournal{fail: diskFull})

	_, err = eng.Buy(buyer, 0, Wei(100))
	assert.ErrorIs(t, err, diskFull)

	auction, err := eng.Auction(0)
	require.NoError(t, err)
	assert.False(t, auction.Stopped)
	assertAmount(t, Wei(500), eng.Balance(buyer))
	assertAmount(t, decimal.Zero, eng.Balance(seller))

	_, _, err = eng.CreateAuction(seller, Wei(100), Wei(1), "fake item", 10)
	assert.ErrorIs(t, err, diskFull)
	assert.Equal(t, 1, eng.Count())
}

func TestBuy_Rejects(t *testing.T) {
	eng, _ := createTestEngine(t)
	_, _, err := eng.CreateAuction(seller, Wei(100), Wei(1), "fake item", 10)
	require.NoError(t, err)

	_, err = eng.Buy(ZeroIdentity, 0, Wei(100))
	assert.ErrorIs(t, err, engine.ErrAnonymousCaller)

	_, err = eng.Buy(buyer, 0, Wei(-100))
	assert.ErrorIs(t, err, engine.ErrInvalidAmount)
}

func TestWithdraw(t *testing.T) {
	eng, _ := createTestEngine(t)
	fund(t, eng, buyer, Wei(1000))

	_, _, err := eng.CreateAuction(seller, Wei(500), Wei(0), "fake item", 10)
	require.NoError(t, err)
	_, err = eng.Buy(buyer, 0, Wei(500))
	require.NoError(t, err)

	_, err = eng.Withdraw(seller)
	assert.ErrorIs(t, err, engine.ErrNotOwner)
	_, err = eng.Withdraw(ZeroIdentity)
	assert.ErrorIs(t, err, engine.ErrAnonymousCaller)

	receipt, err := eng.Withdraw(owner)
	require.NoError(t, err)
	require.Len(t, receipt.Events, 1)
	assert.Equal(t, FeesWithdrawn, receipt.Events[0].Type)
	assertAmount(t, Wei(50), receipt.Events[0].Amount)

	assertAmount(t, Wei(50), eng.Balance(owner))
	assertAmount(t, decimal.Zero, eng.Balance(eng.Account()))
	assertAmount(t, decimal.Zero, eng.FeesCollected())
}

func TestDeposit(t *testing.T) {
	eng, _ := createTestEngine(t)

	fund(t, eng, buyer, Wei(10))
	fund(t, eng, buyer, Wei(5))
	assertAmount(t, Wei(15), eng.Balance(buyer))

	_, err := eng.Deposit(buyer, Wei(0))
	assert.ErrorIs(t, err, engine.ErrInvalidAmount)
	_, err = eng.Deposit(ZeroIdentity, Wei(10))
	assert.ErrorIs(t, err, engine.ErrAnonymousCaller)
}

func TestReplay_RebuildsState(t *testing.T) {
	eng, clock := createTestEngine(t)
	j := &MemoryJournal{}
	eng.SetJournal(j)

	fund(t, eng, buyer, Wei(10_000))
	_, _, err := eng.CreateAuction(seller, Wei(1000), Wei(10), "first", 60)
	require.NoError(t, err)
	clock.Advance(3 * time.Second)
	_, _, err = eng.CreateAuction(seller, Wei(2000), Wei(1), "second", 60)
	require.NoError(t, err)
	clock.Advance(4 * time.Second)
	_, err = eng.Buy(buyer, 0, Wei(5000))
	require.NoError(t, err)
	_, err = eng.Withdraw(owner)
	require.NoError(t, err)

	// Rejected transactions are not journaled.
	_, err = eng.Buy(buyer, 0, Wei(5000))
	require.Error(t, err)
	require.Len(t, j.txs, 5)

	replayClock := chain.NewManualClock(genesis.Add(-time.Hour))
	replayed := engine.New(chain.NewLedger(replayClock), engine.Options{
		Owner:      owner,
		Account:    "aucengine",
		FeePercent: engine.DefaultFeePercent,
	})
	for _, tx := range j.txs {
		require.NoError(t, replayed.Replay(tx))
	}

	original := eng.Auctions()
	rebuilt := replayed.Auctions()
	require.Len(t, rebuilt, len(original))
	for i := range original {
		assert.Equal(t, original[i].String(), rebuilt[i].String())
	}
	for _, id := range []Identity{buyer, seller, owner, eng.Account()} {
		assertAmount(t, eng.Balance(id), replayed.Balance(id), id)
	}
	assertAmount(t, eng.FeesCollected(), replayed.FeesCollected())
}

func TestReplay_UsesRecordedFeeAndDuration(t *testing.T) {
	eng, clock := createTestEngine(t)
	j := &MemoryJournal{}
	eng.SetJournal(j)

	fund(t, eng, buyer, ether(t, "10"))
	_, _, err := eng.CreateAuction(seller, ether(t, "1"), Wei(3), "fake item", 0)
	require.NoError(t, err)
	clock.Advance(5 * time.Second)
	_, err = eng.Buy(buyer, 0, ether(t, "1"))
	require.NoError(t, err)

	require.Len(t, j.txs, 3)
	assert.Equal(t, uint64(engine.DefaultDuration/time.Second), j.txs[1].Duration)
	assertAmount(t, decimal.NewFromInt(engine.DefaultFeePercent), j.txs[2].FeePercent)

	// A restart with different settings must not change history.
	replayed := engine.New(chain.NewLedger(chain.NewManualClock(genesis.Add(time.Minute))), engine.Options{
		Owner:           owner,
		Account:         "aucengine",
		FeePercent:      engine.DefaultFeePercent + 20,
		DefaultDuration: time.Hour,
	})
	for _, tx := range j.txs {
		require.NoError(t, replayed.Replay(tx))
	}

	original, err := eng.Auction(0)
	require.NoError(t, err)
	rebuilt, err := replayed.Auction(0)
	require.NoError(t, err)
	assert.Equal(t, original.EndsAt, rebuilt.EndsAt)
	assert.Equal(t, engine.DefaultDuration, rebuilt.Duration())
	for _, id := range []Identity{buyer, seller, eng.Account()} {
		assertAmount(t, eng.Balance(id), replayed.Balance(id), id)
	}
	assertAmount(t, eng.FeesCollected(), replayed.FeesCollected())

	// New sales use the new fee.
	_, _, err = replayed.CreateAuction(seller, Wei(1000), Wei(1), "second", 60)
	require.NoError(t, err)
	fees := replayed.FeesCollected()
	_, err = replayed.Buy(buyer, 1, Wei(1000))
	require.NoError(t, err)
	assertAmount(t, fees.Add(Wei(1000*(engine.DefaultFeePercent+20)/100)), replayed.FeesCollected())
}

func TestReplay_RejectsOutOfOrderBlocks(t *testing.T) {
	eng, _ := createTestEngine(t)

	tx := Tx{
		ID:     "tx",
		Kind:   TxDeposit,
		Block:  Block{Height: 2, Timestamp: genesis},
		Caller: buyer,
		Amount: Wei(10),
	}
	require.NoError(t, eng.Replay(tx))

	tx.Block.Height = 1
	assert.ErrorIs(t, eng.Replay(tx), chain.ErrBlockRegression)
}
