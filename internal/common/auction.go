package common

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Auction is a single decreasing price sale. The price falls by DiscountRate
// every second from StartsAt until somebody buys or EndsAt passes.
type Auction struct {
	ID            uint64          // Position in the auction ledger
	Seller        Identity        // Who receives the proceeds
	StartingPrice decimal.Decimal // Price at StartsAt
	FinalPrice    decimal.Decimal // Price paid, set once on purchase
	DiscountRate  decimal.Decimal // Price drop per elapsed second
	StartsAt      time.Time       //
	EndsAt        time.Time       // StartsAt + duration
	Item          string          // Free text label of what is sold
	Stopped       bool            // Set by a successful purchase
	Buyer         Identity        // Set by a successful purchase
}

// Duration is the configured length of the auction.
func (a Auction) Duration() time.Duration {
	return a.EndsAt.Sub(a.StartsAt)
}

// Ended reports whether the auction has run out of time at the given instant.
// The auction is closed from EndsAt onwards.
func (a Auction) Ended(at time.Time) bool {
	return !at.Before(a.EndsAt)
}

// PriceAt returns the decayed price at the given instant. Elapsed time is
// counted in whole seconds. The creation bound keeps the result non-negative
// for any instant before EndsAt.
func (a Auction) PriceAt(at time.Time) decimal.Decimal {
	elapsed := int64(at.Sub(a.StartsAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	return a.StartingPrice.Sub(a.DiscountRate.Mul(decimal.NewFromInt(elapsed)))
}

func (a Auction) String() string {
	return fmt.Sprintf(
		`ID:            %d
Item:          %s
Seller:        %s
StartingPrice: %s
DiscountRate:  %s
StartsAt:      %v
EndsAt:        %v
Stopped:       %t
FinalPrice:    %s
Buyer:         %s`,
		a.ID,
		a.Item,
		a.Seller,
		a.StartingPrice,
		a.DiscountRate,
		a.StartsAt.Format(time.RFC3339),
		a.EndsAt.Format(time.RFC3339),
		a.Stopped,
		a.FinalPrice,
		a.Buyer,
	)
}
