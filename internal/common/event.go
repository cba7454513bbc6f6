package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type EventType uint8

const (
	// AuctionCreated is emitted when a new auction is appended to the ledger.
	AuctionCreated EventType = iota
	// AuctionEnded is emitted when a purchase closes an auction.
	AuctionEnded
	// FeesWithdrawn is emitted when the owner sweeps the retained fees.
	FeesWithdrawn
)

var eventTypeName = map[EventType]string{
	AuctionCreated: "AuctionCreated",
	AuctionEnded:   "AuctionEnded",
	FeesWithdrawn:  "FeesWithdrawn",
}

func (t EventType) String() string {
	if name, ok := eventTypeName[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", t)
}

// Event is a log entry produced by a committed transaction. Only the fields of
// the matching Type are populated.
type Event struct {
	Type          EventType
	AuctionID     uint64
	Item          string          // AuctionCreated
	StartingPrice decimal.Decimal // AuctionCreated
	Duration      time.Duration   // AuctionCreated
	FinalPrice    decimal.Decimal // AuctionEnded
	Buyer         Identity        // AuctionEnded
	Amount        decimal.Decimal // FeesWithdrawn
	Account       Identity        // FeesWithdrawn
}

func (e Event) String() string {
	switch e.Type {
	case AuctionCreated:
		return fmt.Sprintf("%s(%d, %q, %s, %ds)",
			e.Type, e.AuctionID, e.Item, e.StartingPrice, int64(e.Duration/time.Second))
	case AuctionEnded:
		return fmt.Sprintf("%s(%d, %s, %s)", e.Type, e.AuctionID, e.FinalPrice, e.Buyer)
	case FeesWithdrawn:
		return fmt.Sprintf("%s(%s, %s)", e.Type, e.Account, e.Amount)
	}
	return e.Type.String()
}

// Receipt accounts for one committed transaction.
type Receipt struct {
	TxID   string
	Block  Block
	Events []Event
}

func (r Receipt) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "TxID:   %s\nBlock:  %s\n", r.TxID, r.Block)
	for _, e := range r.Events {
		fmt.Fprintf(&sb, "Event:  %s\n", e)
	}
	return sb.String()
}
