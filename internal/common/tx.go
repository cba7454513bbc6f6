package common

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type TxKind uint8

const (
	TxDeposit TxKind = iota + 1
	TxCreateAuction
	TxBuy
	TxWithdraw
)

var txKindName = map[TxKind]string{
	TxDeposit:       "deposit",
	TxCreateAuction: "create-auction",
	TxBuy:           "buy",
	TxWithdraw:      "withdraw",
}

func (k TxKind) String() string {
	if name, ok := txKindName[k]; ok {
		return name
	}
	return fmt.Sprintf("TxKind(%d)", k)
}

// Tx is a committed state transition, as written to the journal. Replaying the
// same transactions at the same blocks rebuilds the same state.
type Tx struct {
	ID            string          // Receipt transaction id
	Kind          TxKind          //
	Block         Block           // Block the transaction executed in
	Caller        Identity        // Sender, or the credited account for deposits
	AuctionID     uint64          // TxBuy
	StartingPrice decimal.Decimal // TxCreateAuction
	DiscountRate  decimal.Decimal // TxCreateAuction
	Item          string          // TxCreateAuction
	Duration      uint64          // TxCreateAuction, effective seconds
	Amount        decimal.Decimal // TxBuy payment, TxDeposit amount
	FeePercent    decimal.Decimal // TxBuy, platform fee in force when bought
}
