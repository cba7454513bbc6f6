package wire

import (
	"time"

	. "tulip/internal/common"
)

// Encoders for the shared domain types.

func (w *Writer) Block(b Block) {
	w.Uint64(b.Height)
	w.Time(b.Timestamp)
}

func (r *Reader) Block() Block {
	return Block{Height: r.Uint64(), Timestamp: r.Time()}
}

func (w *Writer) Auction(a Auction) {
	w.Uint64(a.ID)
	w.Text(string(a.Seller))
	w.Amount(a.StartingPrice)
	w.Amount(a.FinalPrice)
	w.Amount(a.DiscountRate)
	w.Time(a.StartsAt)
	w.Time(a.EndsAt)
	w.Text(a.Item)
	w.Bool(a.Stopped)
	w.Text(string(a.Buyer))
}

func (r *Reader) Auction() Auction {
	return Auction{
		ID:            r.Uint64(),
		Seller:        Identity(r.Text()),
		StartingPrice: r.Amount(),
		FinalPrice:    r.Amount(),
		DiscountRate:  r.Amount(),
		StartsAt:      r.Time(),
		EndsAt:        r.Time(),
		Item:          r.Text(),
		Stopped:       r.Bool(),
		Buyer:         Identity(r.Text()),
	}
}

func (w *Writer) Event(e Event) {
	w.Uint8(uint8(e.Type))
	w.Uint64(e.AuctionID)
	w.Text(e.Item)
	w.Amount(e.StartingPrice)
	w.Int64(int64(e.Duration))
	w.Amount(e.FinalPrice)
	w.Text(string(e.Buyer))
	w.Amount(e.Amount)
	w.Text(string(e.Account))
}

func (r *Reader) Event() Event {
	return Event{
		Type:          EventType(r.Uint8()),
		AuctionID:     r.Uint64(),
		Item:          r.Text(),
		StartingPrice: r.Amount(),
		Duration:      time.Duration(r.Int64()),
		FinalPrice:    r.Amount(),
		Buyer:         Identity(r.Text()),
		Amount:        r.Amount(),
		Account:       Identity(r.Text()),
	}
}

func (w *Writer) Tx(tx Tx) {
	w.Text(tx.ID)
	w.Uint8(uint8(tx.Kind))
	w.Block(tx.Block)
	w.Text(string(tx.Caller))
	w.Uint64(tx.AuctionID)
	w.Amount(tx.StartingPrice)
	w.Amount(tx.DiscountRate)
	w.Text(tx.Item)
	w.Uint64(tx.Duration)
	w.Amount(tx.Amount)
	w.Amount(tx.FeePercent)
}

func (r *Reader) Tx() Tx {
	return Tx{
		ID:            r.Text(),
		Kind:          TxKind(r.Uint8()),
		Block:         r.Block(),
		Caller:        Identity(r.Text()),
		AuctionID:     r.Uint64(),
		StartingPrice: r.Amount(),
		DiscountRate:  r.Amount(),
		Item:          r.Text(),
		Duration:      r.Uint64(),
		Amount:        r.Amount(),
		FeePercent:    r.Amount(),
	}
}
