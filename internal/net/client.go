package net

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	. "tulip/internal/common"
	"tulip/internal/wire"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const defaultEventBuffer = 64

var ErrClientClosed = errors.New("client closed")

// Client speaks the server protocol over one TCP connection. Replies are
// matched to requests by request id; broadcast events go to Events.
type Client struct {
	conn    net.Conn
	nextID  atomic.Uint64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan Report
	err     error

	events chan Report
	done   chan struct{}
}

func Dial(ctx context.Context, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan Report),
		events:  make(chan Report, defaultEventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers event reports. Events are dropped when nobody keeps up.
func (c *Client) Events() <-chan Report {
	return c.events
}

func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		frame, err := wire.ReadFrame(c.conn)
		if err != nil {
			c.fail(err)
			return
		}
		report, err := ParseReport(frame)
		if err != nil {
			log.Error().Err(err).Msg("dropping malformed report")
			continue
		}

		if report.MessageType == EventReport {
			select {
			case c.events <- report:
			default:
				log.Warn().Str("tx", report.TxID).Msg("event buffer full, dropping event")
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[report.RequestID]
		delete(c.pending, report.RequestID)
		c.mu.Unlock()
		if ok {
			ch <- report
		}
	}
}

func (c *Client) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.conn, payload)
}

// fail wakes every waiting request once the connection is gone.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = errors.Join(ErrClientClosed, err)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Do sends a request built around the given request id and waits for the
// matching report.
func (c *Client) Do(ctx context.Context, build func(base BaseMessage) Message) (Report, error) {
	id := c.nextID.Add(1)
	ch := make(chan Report, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return Report{}, c.err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	m := build(BaseMessage{RequestID: id})
	payload, err := m.Serialize()
	if err == nil {
		err = c.write(payload)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Report{}, err
	}

	select {
	case report, ok := <-ch:
		if !ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			return Report{}, c.err
		}
		return report, report.AsError()
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Report{}, ctx.Err()
	}
}

// ---- Typed requests ----

// Heartbeat returns the identity the session is authenticated as, if any.
func (c *Client) Heartbeat(ctx context.Context) (Identity, error) {
	report, err := c.Do(ctx, func(base BaseMessage) Message {
		base.TypeOf = Heartbeat
		return base
	})
	return report.Identity, err
}

// Authenticate binds the session to the subject of token. Transactions sent
// afterwards execute as that identity.
func (c *Client) Authenticate(ctx context.Context, token string) (Identity, error) {
	report, err := c.Do(ctx, func(base BaseMessage) Message {
		base.TypeOf = Authenticate
		return AuthenticateMessage{BaseMessage: base, Token: token}
	})
	return report.Identity, err
}

func (c *Client) CreateAuction(
	ctx context.Context,
	startingPrice, discountRate decimal.Decimal,
	item string,
	durationSeconds uint64,
) (uint64, Report, error) {
	report, err := c.Do(ctx, func(base BaseMessage) Message {
		base.TypeOf = CreateAuction
		return CreateAuctionMessage{
			BaseMessage:   base,
			StartingPrice: startingPrice,
			DiscountRate:  discountRate,
			Item:          item,
			Duration:      durationSeconds,
		}
	})
	return report.AuctionID, report, err
}

func (c *Client) GetPriceFor(ctx context.Context, id uint64) (decimal.Decimal, error) {
	report, err := c.Do(ctx, func(base BaseMessage) Message {
		base.TypeOf = GetPrice
		return AuctionMessage{BaseMessage: base, AuctionID: id}
	})
	return report.Amount, err
}

func (c *Client) Buy(ctx context.Context, id uint64, payment decimal.Decimal) (Report, error) {
	return c.Do(ctx, func(base BaseMessage) Message {
		base.TypeOf = Buy
		return BuyMessage{BaseMessage: base, AuctionID: id, Payment: payment}
	})
}

func (c *Client) Auction(ctx context.Context, id uint64) (Auction, error) {
	report, err := c.Do(ctx, func(base BaseMessage) Message {
		base.TypeOf = GetAuction
		return AuctionMessage{BaseMessage: base, AuctionID: id}
	})
	if err != nil {
		return Auction{}, err
	}
	if len(report.Auctions) != 1 {
		return Auction{}, ErrMalformedMessage
	}
	return report.Auctions[0], nil
}

// AuctionsPage returns up to limit auctions from offset, and the number of
// auctions in the ledger.
func (c *Client) AuctionsPage(ctx context.Context, offset uint64, limit uint32) ([]Auction, uint64, error) {
	report, err := c.Do(ctx, func(base BaseMessage) Message {
		base.TypeOf = ListAuctions
		return PageMessage{BaseMessage: base, Offset: offset, Limit: limit}
	})
	return report.Auctions, report.Total, err
}

// Auctions pages through every auction.
func (c *Client) Auctions(ctx context.Context) ([]Auction, error) {
	var all []Auction
	for {
		page, total, err := c.AuctionsPage(ctx, uint64(len(all)), 0)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) == 0 || uint64(len(all)) >= total {
			return all, nil
		}
	}
}

func (c *Client) Owner(ctx context.Context) (Identity, error) {
	report, err := c.Do(ctx, func(base BaseMessage) Message {
		base.TypeOf = GetOwner
		return base
	})
	return report.Identity, err
}

// Deposit issues funds to account. Only the owner may deposit.
func (c *Client) Deposit(ctx context.Context, account Identity, amount decimal.Decimal) (Report, error) {
	return c.Do(ctx, func(base BaseMessage) Message {
		base.TypeOf = Deposit
		return DepositMessage{BaseMessage: base, Account: account, Amount: amount}
	})
}

func (c *Client) Balance(ctx context.Context, account Identity) (decimal.Decimal, error) {
	report, err := c.Do(ctx, func(base BaseMessage) Message {
		base.TypeOf = Balance
		return AccountMessage{BaseMessage: base, Account: account}
	})
	return report.Amount, err
}

func (c *Client) Withdraw(ctx context.Context) (Report, error) {
	return c.Do(ctx, func(base BaseMessage) Message {
		base.TypeOf = Withdraw
		return base
	})
}
