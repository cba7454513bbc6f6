package net

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"tulip/internal/auth"
	"tulip/internal/chain"
	. "tulip/internal/common"
	"tulip/internal/engine"
	"tulip/internal/wire"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrTrailingBytes      = errors.New("trailing bytes after message")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnauthenticated    = errors.New("session not authenticated")
	ErrReplyTooLarge      = errors.New("reply too large")
	ErrTooManyEntries     = errors.New("too many entries for one report")
)

type MessageType uint16

const (
	Heartbeat MessageType = iota
	CreateAuction
	GetPrice
	Buy
	GetAuction
	GetOwner
	Deposit
	Balance
	Withdraw
	ListAuctions
	Authenticate
)

var messageTypeName = map[MessageType]string{
	Heartbeat:     "heartbeat",
	CreateAuction: "create-auction",
	GetPrice:      "get-price",
	Buy:           "buy",
	GetAuction:    "get-auction",
	GetOwner:      "get-owner",
	Deposit:       "deposit",
	Balance:       "balance",
	Withdraw:      "withdraw",
	ListAuctions:  "list-auctions",
	Authenticate:  "authenticate",
}

func (t MessageType) String() string {
	if name, ok := messageTypeName[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", t)
}

type ReportMessageType uint8

const (
	ResultReport ReportMessageType = iota
	ErrorReport
	EventReport
)

// ErrorCode lets clients tell rejection reasons apart without parsing text.
type ErrorCode uint8

const (
	CodeNone ErrorCode = iota
	CodeInvalidPrice
	CodeAuctionStopped
	CodeAuctionEnded
	CodeInsufficientFunds
	CodeUnknownAuction
	CodeInsufficientBalance
	CodeNotOwner
	CodeBadRequest
	CodeInternal
	CodeUnauthorized
	CodeReplyTooLarge
)

var codeErrors = []struct {
	code ErrorCode
	err  error
}{
	{CodeInvalidPrice, engine.ErrInvalidPrice},
	{CodeAuctionStopped, engine.ErrAuctionStopped},
	{CodeAuctionEnded, engine.ErrAuctionEnded},
	{CodeInsufficientFunds, engine.ErrInsufficientFunds},
	{CodeUnknownAuction, engine.ErrUnknownAuction},
	{CodeInsufficientBalance, chain.ErrInsufficientBalance},
	{CodeNotOwner, engine.ErrNotOwner},
	{CodeBadRequest, engine.ErrAnonymousCaller},
	{CodeBadRequest, engine.ErrInvalidDuration},
	{CodeBadRequest, engine.ErrInvalidAmount},
	{CodeBadRequest, engine.ErrItemTooLong},
	{CodeBadRequest, ErrMalformedMessage},
	{CodeUnauthorized, ErrUnauthenticated},
	{CodeUnauthorized, auth.ErrInvalidToken},
	{CodeUnauthorized, auth.ErrNoSubject},
	{CodeUnauthorized, auth.ErrNoSecret},
	{CodeReplyTooLarge, ErrReplyTooLarge},
}

// CodeFor maps an engine error onto its wire code.
func CodeFor(err error) ErrorCode {
	if err == nil {
		return CodeNone
	}
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// Message format constants
const (
	BaseMessageHeaderLen = 2 + 8
)

type Message interface {
	GetType() MessageType
	GetRequestID() uint64
	Serialize() ([]byte, error)
}

// Generic message type, also used as-is for requests without a body.
// Transactions are executed as the identity the session authenticated as.
type BaseMessage struct {
	TypeOf    MessageType // 2 bytes
	RequestID uint64      // 8 bytes, echoed back in the report
}

func (m BaseMessage) GetType() MessageType { return m.TypeOf }

func (m BaseMessage) GetRequestID() uint64 { return m.RequestID }

func (m BaseMessage) Serialize() ([]byte, error) {
	w := wire.NewWriter(BaseMessageHeaderLen)
	m.writeHeader(w)
	return w.Finish()
}

func (m BaseMessage) writeHeader(w *wire.Writer) {
	w.Uint16(uint16(m.TypeOf))
	w.Uint64(m.RequestID)
}

// AuthenticateMessage binds the session to the subject of a signed token.
type AuthenticateMessage struct {
	BaseMessage
	Token string
}

func (m AuthenticateMessage) Serialize() ([]byte, error) {
	w := wire.NewWriter(BaseMessageHeaderLen + 2 + len(m.Token))
	m.writeHeader(w)
	w.Text(m.Token)
	return w.Finish()
}

type CreateAuctionMessage struct {
	BaseMessage
	StartingPrice decimal.Decimal
	DiscountRate  decimal.Decimal
	Item          string
	Duration      uint64 // seconds
}

func (m CreateAuctionMessage) Serialize() ([]byte, error) {
	w := wire.NewWriter(64 + len(m.Item))
	m.writeHeader(w)
	w.Amount(m.StartingPrice)
	w.Amount(m.DiscountRate)
	w.Text(m.Item)
	w.Uint64(m.Duration)
	return w.Finish()
}

// AuctionMessage addresses one auction: GetPrice and GetAuction.
type AuctionMessage struct {
	BaseMessage
	AuctionID uint64
}

func (m AuctionMessage) Serialize() ([]byte, error) {
	w := wire.NewWriter(BaseMessageHeaderLen + 8)
	m.writeHeader(w)
	w.Uint64(m.AuctionID)
	return w.Finish()
}

// PageMessage asks for up to Limit auctions starting at Offset. A zero
// Limit selects the server maximum.
type PageMessage struct {
	BaseMessage
	Offset uint64
	Limit  uint32
}

func (m PageMessage) Serialize() ([]byte, error) {
	w := wire.NewWriter(BaseMessageHeaderLen + 12)
	m.writeHeader(w)
	w.Uint64(m.Offset)
	w.Uint32(m.Limit)
	return w.Finish()
}

type BuyMessage struct {
	BaseMessage
	AuctionID uint64
	Payment   decimal.Decimal
}

func (m BuyMessage) Serialize() ([]byte, error) {
	w := wire.NewWriter(64)
	m.writeHeader(w)
	w.Uint64(m.AuctionID)
	w.Amount(m.Payment)
	return w.Finish()
}

// AccountMessage carries one identity for Balance queries.
type AccountMessage struct {
	BaseMessage
	Account Identity
}

func (m AccountMessage) Serialize() ([]byte, error) {
	w := wire.NewWriter(32)
	m.writeHeader(w)
	w.Text(string(m.Account))
	return w.Finish()
}

type DepositMessage struct {
	BaseMessage
	Account Identity
	Amount  decimal.Decimal
}

func (m DepositMessage) Serialize() ([]byte, error) {
	w := wire.NewWriter(64)
	m.writeHeader(w)
	w.Text(string(m.Account))
	w.Amount(m.Amount)
	return w.Finish()
}

func parseMessage(msg []byte) (Message, error) {
	if len(msg) < BaseMessageHeaderLen {
		return BaseMessage{}, errors.New("message too short to contain header")
	}

	r := wire.NewReader(msg)
	base := BaseMessage{
		TypeOf:    MessageType(r.Uint16()),
		RequestID: r.Uint64(),
	}

	var m Message
	switch base.TypeOf {
	case Heartbeat, GetOwner, Withdraw:
		m = base
	case Authenticate:
		m = AuthenticateMessage{BaseMessage: base, Token: r.Text()}
	case CreateAuction:
		m = CreateAuctionMessage{
			BaseMessage:   base,
			StartingPrice: r.Amount(),
			DiscountRate:  r.Amount(),
			Item:          r.Text(),
			Duration:      r.Uint64(),
		}
	case GetPrice, GetAuction:
		m = AuctionMessage{BaseMessage: base, AuctionID: r.Uint64()}
	case ListAuctions:
		m = PageMessage{BaseMessage: base, Offset: r.Uint64(), Limit: r.Uint32()}
	case Buy:
		m = BuyMessage{
			BaseMessage: base,
			AuctionID:   r.Uint64(),
			Payment:     r.Amount(),
		}
	case Balance:
		m = AccountMessage{BaseMessage: base, Account: Identity(r.Text())}
	case Deposit:
		m = DepositMessage{
			BaseMessage: base,
			Account:     Identity(r.Text()),
			Amount:      r.Amount(),
		}
	default:
		return base, ErrInvalidMessageType
	}

	if err := r.Err(); err != nil {
		return base, fmt.Errorf("parse %s: %w", base.TypeOf, err)
	}
	if r.Remaining() != 0 {
		return base, fmt.Errorf("parse %s: %w", base.TypeOf, ErrTrailingBytes)
	}
	return m, nil
}

// Report is every server to client message: the answer to a request, or an
// event broadcast to all sessions.
type Report struct {
	MessageType ReportMessageType // 1 byte
	RequestType MessageType       // 2 bytes
	RequestID   uint64            // 8 bytes
	Code        ErrorCode         // 1 byte
	Err         string            // n bytes
	TxID        string            // n bytes
	Block       Block             // 16 bytes
	AuctionID   uint64            // 8 bytes
	Amount      decimal.Decimal   // price or balance
	Identity    Identity          // owner, or the authenticated caller
	Total       uint64            // ListAuctions: auctions in the ledger
	Auctions    []Auction         // GetAuction and one ListAuctions page
	Events      []Event           // events of the committed transaction
}

const reportFixedHeaderLen = 1 + 2 + 8 + 1

// Serialize converts the report to be sent on the wire.
func (r *Report) Serialize() ([]byte, error) {
	if len(r.Auctions) > math.MaxUint16 || len(r.Events) > math.MaxUint16 {
		return nil, ErrTooManyEntries
	}
	w := wire.NewWriter(128)
	w.Uint8(uint8(r.MessageType))
	w.Uint16(uint16(r.RequestType))
	w.Uint64(r.RequestID)
	w.Uint8(uint8(r.Code))
	w.Text(r.Err)
	w.Text(r.TxID)
	w.Block(r.Block)
	w.Uint64(r.AuctionID)
	w.Amount(r.Amount)
	w.Text(string(r.Identity))
	w.Uint64(r.Total)
	w.Uint16(uint16(len(r.Auctions)))
	for _, a := range r.Auctions {
		w.Auction(a)
	}
	w.Uint16(uint16(len(r.Events)))
	for _, e := range r.Events {
		w.Event(e)
	}
	return w.Finish()
}

// ParseReport decodes a report read off the wire.
func ParseReport(msg []byte) (Report, error) {
	if len(msg) < reportFixedHeaderLen {
		return Report{}, errors.New("report too short to contain header")
	}

	rd := wire.NewReader(msg)
	r := Report{
		MessageType: ReportMessageType(rd.Uint8()),
		RequestType: MessageType(rd.Uint16()),
		RequestID:   rd.Uint64(),
		Code:        ErrorCode(rd.Uint8()),
		Err:         rd.Text(),
		TxID:        rd.Text(),
		Block:       rd.Block(),
		AuctionID:   rd.Uint64(),
		Amount:      rd.Amount(),
		Identity:    Identity(rd.Text()),
		Total:       rd.Uint64(),
	}
	if n := int(rd.Uint16()); n > 0 {
		r.Auctions = make([]Auction, 0, n)
		for i := 0; i < n && rd.Err() == nil; i++ {
			r.Auctions = append(r.Auctions, rd.Auction())
		}
	}
	if n := int(rd.Uint16()); n > 0 {
		r.Events = make([]Event, 0, n)
		for i := 0; i < n && rd.Err() == nil; i++ {
			r.Events = append(r.Events, rd.Event())
		}
	}
	if err := rd.Err(); err != nil {
		return Report{}, fmt.Errorf("parse report: %w", err)
	}
	return r, nil
}

// AsError rebuilds the error carried by an error report, wrapping the engine
// sentinel when the code maps onto one so callers can use errors.Is.
func (r Report) AsError() error {
	if r.MessageType != ErrorReport {
		return nil
	}
	var only error
	shared := false
	for _, ce := range codeErrors {
		if ce.code != r.Code {
			continue
		}
		if rest, ok := strings.CutPrefix(r.Err, ce.err.Error()); ok {
			if rest == "" {
				return ce.err
			}
			return fmt.Errorf("%w%s", ce.err, rest)
		}
		if only != nil {
			shared = true
		}
		only = ce.err
	}
	// A code backed by a single sentinel still maps onto it.
	if only != nil && !shared {
		return fmt.Errorf("%w: %s", only, r.Err)
	}
	return errors.New(r.Err)
}

// errorReport builds the reply to a rejected request.
func errorReport(m Message, err error) Report {
	return Report{
		MessageType: ErrorReport,
		RequestType: m.GetType(),
		RequestID:   m.GetRequestID(),
		Code:        CodeFor(err),
		Err:         err.Error(),
	}
}

// resultReport builds the reply to an accepted request.
func resultReport(m Message, receipt Receipt) Report {
	return Report{
		MessageType: ResultReport,
		RequestType: m.GetType(),
		RequestID:   m.GetRequestID(),
		TxID:        receipt.TxID,
		Block:       receipt.Block,
		Events:      receipt.Events,
	}
}

// eventReport builds the broadcast for a committed transaction.
func eventReport(receipt Receipt) Report {
	return Report{
		MessageType: EventReport,
		TxID:        receipt.TxID,
		Block:       receipt.Block,
		Events:      receipt.Events,
	}
}
