// Package httpapi exposes the auction engine over HTTP. Reads are public,
// transactions need a Bearer token naming the caller.
package httpapi

import (
	"errors"
	"strconv"

	"tulip/internal/chain"
	. "tulip/internal/common"
	"tulip/internal/engine"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

type Handler struct {
	engine *engine.Engine
}

// New builds the fiber app serving eng.
func New(eng *engine.Engine, secret []byte) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	Register(app, eng, secret)
	return app
}

func Register(app *fiber.App, eng *engine.Engine, secret []byte) {
	h := &Handler{engine: eng}

	api := app.Group("/api")
	api.Get("/owner", h.GetOwner)
	api.Get("/auctions", h.ListAuctions)
	api.Get("/auctions/:id", h.GetAuction)
	api.Get("/auctions/:id/price", h.GetPrice)
	api.Get("/accounts/:account/balance", h.GetBalance)

	auth := JWTMiddleware(secret)
	api.Post("/auctions", auth, h.CreateAuction)
	api.Post("/auctions/:id/buy", auth, h.Buy)
	api.Post("/withdraw", auth, h.Withdraw)
}

type AuctionView struct {
	ID            uint64          `json:"id"`
	Seller        Identity        `json:"seller"`
	Item          string          `json:"item"`
	StartingPrice decimal.Decimal `json:"startingPrice"`
	DiscountRate  decimal.Decimal `json:"discountRate"`
	FinalPrice    decimal.Decimal `json:"finalPrice"`
	StartsAt      int64           `json:"startsAt"`
	EndsAt        int64           `json:"endsAt"`
	Stopped       bool            `json:"stopped"`
	Buyer         Identity        `json:"buyer,omitempty"`
}

func viewOf(a Auction) AuctionView {
	return AuctionView{
		ID:            a.ID,
		Seller:        a.Seller,
		Item:          a.Item,
		StartingPrice: a.StartingPrice,
		DiscountRate:  a.DiscountRate,
		FinalPrice:    a.FinalPrice,
		StartsAt:      a.StartsAt.Unix(),
		EndsAt:        a.EndsAt.Unix(),
		Stopped:       a.Stopped,
		Buyer:         a.Buyer,
	}
}

type EventView struct {
	Type          string           `json:"type"`
	AuctionID     uint64           `json:"auctionId"`
	Item          string           `json:"item,omitempty"`
	StartingPrice *decimal.Decimal `json:"startingPrice,omitempty"`
	Duration      int64            `json:"duration,omitempty"`
	FinalPrice    *decimal.Decimal `json:"finalPrice,omitempty"`
	Buyer         Identity         `json:"buyer,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Account       Identity         `json:"account,omitempty"`
}

type ReceiptView struct {
	TxID      string      `json:"txId"`
	Height    uint64      `json:"height"`
	Timestamp int64       `json:"timestamp"`
	Events    []EventView `json:"events"`
}

func receiptOf(r Receipt) ReceiptView {
	view := ReceiptView{
		TxID:      r.TxID,
		Height:    r.Block.Height,
		Timestamp: r.Block.Timestamp.Unix(),
		Events:    make([]EventView, 0, len(r.Events)),
	}
	for _, e := range r.Events {
		ev := EventView{Type: e.Type.String(), AuctionID: e.AuctionID}
		switch e.Type {
		case AuctionCreated:
			ev.Item = e.Item
			ev.StartingPrice = &e.StartingPrice
			ev.Duration = int64(e.Duration.Seconds())
		case AuctionEnded:
			ev.FinalPrice = &e.FinalPrice
			ev.Buyer = e.Buyer
		case FeesWithdrawn:
			ev.Amount = &e.Amount
			ev.Account = e.Account
		}
		view.Events = append(view.Events, ev)
	}
	return view
}

type CreateAuctionRequest struct {
	StartingPrice decimal.Decimal `json:"startingPrice"`
	DiscountRate  decimal.Decimal `json:"discountRate"`
	Item          string          `json:"item"`
	Duration      uint64          `json:"duration"` // seconds
}

type BuyRequest struct {
	Payment decimal.Decimal `json:"payment"`
}

func (h *Handler) GetOwner(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"success": true, "owner": h.engine.Owner()})
}

func (h *Handler) ListAuctions(c *fiber.Ctx) error {
	auctions := h.engine.Auctions()
	views := make([]AuctionView, len(auctions))
	for i, a := range auctions {
		views[i] = viewOf(a)
	}
	return c.JSON(fiber.Map{"success": true, "auctions": views})
}

func (h *Handler) GetAuction(c *fiber.Ctx) error {
	id, err := auctionID(c)
	if err != nil {
		return reject(c, fiber.StatusBadRequest, err.Error())
	}
	auction, err := h.engine.Auction(id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "auction": viewOf(auction)})
}

func (h *Handler) GetPrice(c *fiber.Ctx) error {
	id, err := auctionID(c)
	if err != nil {
		return reject(c, fiber.StatusBadRequest, err.Error())
	}
	price, err := h.engine.GetPriceFor(id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "auctionId": id, "price": price})
}

func (h *Handler) GetBalance(c *fiber.Ctx) error {
	account := Identity(c.Params("account"))
	return c.JSON(fiber.Map{
		"success": true,
		"account": account,
		"balance": h.engine.Balance(account),
	})
}

func (h *Handler) CreateAuction(c *fiber.Ctx) error {
	var req CreateAuctionRequest
	if err := c.BodyParser(&req); err != nil {
		return reject(c, fiber.StatusBadRequest, "invalid request format")
	}
	id, receipt, err := h.engine.CreateAuction(Caller(c), req.StartingPrice, req.DiscountRate, req.Item, req.Duration)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":   true,
		"auctionId": id,
		"receipt":   receiptOf(receipt),
	})
}

func (h *Handler) Buy(c *fiber.Ctx) error {
	id, err := auctionID(c)
	if err != nil {
		return reject(c, fiber.StatusBadRequest, err.Error())
	}
	var req BuyRequest
	if err := c.BodyParser(&req); err != nil {
		return reject(c, fiber.StatusBadRequest, "invalid request format")
	}
	receipt, err := h.engine.Buy(Caller(c), id, req.Payment)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "receipt": receiptOf(receipt)})
}

func (h *Handler) Withdraw(c *fiber.Ctx) error {
	receipt, err := h.engine.Withdraw(Caller(c))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "receipt": receiptOf(receipt)})
}

func auctionID(c *fiber.Ctx) (uint64, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return 0, errors.New("auction id must be a non-negative integer")
	}
	return id, nil
}

func reject(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"message": message,
	})
}

// fail maps an engine error onto its HTTP status.
func fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidDuration),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrItemTooLong),
		errors.Is(err, engine.ErrAnonymousCaller):
		status = fiber.StatusBadRequest
	case errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, chain.ErrInsufficientBalance):
		status = fiber.StatusPaymentRequired
	case errors.Is(err, engine.ErrNotOwner):
		status = fiber.StatusForbidden
	case errors.Is(err, engine.ErrUnknownAuction):
		status = fiber.StatusNotFound
	case errors.Is(err, engine.ErrAuctionStopped),
		errors.Is(err, engine.ErrAuctionEnded):
		status = fiber.StatusConflict
	}
	return reject(c, status, err.Error())
}
