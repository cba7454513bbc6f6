package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	. "tulip/internal/common"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderShortBufferSticks(t *testing.T) {
	w := NewWriter(8)
	w.Uint16(7)

	r := NewReader(w.Bytes())
	assert.Equal(t, uint16(7), r.Uint16())
	assert.Equal(t, uint64(0), r.Uint64())
	assert.ErrorIs(t, r.Err(), ErrShortBuffer)

	// Later reads keep failing even if they would fit.
	assert.Equal(t, "", r.Text())
	assert.ErrorIs(t, r.Err(), ErrShortBuffer)
}

func TestReaderBadAmount(t *testing.T) {
	w := NewWriter(8)
	w.Text("not a number")

	r := NewReader(w.Bytes())
	assert.True(t, r.Amount().IsZero())
	assert.Error(t, r.Err())
}

func TestTextTooLong(t *testing.T) {
	w := NewWriter(0)
	w.Text(strings.Repeat("x", 65535))
	require.NoError(t, w.Err())

	w.Text(strings.Repeat("x", 70_000))
	w.Uint8(1)
	_, err := w.Finish()
	assert.ErrorIs(t, err, ErrTextTooLong)
	assert.ErrorContains(t, err, "70000 bytes")

	// Nothing of the rejected string reaches the buffer.
	r := NewReader(w.Bytes())
	assert.Len(t, r.Text(), 65535)
	assert.Equal(t, uint8(1), r.Uint8())
	require.NoError(t, r.Err())
	assert.Equal(t, 0, r.Remaining())
}

func TestTxEncoding(t *testing.T) {
	tx := Tx{
		ID:            "2f1e",
		Kind:          TxCreateAuction,
		Block:         Block{Height: 42, Timestamp: time.Unix(1_700_000_000, 0).UTC()},
		Caller:        "seller",
		StartingPrice: Wei(100000000000000),
		DiscountRate:  Wei(3),
		Item:          "fake item",
		Duration:      60,
		Amount:        Wei(0),
		FeePercent:    decimal.NewFromFloat(2.5),
	}

	w := NewWriter(64)
	w.Tx(tx)
	r := NewReader(w.Bytes())
	got := r.Tx()
	require.NoError(t, r.Err())
	assert.Equal(t, 0, r.Remaining())

	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, tx.Kind, got.Kind)
	assert.Equal(t, tx.Block, got.Block)
	assert.Equal(t, tx.Caller, got.Caller)
	assert.True(t, tx.StartingPrice.Equal(got.StartingPrice))
	assert.True(t, tx.DiscountRate.Equal(got.DiscountRate))
	assert.Equal(t, tx.Item, got.Item)
	assert.Equal(t, tx.Duration, got.Duration)
	assert.Equal(t, "2.5", got.FeePercent.String())
}

func TestAuctionEncoding(t *testing.T) {
	start := time.Unix(1_700_000_000, 0).UTC()
	a := Auction{
		ID:            3,
		Seller:        "seller",
		StartingPrice: Wei(1000),
		FinalPrice:    Wei(970),
		DiscountRate:  Wei(3),
		StartsAt:      start,
		EndsAt:        start.Add(time.Minute),
		Item:          "vase",
		Stopped:       true,
		Buyer:         "buyer",
	}

	w := NewWriter(64)
	w.Auction(a)
	r := NewReader(w.Bytes())
	got := r.Auction()
	require.NoError(t, r.Err())
	assert.Equal(t, a.String(), got.String())
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, nil))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), frame)

	frame, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, frame)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, WriteFrame(&buf, make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)

	header := []byte{0xff, 0xff, 0xff, 0xff}
	_, err = ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	truncated := []byte{0, 0, 0, 5, 'h', 'i'}
	_, err = ReadFrame(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
