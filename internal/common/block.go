package common

import (
	"fmt"
	"time"
)

// Block is the unit of serialized execution on the ledger. Every transaction
// executes inside exactly one block and observes its timestamp as "now".
type Block struct {
	Height    uint64    // Monotonic block number, starting at 1
	Timestamp time.Time // Whole seconds, never decreasing
}

func (b Block) String() string {
	return fmt.Sprintf("#%d@%d", b.Height, b.Timestamp.Unix())
}
