// Package journal is a write-ahead log of committed ledger transactions. The
// engine appends to it before a transaction becomes visible, and a restarting
// server replays it to rebuild state.
package journal

import (
	"io"
	"sync"

	. "tulip/internal/common"
	"tulip/internal/wire"

	"github.com/pkg/errors"
	"github.com/tidwall/wal"
)

const entryVersion = 2

type Journal struct {
	mu        sync.Mutex
	log       *wal.Log
	nextIndex uint64
}

type Options struct {
	// SyncEveryWrite fsyncs after each append. Without it durability is left
	// to Sync and Close.
	SyncEveryWrite bool
}

// Open opens or creates the journal stored in the directory at path.
func Open(path string, opts Options) (*Journal, error) {
	log, err := wal.Open(path, &wal.Options{
		NoSync: !opts.SyncEveryWrite,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not open journal")
	}

	lastIndex, err := log.LastIndex()
	if err != nil {
		log.Close()
		return nil, errors.WithMessage(err, "could not read last index")
	}

	return &Journal{
		log:       log,
		nextIndex: lastIndex + 1,
	}, nil
}

// Len is the number of journaled transactions.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextIndex - 1
}

func (j *Journal) Append(tx Tx) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := encode(tx)
	if err != nil {
		return errors.WithMessagef(err, "could not encode tx %s", tx.ID)
	}
	if err := j.log.Write(j.nextIndex, data); err != nil {
		return errors.WithMessagef(err, "could not write index %d", j.nextIndex)
	}
	j.nextIndex++
	return nil
}

// Iterator walks the journal from the first entry.
type Iterator struct {
	currentIndex uint64
	stopIndex    uint64
	log          *wal.Log
}

func (j *Journal) Iterator() (*Iterator, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	firstIndex, err := j.log.FirstIndex()
	if err != nil {
		return nil, errors.WithMessage(err, "could not read first index")
	}
	lastIndex, err := j.log.LastIndex()
	if err != nil {
		return nil, errors.WithMessage(err, "could not read last index")
	}

	return &Iterator{
		currentIndex: firstIndex,
		stopIndex:    lastIndex,
		log:          j.log,
	}, nil
}

// LoadNext returns io.EOF once every entry has been read.
func (i *Iterator) LoadNext() (Tx, error) {
	if i.currentIndex == 0 || i.currentIndex > i.stopIndex {
		return Tx{}, io.EOF
	}

	data, err := i.log.Read(i.currentIndex)
	if err != nil {
		return Tx{}, errors.WithMessagef(err, "could not read index %d", i.currentIndex)
	}

	tx, err := decode(data)
	if err != nil {
		return Tx{}, errors.WithMessagef(err, "could not decode index %d, is the journal corrupt?", i.currentIndex)
	}

	i.currentIndex++
	return tx, nil
}

// Replay feeds every journaled transaction to fn in order, stopping at the
// first error.
func (j *Journal) Replay(fn func(Tx) error) (int, error) {
	it, err := j.Iterator()
	if err != nil {
		return 0, err
	}

	n := 0
	for {
		tx, err := it.LoadNext()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := fn(tx); err != nil {
			return n, errors.WithMessagef(err, "could not apply entry %d", n+1)
		}
		n++
	}
}

func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.log.Sync()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.log.Sync(); err != nil {
		j.log.Close()
		return errors.WithMessage(err, "could not sync journal")
	}
	return j.log.Close()
}

func encode(tx Tx) ([]byte, error) {
	w := wire.NewWriter(128)
	w.Uint8(entryVersion)
	w.Tx(tx)
	return w.Finish()
}

func decode(data []byte) (Tx, error) {
	r := wire.NewReader(data)
	if v := r.Uint8(); v != entryVersion {
		if r.Err() != nil {
			return Tx{}, r.Err()
		}
		return Tx{}, errors.Errorf("unsupported entry version %d", v)
	}
	tx := r.Tx()
	if r.Err() != nil {
		return Tx{}, r.Err()
	}
	return tx, nil
}
