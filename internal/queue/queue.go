// Package queue stores encoded messages per address for the amqpd
// broker.
package queue

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

const (
	keyPrefixMessage = "msg:"
	keyPrefixSeq     = "seq:"
)

// ErrEmpty is returned by Pop when the address holds no messages.
var ErrEmpty = errors.New("queue: empty")

// Store is a FIFO of encoded messages for each address. It is safe for
// concurrent use.
type Store struct {
	db *buntdb.DB
}

// Open opens the store at path. An empty path or ":memory:" keeps the
// store in memory.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening store %s", path)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func messageKey(address string, seq uint64) string {
	// zero padded so key order is arrival order
	return fmt.Sprintf("%s%s:%020d", keyPrefixMessage, address, seq)
}

func messagePattern(address string) string {
	return keyPrefixMessage + address + ":*"
}

// Push appends payload to address and returns its sequence number.
func (s *Store) Push(address string, payload []byte) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *buntdb.Tx) error {
		last, err := tx.Get(keyPrefixSeq + address)
		switch {
		case err == buntdb.ErrNotFound:
		case err != nil:
			return err
		default:
			if seq, err = strconv.ParseUint(last, 10, 64); err != nil {
				return errors.Wrapf(err, "corrupt sequence for %s", address)
			}
		}
		seq++

		if _, _, err := tx.Set(keyPrefixSeq+address, strconv.FormatUint(seq, 10), nil); err != nil {
			return err
		}
		_, _, err = tx.Set(messageKey(address, seq), string(payload), nil)
		return err
	})
	if err != nil {
		return 0, errors.Wrapf(err, "push to %s", address)
	}
	return seq, nil
}

// Pop removes and returns the oldest message of address. ErrEmpty is
// returned if there is none.
func (s *Store) Pop(address string) ([]byte, error) {
	var payload []byte
	err := s.db.Update(func(tx *buntdb.Tx) error {
		var key string
		err := tx.AscendKeys(messagePattern(address), func(k, v string) bool {
			key, payload = k, []byte(v)
			return false
		})
		if err != nil {
			return err
		}
		if key == "" {
			return ErrEmpty
		}
		_, err = tx.Delete(key)
		return err
	})
	if err == ErrEmpty {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrapf(err, "pop from %s", address)
	}
	return payload, nil
}

// Len returns the number of messages stored for address.
func (s *Store) Len(address string) (int, error) {
	var n int
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(messagePattern(address), func(k, v string) bool {
			n++
			return true
		})
	})
	return n, errors.Wrapf(err, "count %s", address)
}
