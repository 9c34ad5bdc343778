package settlement

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
)

const heightKey = "last_height"

type database struct {
	db *leveldb.DB
}

func newDatabase(dbPath string) (*database, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database @ %s: %w", dbPath, err)
	}
	return &database{db: db}, nil
}

func (db *database) Close() error {
	return db.db.Close()
}

func txKey(hash string) []byte {
	return []byte("tx/" + hash)
}

// lastHeight returns the last processed block height, or (0, false)
// when no progress was ever persisted.
func (db *database) lastHeight() (uint64, bool, error) {
	data, err := db.db.Get([]byte(heightKey), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return 0, false, nil
	case err != nil:
		return 0, false, err
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("malformed height record of %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), true, nil
}

// isProcessed reports whether the transaction hash was credited by an
// earlier scan.
func (db *database) isProcessed(hash string) (bool, error) {
	return db.db.Has(txKey(hash), nil)
}

// commitScan records the scanned height and the credited transaction
// hashes in one atomic write. It runs only after the cycle's credits
// succeeded, so a crediting failure leaves the height untouched and the
// blocks are rescanned on the next interval.
func (db *database) commitScan(height uint64, hashes []string) error {
	trans, err := db.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("opening scan transaction: %w", err)
	}
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, height)
	if err := trans.Put([]byte(heightKey), data, nil); err != nil {
		trans.Discard()
		return err
	}
	for _, hash := range hashes {
		if err := trans.Put(txKey(hash), nil, nil); err != nil {
			trans.Discard()
			return err
		}
	}
	return trans.Commit()
}
