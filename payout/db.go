package payout

import (
	"bytes"
	"fmt"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/minermesh/minerpool/shared"
)

// PendingPayout is one queued instruction to pay a wallet. IDs are
// never reused; split children get fresh ids and inherit an incremented
// attempt counter.
type PendingPayout struct {
	ID        string
	Wallet    string
	Amount    shared.Amount
	Tag       string
	CreatedAt int64 // unix nanoseconds
	Attempts  int32
}

// PushedPayout is the history record of a successfully submitted payout.
type PushedPayout struct {
	ID        string
	TxHash    string
	Amount    shared.Amount
	Tag       string
	Timestamp int64
}

// ErrorRecord captures a failed submission. Terminal records mark
// dead-lettered payouts that will never be resubmitted.
type ErrorRecord struct {
	ID        string
	Wallet    string
	Amount    shared.Amount
	Tag       string
	Reason    string
	Timestamp int64
	Terminal  bool
}

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

// Pending entries are keyed by creation time so iteration order is
// submission order.
func pendingKey(createdAt int64, id string) []byte {
	return []byte(fmt.Sprintf("pending/%020d/%s", createdAt, id))
}

func pushedKey(wallet string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("pushed/%s/%020d/%s", wallet, ts, id))
}

func errorKey(ts int64, id string) []byte {
	return []byte(fmt.Sprintf("error/%020d/%s", ts, id))
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, fmt.Errorf("serializing record: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrCorruptRecord, err)
	}
	return nil
}

func (db *database) putPending(p *PendingPayout) error {
	data, err := encode(p)
	if err != nil {
		return err
	}
	if err := db.db.Put(pendingKey(p.CreatedAt, p.ID), data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing pending payout %s: %w", p.ID, err)
	}
	return nil
}

func (db *database) deletePending(p *PendingPayout) error {
	return db.db.Delete(pendingKey(p.CreatedAt, p.ID), &opt.WriteOptions{Sync: true})
}

// listPending returns all pending payouts ordered by creation time.
func (db *database) listPending() ([]PendingPayout, error) {
	var pending []PendingPayout
	iter := db.db.NewIterator(util.BytesPrefix([]byte("pending/")), nil)
	defer iter.Release()
	for iter.Next() {
		p := PendingPayout{}
		if err := decode(iter.Value(), &p); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return pending, nil
}

func (db *database) appendPushed(wallet string, rec *PushedPayout) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	if err := db.db.Put(pushedKey(wallet, rec.Timestamp, rec.ID), data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing pushed payout %s: %w", rec.ID, err)
	}
	return nil
}

// pushedHistory returns the wallet's submitted payouts, oldest first.
func (db *database) pushedHistory(wallet string) ([]PushedPayout, error) {
	var history []PushedPayout
	iter := db.db.NewIterator(util.BytesPrefix([]byte("pushed/"+wallet+"/")), nil)
	defer iter.Release()
	for iter.Next() {
		rec := PushedPayout{}
		if err := decode(iter.Value(), &rec); err != nil {
			return nil, err
		}
		history = append(history, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return history, nil
}

func (db *database) appendError(rec *ErrorRecord) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	if err := db.db.Put(errorKey(rec.Timestamp, rec.ID), data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing error record %s: %w", rec.ID, err)
	}
	return nil
}

func (db *database) errorHistory() ([]ErrorRecord, error) {
	var records []ErrorRecord
	iter := db.db.NewIterator(util.BytesPrefix([]byte("error/")), nil)
	defer iter.Release()
	for iter.Next() {
		rec := ErrorRecord{}
		if err := decode(iter.Value(), &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return records, nil
}
