package consensus

import (
	"bytes"
	"fmt"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/minermesh/minerpool/shared"
)

// Record tracks validator endorsement of one merged artifact.
// Weight is accrued in hundredths of a percent so arithmetic stays
// integral; 5100 means 51.00%.
type Record struct {
	ArtifactID string
	Weight     int64
	Validators []string
	LastActive int64 // unix nanoseconds
}

func (r *Record) counted(wallet string) bool {
	for _, v := range r.Validators {
		if v == wallet {
			return true
		}
	}
	return false
}

// ValidatorPeer is a locally cached snapshot of one registry entry.
type ValidatorPeer struct {
	Wallet   string
	Endpoint string
	Weight   int64 // hundredths of a percent
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

func recordKey(artifactID string) []byte {
	return []byte("record/" + artifactID)
}

func peerKey(wallet string) []byte {
	return []byte("peer/" + wallet)
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

func (db *database) getRecord(artifactID string) (*Record, error) {
	data, err := db.db.Get(recordKey(artifactID), nil)
	if err != nil {
		return nil, err
	}
	rec := &Record{}
	if err := decode(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (db *database) putRecord(rec *Record) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	if err := db.db.Put(recordKey(rec.ArtifactID), data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing consensus record %s: %w", rec.ArtifactID, err)
	}
	return nil
}

func (db *database) hasRecord(artifactID string) (bool, error) {
	return db.db.Has(recordKey(artifactID), nil)
}

// mutateRecord applies fn to the record inside a serializing
// transaction. fn returning (nil, nil) deletes the record.
func (db *database) mutateRecord(artifactID string, fn func(rec *Record) (*Record, error)) error {
	trans, err := db.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("opening record transaction: %w", err)
	}
	data, err := trans.Get(recordKey(artifactID), nil)
	if err != nil {
		trans.Discard()
		return err
	}
	rec := &Record{}
	if err := decode(data, rec); err != nil {
		trans.Discard()
		return err
	}
	updated, err := fn(rec)
	if err != nil {
		trans.Discard()
		return err
	}
	if updated == nil {
		if err := trans.Delete(recordKey(artifactID), nil); err != nil {
			trans.Discard()
			return err
		}
		return trans.Commit()
	}
	out, err := encode(updated)
	if err != nil {
		trans.Discard()
		return err
	}
	if err := trans.Put(recordKey(artifactID), out, nil); err != nil {
		trans.Discard()
		return fmt.Errorf("persisting consensus record %s: %w", artifactID, err)
	}
	return trans.Commit()
}

func (db *database) records() ([]Record, error) {
	var records []Record
	iter := db.db.NewIterator(util.BytesPrefix([]byte("record/")), nil)
	defer iter.Release()
	for iter.Next() {
		rec := Record{}
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

func (db *database) deleteRecord(artifactID string) error {
	return db.db.Delete(recordKey(artifactID), &opt.WriteOptions{Sync: true})
}

// replacePeers swaps the cached registry snapshot for a fresh one.
func (db *database) replacePeers(peers []ValidatorPeer) error {
	batch := new(leveldb.Batch)
	iter := db.db.NewIterator(util.BytesPrefix([]byte("peer/")), nil)
	for iter.Next() {
		batch.Delete(append([]byte{}, iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	for i := range peers {
		data, err := encode(&peers[i])
		if err != nil {
			return err
		}
		batch.Put(peerKey(peers[i].Wallet), data)
	}
	return db.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (db *database) peers() ([]ValidatorPeer, error) {
	var peers []ValidatorPeer
	iter := db.db.NewIterator(util.BytesPrefix([]byte("peer/")), nil)
	defer iter.Release()
	for iter.Next() {
		peer := ValidatorPeer{}
		if err := decode(iter.Value(), &peer); err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return peers, nil
}
