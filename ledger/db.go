package ledger

import (
	"bytes"
	"fmt"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/minermesh/minerpool/shared"
)

// MinerAccount is the per-wallet balance ledger entry. Score counts
// accepted gradients since the last settlement.
type MinerAccount struct {
	Wallet     string
	Balance    shared.Amount
	Score      int64
	LastActive int64 // unix nanoseconds
}

// PoolOwnerAccount is the singleton account holding the pool's cut.
type PoolOwnerAccount struct {
	Wallet         string
	Balance        shared.Amount
	LastSettlement int64 // unix nanoseconds
}

// AuditEntry records one miner's slice of a settlement.
type AuditEntry struct {
	Wallet          string
	PreviousBalance shared.Amount
	Score           int64
	Share           shared.Amount
	NewBalance      shared.Amount
}

// SettlementAudit is the per-settlement audit record, keyed by the
// block range that funded it.
type SettlementAudit struct {
	BlockRange string
	Entries    []AuditEntry
}

const ownerKey = "owner"

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

func minerKey(wallet string) []byte {
	return []byte("miner/" + wallet)
}

func auditKey(blockRange string) []byte {
	return []byte("audit/" + blockRange)
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

func (db *database) getMiner(wallet string) (*MinerAccount, error) {
	data, err := db.db.Get(minerKey(wallet), nil)
	if err != nil {
		return nil, err
	}
	acc := &MinerAccount{}
	if err := decode(data, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// mutateMiner applies fn to the wallet's account inside a serializing
// transaction. A nil account is passed to fn when the wallet is unknown;
// fn may return a fresh account to create it.
func (db *database) mutateMiner(
	wallet string,
	fn func(acc *MinerAccount) (*MinerAccount, error),
) error {
	trans, err := db.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("opening account transaction: %w", err)
	}

	var acc *MinerAccount
	data, err := trans.Get(minerKey(wallet), nil)
	switch {
	case err == leveldb.ErrNotFound:
	case err != nil:
		trans.Discard()
		return err
	default:
		acc = &MinerAccount{}
		if err := decode(data, acc); err != nil {
			trans.Discard()
			return err
		}
	}

	updated, err := fn(acc)
	if err != nil {
		trans.Discard()
		return err
	}
	out, err := encode(updated)
	if err != nil {
		trans.Discard()
		return err
	}
	if err := trans.Put(minerKey(wallet), out, nil); err != nil {
		trans.Discard()
		return fmt.Errorf("persisting account %s: %w", wallet, err)
	}
	return trans.Commit()
}

func (db *database) getOwner() (*PoolOwnerAccount, error) {
	data, err := db.db.Get([]byte(ownerKey), nil)
	if err != nil {
		return nil, err
	}
	owner := &PoolOwnerAccount{}
	if err := decode(data, owner); err != nil {
		return nil, err
	}
	return owner, nil
}

func (db *database) mutateOwner(fn func(owner *PoolOwnerAccount) (*PoolOwnerAccount, error)) error {
	trans, err := db.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("opening owner transaction: %w", err)
	}

	var owner *PoolOwnerAccount
	data, err := trans.Get([]byte(ownerKey), nil)
	switch {
	case err == leveldb.ErrNotFound:
	case err != nil:
		trans.Discard()
		return err
	default:
		owner = &PoolOwnerAccount{}
		if err := decode(data, owner); err != nil {
			trans.Discard()
			return err
		}
	}

	updated, err := fn(owner)
	if err != nil {
		trans.Discard()
		return err
	}
	out, err := encode(updated)
	if err != nil {
		trans.Discard()
		return err
	}
	if err := trans.Put([]byte(ownerKey), out, nil); err != nil {
		trans.Discard()
		return fmt.Errorf("persisting pool owner account: %w", err)
	}
	return trans.Commit()
}

// miners returns every miner account in stored order.
func (db *database) miners() ([]MinerAccount, error) {
	var accounts []MinerAccount
	iter := db.db.NewIterator(util.BytesPrefix([]byte("miner/")), nil)
	defer iter.Release()
	for iter.Next() {
		acc := MinerAccount{}
		if err := decode(iter.Value(), &acc); err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (db *database) putAudit(audit *SettlementAudit) error {
	data, err := encode(audit)
	if err != nil {
		return err
	}
	if err := db.db.Put(auditKey(audit.BlockRange), data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing settlement audit %s: %w", audit.BlockRange, err)
	}
	return nil
}

func (db *database) getAudit(blockRange string) (*SettlementAudit, error) {
	data, err := db.db.Get(auditKey(blockRange), nil)
	if err != nil {
		return nil, err
	}
	audit := &SettlementAudit{}
	if err := decode(data, audit); err != nil {
		return nil, err
	}
	return audit, nil
}
