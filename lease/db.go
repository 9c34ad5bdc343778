package lease

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/minermesh/minerpool/shared"
)

// Task is one leasable shard of a job, keyed by the content hash of its
// input file. A zero Gradient means the result is still pending; once
// non-zero it is never overwritten.
type Task struct {
	Hash       string
	URL        string
	Wallet     string
	LeasedAt   int64 // unix nanoseconds, 0 = never leased
	Downloaded bool
	Gradient   int32
	Location   string
}

const (
	keyActiveJob = "state/active_job"
	keyMining    = "state/mining"
)

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

func taskKey(jobID, hash string) []byte {
	return []byte("task/" + jobID + "/" + hash)
}

func jobPrefix(jobID string) *util.Range {
	return util.BytesPrefix([]byte("task/" + jobID + "/"))
}

func encodeTask(t *Task) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, t); err != nil {
		return nil, fmt.Errorf("serializing task %s: %w", t.Hash, err)
	}
	return buf.Bytes(), nil
}

func decodeTask(data []byte) (*Task, error) {
	task := &Task{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), task); err != nil {
		return nil, fmt.Errorf("%w: task: %v", shared.ErrCorruptRecord, err)
	}
	return task, nil
}

// PutTasks bulk-inserts the tasks of a job. Re-inserting an existing
// (job, hash) pair overwrites it.
func (db *database) PutTasks(jobID string, tasks []Task) error {
	batch := new(leveldb.Batch)
	for i := range tasks {
		data, err := encodeTask(&tasks[i])
		if err != nil {
			return err
		}
		batch.Put(taskKey(jobID, tasks[i].Hash), data)
	}
	if err := db.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing tasks for job %s: %w", jobID, err)
	}
	return nil
}

func (db *database) GetTask(jobID, hash string) (*Task, error) {
	data, err := db.db.Get(taskKey(jobID, hash), nil)
	if err != nil {
		return nil, err
	}
	return decodeTask(data)
}

// LeaseNext scans the job's tasks in stored order and leases the first
// one that has no gradient and is either unleased or past the lease
// timeout. The scan and the write run in one serializing transaction,
// so concurrent callers racing on the same task see exactly one winner.
// allDone reports that every task already has a gradient.
func (db *database) LeaseNext(
	ctx context.Context,
	jobID, wallet string,
	now time.Time,
	timeout time.Duration,
) (task *Task, allDone bool, err error) {
	trans, err := db.db.OpenTransaction()
	if err != nil {
		return nil, false, fmt.Errorf("opening lease transaction: %w", err)
	}

	allDone = true
	iter := trans.NewIterator(jobPrefix(jobID), nil)
	defer iter.Release()
	for iter.Next() {
		candidate, err := decodeTask(iter.Value())
		if err != nil {
			trans.Discard()
			return nil, false, err
		}
		if candidate.Gradient != 0 {
			continue
		}
		allDone = false

		leased := candidate.LeasedAt != 0
		expired := leased && now.Sub(time.Unix(0, candidate.LeasedAt)) > timeout
		if leased && !expired {
			continue
		}

		candidate.Wallet = wallet
		candidate.LeasedAt = now.UnixNano()
		candidate.Downloaded = true
		data, err := encodeTask(candidate)
		if err != nil {
			trans.Discard()
			return nil, false, err
		}
		if err := trans.Put(taskKey(jobID, candidate.Hash), data, nil); err != nil {
			trans.Discard()
			return nil, false, fmt.Errorf("persisting lease: %w", err)
		}
		if err := trans.Commit(); err != nil {
			return nil, false, fmt.Errorf("committing lease: %w", err)
		}
		return candidate, false, nil
	}
	if err := iter.Error(); err != nil {
		trans.Discard()
		return nil, false, err
	}
	trans.Discard()
	if allDone {
		return nil, true, nil
	}
	return nil, false, nil
}

// recordGradient marks the task's gradient as submitted. The guards are
// re-checked inside the transaction so a raced duplicate submission loses.
func (db *database) recordGradient(ctx context.Context, jobID, hash, location string) error {
	trans, err := db.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("opening gradient transaction: %w", err)
	}
	data, err := trans.Get(taskKey(jobID, hash), nil)
	if err != nil {
		trans.Discard()
		return err
	}
	task, err := decodeTask(data)
	if err != nil {
		trans.Discard()
		return err
	}
	if task.Gradient != 0 {
		trans.Discard()
		return ErrAlreadyRecorded
	}
	if !task.Downloaded {
		trans.Discard()
		return ErrNotDownloaded
	}
	task.Gradient = 1
	task.Location = location
	data, err = encodeTask(task)
	if err != nil {
		trans.Discard()
		return err
	}
	if err := trans.Put(taskKey(jobID, hash), data, nil); err != nil {
		trans.Discard()
		return fmt.Errorf("persisting gradient: %w", err)
	}
	return trans.Commit()
}

// Tasks returns every task of a job in stored order.
func (db *database) Tasks(jobID string) ([]Task, error) {
	var tasks []Task
	iter := db.db.NewIterator(jobPrefix(jobID), nil)
	defer iter.Release()
	for iter.Next() {
		task, err := decodeTask(iter.Value())
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// AllGradientsPresent reports whether every task of the job has a
// non-zero gradient. A job with no tasks is never complete.
func (db *database) AllGradientsPresent(jobID string) (bool, error) {
	found := false
	iter := db.db.NewIterator(jobPrefix(jobID), nil)
	defer iter.Release()
	for iter.Next() {
		found = true
		task, err := decodeTask(iter.Value())
		if err != nil {
			return false, err
		}
		if task.Gradient == 0 {
			return false, nil
		}
	}
	if err := iter.Error(); err != nil {
		return false, err
	}
	return found, nil
}

func (db *database) DeleteJob(jobID string) error {
	batch := new(leveldb.Batch)
	iter := db.db.NewIterator(jobPrefix(jobID), nil)
	for iter.Next() {
		batch.Delete(append([]byte{}, iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return db.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (db *database) getScalar(key string) (string, error) {
	data, err := db.db.Get([]byte(key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return "", nil
	case err != nil:
		return "", err
	}
	return string(data), nil
}

func (db *database) putScalar(key, value string) error {
	return db.db.Put([]byte(key), []byte(value), &opt.WriteOptions{Sync: true})
}

func (db *database) deleteScalar(key string) error {
	return db.db.Delete([]byte(key), &opt.WriteOptions{Sync: true})
}
