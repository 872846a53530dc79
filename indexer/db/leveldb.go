package db

import (
	"bytes"
	"errors"

	"github.com/sat20-labs/grouphistory/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type kvDB struct {
	path string
	db   *leveldb.DB
}

func openDB(filepath string, o *opt.Options) (*leveldb.DB, error) {
	if o == nil {
		o = &opt.Options{}
	}
	db, err := leveldb.OpenFile(filepath, o)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func NewLevelDB(path string) (common.KVDB, error) {
	if path == "" {
		path = "./data/db"
	}
	db, err := openDB(path, &opt.Options{})
	if err != nil {
		common.Log.Errorf("openDB %s failed, %v", path, err)
		return nil, err
	}
	return &kvDB{path: path, db: db}, nil
}

func NewMemLevelDB() (common.KVDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &kvDB{db: db}, nil
}

func (p *kvDB) Read(key []byte) ([]byte, error) {
	val, err := p.db.Get(key, nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, common.ErrKeyNotFound
		}
		return nil, err
	}
	return append([]byte{}, val...), nil
}

func (p *kvDB) Write(key, value []byte) error {
	return p.db.Put(key, value, &opt.WriteOptions{Sync: true})
}

func (p *kvDB) DropAll() error {
	wb := p.NewWriteBatch()
	defer wb.Close()

	err := p.BatchRead(nil, false, func(k, v []byte) error {
		return wb.Delete(k)
	})
	if err != nil {
		return err
	}
	return wb.Flush()
}

func (p *kvDB) Close() error {
	return p.db.Close()
}

type levelReader interface {
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// 与 iterPebble 语义一致：反向时只返回 < start 的key
func iterLevel(reader levelReader, prefix, start []byte, reverse bool, r func(k, v []byte) error) error {
	var rng *util.Range
	if len(prefix) > 0 {
		rng = util.BytesPrefix(prefix)
	}
	it := reader.NewIterator(rng, nil)
	defer it.Release()

	var ok bool
	if reverse {
		if len(start) > 0 {
			if it.Seek(start) {
				ok = it.Prev()
			} else {
				// 所有key都 < start
				ok = it.Last()
			}
		} else {
			ok = it.Last()
		}
	} else {
		if len(start) > 0 {
			ok = it.Seek(start)
		} else {
			ok = it.First()
		}
	}

	for ; ok; ok = stepLevel(it, reverse) {
		k := it.Key()
		if len(prefix) > 0 && !bytes.HasPrefix(k, prefix) {
			break
		}
		if err := r(append([]byte{}, k...), append([]byte{}, it.Value()...)); err != nil {
			if errors.Is(err, common.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return it.Error()
}

func stepLevel(it iterator.Iterator, reverse bool) bool {
	if reverse {
		return it.Prev()
	}
	return it.Next()
}

func (p *kvDB) BatchRead(prefix []byte, reverse bool, r func(k, v []byte) error) error {
	return iterLevel(p.db, prefix, nil, reverse, r)
}

type levelSnapshot struct {
	snap *leveldb.Snapshot
}

func (p *kvDB) NewSnapshot() (common.Snapshot, error) {
	snap, err := p.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &levelSnapshot{snap: snap}, nil
}

func (s *levelSnapshot) Get(key []byte) ([]byte, error) {
	val, err := s.snap.Get(key, nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, common.ErrKeyNotFound
		}
		return nil, err
	}
	return append([]byte{}, val...), nil
}

func (s *levelSnapshot) Iterate(prefix, seek []byte, reverse bool, r func(k, v []byte) error) error {
	return iterLevel(s.snap, prefix, seek, reverse, r)
}

func (s *levelSnapshot) Close() {
	s.snap.Release()
}

type kvWriteBatch struct {
	db     *leveldb.DB
	batch  *leveldb.Batch
	closed bool
}

func (p *kvWriteBatch) Put(key, value []byte) error {
	if p.closed {
		return errors.New("writebatch closed")
	}
	p.batch.Put(key, value)
	return nil
}

func (p *kvWriteBatch) Delete(key []byte) error {
	if p.closed {
		return errors.New("writebatch closed")
	}
	p.batch.Delete(key)
	return nil
}

func (p *kvWriteBatch) Flush() error {
	if p.closed {
		return errors.New("writebatch closed")
	}
	return p.db.Write(p.batch, &opt.WriteOptions{Sync: true})
}

func (p *kvWriteBatch) Close() {
	p.closed = true
	p.batch = nil
}

func (p *kvDB) NewWriteBatch() common.WriteBatch {
	return &kvWriteBatch{db: p.db, batch: &leveldb.Batch{}}
}
