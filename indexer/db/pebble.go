package db

import (
	"bytes"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/sat20-labs/grouphistory/common"
)

const (
	maxBatchSize = 1280 << 20 // 1280MB，安全
)

type pebbleDB struct {
	path string
	db   *pebble.DB
}

// 查询服务的参数：大 cache + 大 block，点查为主
func serveOptions() *pebble.Options {
	cache := pebble.NewCache(1 << 30) // 1GB

	return &pebble.Options{
		Cache:        cache,
		MaxOpenFiles: 50000,

		MemTableSize:                64 << 20,
		MemTableStopWritesThreshold: 4,

		L0CompactionThreshold: 6,
		L0StopWritesThreshold: 12,

		MaxConcurrentCompactions: func() int { return 2 },

		Levels: func() []pebble.LevelOptions {
			lvls := make([]pebble.LevelOptions, 7)
			for i := range lvls {
				lvls[i].TargetFileSize = 128 << 20
				lvls[i].BlockSize = 16 << 10 // 提高点查效率
				lvls[i].FilterPolicy = bloom.FilterPolicy(10)
				lvls[i].FilterType = pebble.TableFilter
			}
			return lvls
		}(),
	}
}

func openPebbleDB(filepath string, o *pebble.Options) (*pebble.DB, error) {
	if o == nil {
		o = serveOptions()
	}
	return pebble.Open(filepath, o)
}

func NewPebbleDB(path string) (common.KVDB, error) {
	if path == "" {
		path = "./data/db"
	}
	db, err := openPebbleDB(path, nil)
	if err != nil {
		common.Log.Errorf("openPebbleDB %s failed, %v", path, err)
		return nil, err
	}
	return &pebbleDB{path: path, db: db}, nil
}

// 内存数据库，测试和临时运行用
func NewMemPebbleDB() (common.KVDB, error) {
	db, err := openPebbleDB("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &pebbleDB{path: "", db: db}, nil
}

func (p *pebbleDB) Read(key []byte) ([]byte, error) {
	val, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, common.ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte{}, val...), nil
}

func (p *pebbleDB) Write(key, value []byte) error {
	return p.db.Set(key, value, pebble.Sync)
}

func (p *pebbleDB) DropAll() error {
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

func (p *pebbleDB) Close() error {
	return p.db.Close()
}

// nextPrefix 返回“字典序上紧邻 prefix 的下界”，可作为 UpperBound（开区间）。
// 若 prefix 全为 0xFF，返回 nil（表示无上界）；此时要多一道 HasPrefix 检查。
func nextPrefix(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	out := append([]byte{}, prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

type pebbleReader interface {
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// 统一的迭代器入口：支持前缀、起始键、正/反向
// 反向时 start 是开区间：只返回 < start 的key
func iterPebble(reader pebbleReader, prefix, start []byte, reverse bool, r func(k, v []byte) error) error {
	var lower, upper []byte
	if len(prefix) > 0 {
		lower = prefix
		upper = nextPrefix(prefix)
	}

	it, err := reader.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer it.Close()

	var ok bool
	if reverse {
		if len(start) > 0 {
			if upper != nil && bytes.Compare(start, upper) > 0 {
				start = upper
			}
			ok = it.SeekLT(start)
		} else {
			ok = it.Last()
		}
	} else {
		if len(start) > 0 {
			if len(lower) > 0 && bytes.Compare(start, lower) < 0 {
				start = lower
			}
			ok = it.SeekGE(start)
		} else {
			ok = it.First()
		}
	}

	for ; ok; ok = step(it, reverse) {
		k := it.Key()
		// 当 upper==nil（prefix 全 0xFF）时，需要手动判断 HasPrefix
		if len(prefix) > 0 && upper == nil && !bytes.HasPrefix(k, prefix) {
			if reverse {
				continue
			}
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

func step(it *pebble.Iterator, reverse bool) bool {
	if reverse {
		return it.Prev()
	}
	return it.Next()
}

func (p *pebbleDB) BatchRead(prefix []byte, reverse bool, r func(k, v []byte) error) error {
	return iterPebble(p.db, prefix, nil, reverse, r)
}

type pebbleSnapshot struct {
	snap *pebble.Snapshot
}

func (p *pebbleDB) NewSnapshot() (common.Snapshot, error) {
	return &pebbleSnapshot{snap: p.db.NewSnapshot()}, nil
}

func (s *pebbleSnapshot) Get(key []byte) ([]byte, error) {
	val, closer, err := s.snap.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, common.ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte{}, val...), nil
}

func (s *pebbleSnapshot) Iterate(prefix, seek []byte, reverse bool, r func(k, v []byte) error) error {
	return iterPebble(s.snap, prefix, seek, reverse, r)
}

func (s *pebbleSnapshot) Close() {
	if err := s.snap.Close(); err != nil {
		common.Log.Warnf("close snapshot failed, %v", err)
	}
}

type pebbleWriteBatch struct {
	db     *pebble.DB
	batch  *pebble.Batch
	closed bool
}

func (p *pebbleWriteBatch) Put(key, value []byte) error {
	if p.closed {
		return errors.New("writebatch closed")
	}
	if p.batch.Len()+len(key)+len(value) >= maxBatchSize {
		// 一个区块的数据需要原子提交，不能拆分
		return errors.New("writebatch too large")
	}
	return p.batch.Set(key, value, nil)
}

func (p *pebbleWriteBatch) Delete(key []byte) error {
	if p.closed {
		return errors.New("writebatch closed")
	}
	return p.batch.Delete(key, nil)
}

func (p *pebbleWriteBatch) Flush() error {
	if p.closed {
		return errors.New("writebatch closed")
	}
	return p.batch.Commit(pebble.Sync)
}

func (p *pebbleWriteBatch) Close() {
	if p.closed {
		return
	}
	p.closed = true
	_ = p.batch.Close()
}

func (p *pebbleDB) NewWriteBatch() common.WriteBatch {
	return &pebbleWriteBatch{db: p.db, batch: p.db.NewBatch()}
}
