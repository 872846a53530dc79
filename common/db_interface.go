package common

import "errors"

var (
	ErrKeyNotFound = errors.New("Key not found")
	// 遍历回调返回该错误时，提前结束遍历，不作为错误返回
	ErrStopIteration = errors.New("stop iteration")
)

// 只读快照，创建之后的写入对快照不可见
type Snapshot interface {
	Get(key []byte) ([]byte, error) // 获得数据的新copy
	// reverse=false: 从 >= seek 的第一个key开始
	// reverse=true:  从 < seek 的最后一个key开始（seek为空时从prefix内最后一个key开始）
	Iterate(prefix, seek []byte, reverse bool, r func(k, v []byte) error) error
	Close()
}

type WriteBatch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Flush() error
	Close()
}

// 每个调用都是完整的transaction
type KVDB interface {
	DropAll() error

	Read(key []byte) ([]byte, error)
	Write(key, value []byte) error
	Close() error

	NewWriteBatch() WriteBatch
	NewSnapshot() (Snapshot, error)

	// 遍历读
	BatchRead(prefix []byte, reverse bool, r func(k, v []byte) error) error
}
