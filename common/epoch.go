package common

import (
	"sync"
	"sync/atomic"
)

// EpochBarrier 串行化写入，每次写入开始前 epoch 加一。
// 读者只在抓取快照时持有读锁，之后用 epoch 判断期间是否有写入发生（包括还没结束的写入）。
type EpochBarrier struct {
	mutex sync.RWMutex
	epoch atomic.Uint64
}

func (b *EpochBarrier) Write(fn func() error) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	// 先推进再修改，读者看到数据变化时一定也能看到新的 epoch
	b.epoch.Add(1)
	return fn()
}

func (b *EpochBarrier) Read(fn func(epoch uint64) error) error {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return fn(b.epoch.Load())
}

func (b *EpochBarrier) Epoch() uint64 {
	return b.epoch.Load()
}
