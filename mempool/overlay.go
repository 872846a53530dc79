package mempool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sat20-labs/grouphistory/common"
	"github.com/sirupsen/logrus"
)

// Overlay 只有一个写者（IndexerMgr），读者可以并发访问
type Overlay struct {
	txs cmap.ConcurrentMap[string, *Entry] // key: txid

	mutex   sync.RWMutex
	groups  map[string]*treemap.Map // key: group, seq -> common.TxRef
	spentBy map[wire.OutPoint]chainhash.Hash

	seq atomic.Uint64
	log *logrus.Entry
}

// NewOverlay seq 从当前纳秒时间开始，重启后仍然递增
func NewOverlay() *Overlay {
	return NewOverlayWithSeq(uint64(time.Now().UnixNano()))
}

// NewOverlayWithSeq 第一个交易的 seq 是 last+1
func NewOverlayWithSeq(last uint64) *Overlay {
	p := &Overlay{
		txs:     cmap.New[*Entry](),
		groups:  make(map[string]*treemap.Map),
		spentBy: make(map[wire.OutPoint]chainhash.Hash),
		log:     common.GetLoggerEntry(common.ModuleMempool),
	}
	p.seq.Store(last)
	return p
}

func (p *Overlay) LastSeq() uint64 {
	return p.seq.Load()
}

func (p *Overlay) Size() int {
	return p.txs.Count()
}

func (p *Overlay) Has(txId *chainhash.Hash) bool {
	return p.txs.Has(txId.String())
}

// Accept 加入一个未确认交易。已存在时返回原来的 seq 和 false。
// 输入和池中其他交易冲突时返回错误，调用方先处理冲突。
func (p *Overlay) Accept(tx *wire.MsgTx, touches []common.GroupTouch) (uint64, bool, error) {
	txId := tx.TxHash()
	if old, ok := p.txs.Get(txId.String()); ok {
		return old.Seq, false, nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, txIn := range tx.TxIn {
		if other, ok := p.spentBy[txIn.PreviousOutPoint]; ok {
			return 0, false, common.InvalidArgument("tx %s double spends %s with %s",
				txId.String(), txIn.PreviousOutPoint.String(), other.String())
		}
	}

	entry := &Entry{
		TxId:    txId,
		Tx:      tx,
		Seq:     p.seq.Add(1),
		Touches: touches,
		Time:    time.Now(),
	}
	for i := range touches {
		touch := &touches[i]
		key := touch.Group.String()
		rows, ok := p.groups[key]
		if !ok {
			rows = treemap.NewWith(utils.UInt64Comparator)
			p.groups[key] = rows
		}
		rows.Put(entry.Seq, entry.Ref(touch))
	}
	for _, txIn := range tx.TxIn {
		if common.IsCoinbaseInput(txIn) {
			continue
		}
		p.spentBy[txIn.PreviousOutPoint] = txId
	}
	p.txs.Set(txId.String(), entry)
	p.log.Debugf("accept tx %s seq %d, groups %d, pool size %d", txId.String(), entry.Seq, len(touches), p.txs.Count())
	return entry.Seq, true, nil
}

// 调用方持有写锁
func (p *Overlay) remove(entry *Entry) {
	for i := range entry.Touches {
		key := entry.Touches[i].Group.String()
		rows, ok := p.groups[key]
		if !ok {
			continue
		}
		rows.Remove(entry.Seq)
		if rows.Empty() {
			delete(p.groups, key)
		}
	}
	for _, txIn := range entry.Tx.TxIn {
		if spender, ok := p.spentBy[txIn.PreviousOutPoint]; ok && spender == entry.TxId {
			delete(p.spentBy, txIn.PreviousOutPoint)
		}
	}
	p.txs.Remove(entry.TxId.String())
}

// Evict 删除一个交易，不影响花费它输出的交易
func (p *Overlay) Evict(txId *chainhash.Hash) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	entry, ok := p.txs.Get(txId.String())
	if !ok {
		return false
	}
	p.remove(entry)
	p.log.Debugf("evict tx %s, pool size %d", txId.String(), p.txs.Count())
	return true
}

// Take 交易被区块确认，从池中取出
func (p *Overlay) Take(txId *chainhash.Hash) (*Entry, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	entry, ok := p.txs.Get(txId.String())
	if !ok {
		return nil, false
	}
	p.remove(entry)
	return entry, true
}

// InvalidateConflicting 删除交易以及所有花费它输出的后代，返回被删除的交易
func (p *Overlay) InvalidateConflicting(txId *chainhash.Hash) []chainhash.Hash {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	removed := make([]chainhash.Hash, 0)
	pending := []chainhash.Hash{*txId}
	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]
		entry, ok := p.txs.Get(id.String())
		if !ok {
			continue
		}
		for vout := range entry.Tx.TxOut {
			op := wire.OutPoint{Hash: id, Index: uint32(vout)}
			if child, ok := p.spentBy[op]; ok {
				pending = append(pending, child)
			}
		}
		p.remove(entry)
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		p.log.Infof("invalidate tx %s and %d descendants", txId.String(), len(removed)-1)
	}
	return removed
}

// Conflicts 池中与 tx 花费同一输出的其他交易
func (p *Overlay) Conflicts(tx *wire.MsgTx) []chainhash.Hash {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	txId := tx.TxHash()
	ret := make([]chainhash.Hash, 0)
	seen := make(map[chainhash.Hash]bool)
	for _, txIn := range tx.TxIn {
		if common.IsCoinbaseInput(txIn) {
			continue
		}
		other, ok := p.spentBy[txIn.PreviousOutPoint]
		if !ok || other == txId || seen[other] {
			continue
		}
		seen[other] = true
		ret = append(ret, other)
	}
	return ret
}

// Query 返回 group 的全部未确认记录，按 seq 降序
func (p *Overlay) Query(group common.GroupKey) []common.TxRef {
	return p.Range(group, 0, 0, common.OrderNewestFirst)
}

// Range 从 after 之后（不含）按顺序返回最多 limit 条；after 为 0 表示从头开始，limit <= 0 不限制
func (p *Overlay) Range(group common.GroupKey, after uint64, limit int, order common.Order) []common.TxRef {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	ret := make([]common.TxRef, 0)
	rows, ok := p.groups[group.String()]
	if !ok {
		return ret
	}
	it := rows.Iterator()
	if order == common.OrderOldestFirst {
		for it.Next() {
			if limit > 0 && len(ret) == limit {
				break
			}
			if after != 0 && it.Key().(uint64) <= after {
				continue
			}
			ret = append(ret, it.Value().(common.TxRef))
		}
		return ret
	}

	it.End()
	for it.Prev() {
		if limit > 0 && len(ret) == limit {
			break
		}
		if after != 0 && it.Key().(uint64) >= after {
			continue
		}
		ret = append(ret, it.Value().(common.TxRef))
	}
	return ret
}

func (p *Overlay) Tx(txId *chainhash.Hash) (*Entry, bool) {
	return p.txs.Get(txId.String())
}

// SpentBy 返回池中花费该输出的交易
func (p *Overlay) SpentBy(op wire.OutPoint) (chainhash.Hash, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	txId, ok := p.spentBy[op]
	return txId, ok
}

// Output 池中交易产生的输出
func (p *Overlay) Output(op wire.OutPoint) *wire.TxOut {
	entry, ok := p.txs.Get(op.Hash.String())
	if !ok || int(op.Index) >= len(entry.Tx.TxOut) {
		return nil
	}
	return entry.Tx.TxOut[op.Index]
}

// TxIds 池中全部交易
func (p *Overlay) TxIds() []chainhash.Hash {
	ret := make([]chainhash.Hash, 0, p.txs.Count())
	for _, entry := range p.txs.Items() {
		ret = append(ret, entry.TxId)
	}
	return ret
}

// Reset 清空，seq 继续递增
func (p *Overlay) Reset() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.txs.Clear()
	p.groups = make(map[string]*treemap.Map)
	p.spentBy = make(map[wire.OutPoint]chainhash.Hash)
	p.log.Infof("reset mempool overlay")
}
