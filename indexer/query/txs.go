package query

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"github.com/sat20-labs/grouphistory/common"
	"github.com/sat20-labs/grouphistory/indexer/grouphistory"
	"github.com/sat20-labs/grouphistory/mempool"
)

const defaultTxCacheSize = 10000

// Assembler 根据 TxRef 组装 TxView：已确认的从快照读取，未确认的从内存池读取
type Assembler struct {
	overlay *mempool.Overlay
	cache   *ttlcache.Cache[chainhash.Hash, *wire.MsgTx] // 已确认交易的解码结果
}

func NewAssembler(overlay *mempool.Overlay, ttl time.Duration) *Assembler {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Assembler{
		overlay: overlay,
		cache: ttlcache.New[chainhash.Hash, *wire.MsgTx](
			ttlcache.WithTTL[chainhash.Hash, *wire.MsgTx](ttl),
			ttlcache.WithCapacity[chainhash.Hash, *wire.MsgTx](defaultTxCacheSize),
			ttlcache.WithDisableTouchOnHit[chainhash.Hash, *wire.MsgTx](),
		),
	}
}

func (p *Assembler) Start() {
	go p.cache.Start()
}

func (p *Assembler) Stop() {
	p.cache.Stop()
}

// 交易记录已经在快照中确认存在后才查缓存，缓存不会让已回滚的交易复活
func (p *Assembler) confirmedTx(record *grouphistory.TxRecord, txId *chainhash.Hash) (*wire.MsgTx, error) {
	if item := p.cache.Get(*txId); item != nil {
		return item.Value(), nil
	}
	tx, err := record.Tx()
	if err != nil {
		return nil, errors.Wrapf(common.ErrIndexCorruption, "decode raw tx %s: %v", txId.String(), err)
	}
	p.cache.Set(*txId, tx, ttlcache.DefaultTTL)
	return tx, nil
}

// Assemble 交易已经不在对应的数据源中时返回 ErrNotFound
func (p *Assembler) Assemble(ctx context.Context, snap common.Snapshot, ref *common.TxRef) (*common.TxView, error) {
	if err := common.CheckContext(ctx); err != nil {
		return nil, err
	}

	var tx *wire.MsgTx
	view := &common.TxView{TxId: ref.TxId}
	if ref.Confirmed {
		record, err := grouphistory.LoadTx(snap, &ref.TxId)
		if err != nil {
			return nil, err
		}
		if record.Height != ref.Height || record.TxIndex != ref.TxIndex {
			return nil, errors.Wrapf(common.ErrIndexCorruption, "tx %s recorded at %d:%d, history says %d:%d",
				ref.TxId.String(), record.Height, record.TxIndex, ref.Height, ref.TxIndex)
		}
		tx, err = p.confirmedTx(record, &ref.TxId)
		if err != nil {
			return nil, err
		}
		view.Status = common.TxStatus{
			Confirmed: true,
			Height:    record.Height,
			TxIndex:   record.TxIndex,
			BlockHash: record.Hash(),
		}
	} else {
		entry, ok := p.overlay.Tx(&ref.TxId)
		if !ok {
			return nil, errors.Wrapf(common.ErrNotFound, "mempool tx %s", ref.TxId.String())
		}
		tx = entry.Tx
		view.Status = common.TxStatus{Seq: entry.Seq}
	}

	self := &common.SpendRef{
		TxId:    view.TxId,
		Pending: !view.Status.Confirmed,
		Height:  view.Status.Height,
		TxIndex: view.Status.TxIndex,
	}
	view.Inputs = make([]*common.TxViewInput, 0, len(tx.TxIn))
	for _, txIn := range tx.TxIn {
		input := &common.TxViewInput{
			PrevTxId: txIn.PreviousOutPoint.Hash,
			PrevVout: txIn.PreviousOutPoint.Index,
			SpentBy:  self,
		}
		if common.IsCoinbaseInput(txIn) {
			input.Coinbase = true
			view.Inputs = append(view.Inputs, input)
			continue
		}
		prevOut, err := p.prevOutput(snap, &txIn.PreviousOutPoint)
		if err != nil {
			return nil, err
		}
		if prevOut != nil {
			input.Resolved = true
			input.Value = prevOut.Value
			input.Script = prevOut.PkScript
		}
		view.Inputs = append(view.Inputs, input)
	}

	if err := common.CheckContext(ctx); err != nil {
		return nil, err
	}

	view.Outputs = make([]*common.TxViewOutput, 0, len(tx.TxOut))
	for vout, txOut := range tx.TxOut {
		output := &common.TxViewOutput{
			Vout:   uint32(vout),
			Value:  txOut.Value,
			Script: txOut.PkScript,
		}
		op := wire.OutPoint{Hash: view.TxId, Index: uint32(vout)}
		spend, err := p.spendOf(snap, &op)
		if err != nil {
			return nil, err
		}
		output.SpentBy = spend
		view.Outputs = append(view.Outputs, output)
	}
	return view, nil
}

// 前置输出先查已确认的，再查内存池；都没有时（索引起始高度之前的输出）返回 nil
func (p *Assembler) prevOutput(snap common.Snapshot, op *wire.OutPoint) (*wire.TxOut, error) {
	record, err := grouphistory.LoadOutput(snap, op)
	if err == nil {
		return record.TxOut(), nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	return p.overlay.Output(*op), nil
}

// 已确认的花费优先，其次是内存池中的花费
func (p *Assembler) spendOf(snap common.Snapshot, op *wire.OutPoint) (*common.SpendRef, error) {
	spend, err := grouphistory.LoadSpend(snap, op)
	if err != nil || spend != nil {
		return spend, err
	}
	if txId, ok := p.overlay.SpentBy(*op); ok {
		return &common.SpendRef{TxId: txId, Pending: true}, nil
	}
	return nil, nil
}
