package grouphistory

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/sat20-labs/grouphistory/common"
)

// ClampPageSize 页大小 <= 0 是参数错误，超过上限时截断
func ClampPageSize(pageSize, max int) (int, error) {
	if pageSize <= 0 {
		return 0, common.InvalidArgument("page size must be positive, got %d", pageSize)
	}
	if pageSize > max {
		return max, nil
	}
	return pageSize, nil
}

// QueryRange 在快照上读取 group 的已确认历史，从 after 之后（不含）开始，最多 pageSize 条。
// more 表示后面还有数据。after 为空时从最新（或最旧）开始。
func (p *Index) QueryRange(ctx context.Context, snap common.Snapshot, group common.GroupKey,
	after *common.TxRef, pageSize int, order common.Order) (refs []common.TxRef, more bool, err error) {

	if group.IsZero() {
		return nil, false, common.InvalidArgument("empty group")
	}
	if !order.Valid() {
		return nil, false, common.InvalidArgument("invalid order %d", order)
	}
	limit, err := ClampPageSize(pageSize, p.maxPageSize)
	if err != nil {
		return nil, false, err
	}
	if after != nil && !after.Confirmed {
		return nil, false, common.InvalidArgument("range start must be a confirmed position")
	}
	if err := common.CheckContext(ctx); err != nil {
		return nil, false, err
	}

	prefix := GetHistoryPrefix(group)
	var seek []byte
	reverse := order == common.OrderNewestFirst
	if after != nil {
		seek = GetHistoryKey(group, after.Height, after.TxIndex)
		if !reverse {
			// 紧接着 after 的下一个key
			seek = append(seek, 0)
		}
	}

	refs = make([]common.TxRef, 0, limit)
	err = snap.Iterate(prefix, seek, reverse, func(k, v []byte) error {
		if err := common.CheckContext(ctx); err != nil {
			return err
		}
		if len(refs) == limit {
			more = true
			return common.ErrStopIteration
		}
		height, txIndex, err := ParseHistoryKey(k, len(prefix))
		if err != nil {
			return errors.Wrapf(common.ErrIndexCorruption, "group %s: %v", group.String(), err)
		}
		dir, txId, err := decodeHistoryValue(v)
		if err != nil {
			return errors.Wrapf(common.ErrIndexCorruption, "group %s: %v", group.String(), err)
		}
		refs = append(refs, common.TxRef{
			TxId:      txId,
			Confirmed: true,
			Height:    height,
			TxIndex:   txIndex,
			Direction: dir,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrIndexCorruption) || errors.Is(err, common.ErrStorageUnavailable) ||
			errors.Is(err, context.Canceled) {
			return nil, false, err
		}
		return nil, false, common.StorageError(err, "scan group %s", group.String())
	}
	return refs, more, nil
}

// HistoryAt 读取 group 在指定位置的记录，用于校验游标
func (p *Index) HistoryAt(snap common.Snapshot, group common.GroupKey, height, txIndex uint32) (*common.TxRef, error) {
	v, err := snap.Get(GetHistoryKey(group, height, txIndex))
	if err != nil {
		if errors.Is(err, common.ErrKeyNotFound) {
			return nil, common.ErrNotFound
		}
		return nil, common.StorageError(err, "read history")
	}
	dir, txId, err := decodeHistoryValue(v)
	if err != nil {
		return nil, errors.Wrapf(common.ErrIndexCorruption, "group %s: %v", group.String(), err)
	}
	return &common.TxRef{TxId: txId, Confirmed: true, Height: height, TxIndex: txIndex, Direction: dir}, nil
}

func LoadTx(snap common.Snapshot, txId *chainhash.Hash) (*TxRecord, error) {
	v, err := snap.Get(GetTxKey(txId))
	if err != nil {
		if errors.Is(err, common.ErrKeyNotFound) {
			return nil, errors.Wrapf(common.ErrNotFound, "tx %s", txId.String())
		}
		return nil, common.StorageError(err, "read tx %s", txId.String())
	}
	r, err := decodeTxRecord(v)
	if err != nil {
		return nil, errors.Wrapf(common.ErrIndexCorruption, "decode tx %s: %v", txId.String(), err)
	}
	return r, nil
}

func LoadOutput(snap common.Snapshot, op *wire.OutPoint) (*OutputRecord, error) {
	v, err := snap.Get(GetOutputKey(op))
	if err != nil {
		if errors.Is(err, common.ErrKeyNotFound) {
			return nil, errors.Wrapf(common.ErrNotFound, "output %s", op.String())
		}
		return nil, common.StorageError(err, "read output %s", op.String())
	}
	r, err := decodeOutputRecord(v)
	if err != nil {
		return nil, errors.Wrapf(common.ErrIndexCorruption, "decode output %s: %v", op.String(), err)
	}
	return r, nil
}

// LoadSpend 返回花费该输出的已确认交易，未花费时返回 nil
func LoadSpend(snap common.Snapshot, op *wire.OutPoint) (*common.SpendRef, error) {
	v, err := snap.Get(GetSpendKey(op))
	if err != nil {
		if errors.Is(err, common.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, common.StorageError(err, "read spend %s", op.String())
	}
	ref, err := decodeSpendValue(v)
	if err != nil {
		return nil, errors.Wrapf(common.ErrIndexCorruption, "decode spend %s: %v", op.String(), err)
	}
	return ref, nil
}

// HasTx 交易是否已经确认，读当前数据库而不是快照，只给写线程用
func (p *Index) HasTx(txId *chainhash.Hash) (bool, error) {
	_, err := p.db.Read(GetTxKey(txId))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, common.ErrKeyNotFound) {
		return false, nil
	}
	return false, common.StorageError(err, "read tx %s", txId.String())
}
