package grouphistory

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/sat20-labs/grouphistory/common"
	"github.com/sat20-labs/grouphistory/indexer/groups"
	"github.com/sirupsen/logrus"
)

// Index 已确认交易的 group 历史，只由写线程修改
type Index struct {
	db          common.KVDB
	resolver    *groups.Resolver
	maxPageSize int
	log         *logrus.Entry
}

type BlockStats struct {
	Height uint32
	Hash   chainhash.Hash
	Txs    int
	Rows   int // 写入的历史记录数
	Keys   int // 写入的key总数
}

func NewIndex(db common.KVDB, resolver *groups.Resolver, maxPageSize int) *Index {
	if maxPageSize <= 0 {
		maxPageSize = common.MAX_PAGE_SIZE
	}
	return &Index{
		db:          db,
		resolver:    resolver,
		maxPageSize: maxPageSize,
		log:         common.GetLoggerEntry(common.ModuleIndex),
	}
}

func (p *Index) Init() error {
	ver, err := p.db.Read([]byte(DB_KEY_VERSION))
	if err != nil {
		if !errors.Is(err, common.ErrKeyNotFound) {
			return common.StorageError(err, "read db version")
		}
		p.log.Infof("new database, set version %s", common.HISTORY_DB_VERSION)
		return p.db.Write([]byte(DB_KEY_VERSION), []byte(common.HISTORY_DB_VERSION))
	}
	if string(ver) != common.HISTORY_DB_VERSION {
		return errors.Errorf("DB version inconsistent. DB ver %s, but code base %s", string(ver), common.HISTORY_DB_VERSION)
	}
	return nil
}

func (p *Index) DB() common.KVDB {
	return p.db
}

func (p *Index) MaxPageSize() int {
	return p.maxPageSize
}

// Tip 返回最后一个已连接区块；空库时 ok=false
func (p *Index) Tip() (height uint32, hash chainhash.Hash, ok bool, err error) {
	v, err := p.db.Read([]byte(DB_KEY_TIP))
	if err != nil {
		if errors.Is(err, common.ErrKeyNotFound) {
			return 0, hash, false, nil
		}
		return 0, hash, false, common.StorageError(err, "read tip")
	}
	height, hash, err = decodeTip(v)
	if err != nil {
		return 0, hash, false, errors.Wrap(common.ErrIndexCorruption, err.Error())
	}
	return height, hash, true, nil
}

// 写入时记录每个key的原值
type undoBatch struct {
	db      common.KVDB
	wb      common.WriteBatch
	seen    map[string]bool
	entries []undoEntry
}

func (u *undoBatch) put(key, value []byte) error {
	k := string(key)
	if !u.seen[k] {
		u.seen[k] = true
		prev, err := u.db.Read(key)
		switch {
		case err == nil:
			u.entries = append(u.entries, undoEntry{Key: key, Existed: true, Prev: prev})
		case errors.Is(err, common.ErrKeyNotFound):
			u.entries = append(u.entries, undoEntry{Key: key})
		default:
			return common.StorageError(err, "read %x", key)
		}
	}
	return u.wb.Put(key, value)
}

// Output 从数据库读取一个已确认的输出，供写线程解析内存池交易使用
func (p *Index) Output(op wire.OutPoint) *wire.TxOut {
	v, err := p.db.Read(GetOutputKey(&op))
	if err != nil {
		return nil
	}
	r, err := decodeOutputRecord(v)
	if err != nil {
		p.log.Errorf("decode output %s failed, %v", op.String(), err)
		return nil
	}
	return r.TxOut()
}

// RecordBlockConnect 把一个区块的全部记录在一个 batch 中写入。
// height 必须是 tip+1（空库时任意），区块的 PrevBlock 必须等于 tip 的 hash。
func (p *Index) RecordBlockConnect(height uint32, block *wire.MsgBlock) (*BlockStats, error) {
	start := time.Now()
	tipHeight, tipHash, hasTip, err := p.Tip()
	if err != nil {
		return nil, err
	}
	if hasTip {
		if height != tipHeight+1 {
			return nil, common.InvalidArgument("connect height %d, expected %d", height, tipHeight+1)
		}
		if block.Header.PrevBlock != tipHash {
			return nil, common.InvalidArgument("block %d prev hash %s, tip hash %s",
				height, block.Header.PrevBlock.String(), tipHash.String())
		}
	}

	blockHash := block.BlockHash()
	wb := p.db.NewWriteBatch()
	defer wb.Close()
	batch := &undoBatch{db: p.db, wb: wb, seen: make(map[string]bool)}
	stats := &BlockStats{Height: height, Hash: blockHash, Txs: len(block.Transactions)}

	// 区块内先产生后花费的输出
	blockOutputs := make(map[wire.OutPoint]*wire.TxOut)
	fetcher := func(op wire.OutPoint) *wire.TxOut {
		if out, ok := blockOutputs[op]; ok {
			return out
		}
		return p.Output(op)
	}

	for i, tx := range block.Transactions {
		txIndex := uint32(i)
		txId := tx.TxHash()

		// 先解析 group，输入要看到同区块之前的输出
		touches := p.resolver.Touches(tx, fetcher)

		record, err := newTxRecord(tx, height, txIndex, &blockHash)
		if err != nil {
			return nil, errors.Wrapf(err, "serialize tx %s", txId.String())
		}
		value, err := encodeRecord(record)
		if err != nil {
			return nil, err
		}
		if err := batch.put(GetTxKey(&txId), value); err != nil {
			return nil, err
		}

		for vout, txOut := range tx.TxOut {
			op := wire.OutPoint{Hash: txId, Index: uint32(vout)}
			value, err := encodeRecord(&OutputRecord{Value: txOut.Value, Script: txOut.PkScript})
			if err != nil {
				return nil, err
			}
			if err := batch.put(GetOutputKey(&op), value); err != nil {
				return nil, err
			}
			blockOutputs[op] = txOut
		}

		for _, txIn := range tx.TxIn {
			if common.IsCoinbaseInput(txIn) {
				continue
			}
			op := txIn.PreviousOutPoint
			if err := batch.put(GetSpendKey(&op), encodeSpendValue(&txId, height, txIndex)); err != nil {
				return nil, err
			}
		}

		for _, touch := range touches {
			key := GetHistoryKey(touch.Group, height, txIndex)
			if err := batch.put(key, encodeHistoryValue(touch.Direction, &txId)); err != nil {
				return nil, err
			}
			stats.Rows++
		}
	}

	if err := batch.put([]byte(DB_KEY_TIP), encodeTip(height, &blockHash)); err != nil {
		return nil, err
	}

	undo, err := encodeUndo(&blockUndo{Hash: blockHash[:], Entries: batch.entries})
	if err != nil {
		return nil, err
	}
	if err := wb.Put(GetUndoKey(height), undo); err != nil {
		return nil, common.StorageError(err, "put undo %d", height)
	}
	stats.Keys = len(batch.entries)

	if err := wb.Flush(); err != nil {
		return nil, common.StorageError(err, "flush block %d", height)
	}
	p.log.Infof("connect block %d %s, txs %d, rows %d, keys %d, %v",
		height, blockHash.String(), stats.Txs, stats.Rows, stats.Keys, time.Since(start))
	return stats, nil
}

// RecordBlockDisconnect 按 undo 记录逆序恢复区块写入前的状态，height 必须是 tip
func (p *Index) RecordBlockDisconnect(height uint32) (*BlockStats, error) {
	tipHeight, _, hasTip, err := p.Tip()
	if err != nil {
		return nil, err
	}
	if !hasTip || tipHeight != height {
		return nil, common.InvalidArgument("disconnect height %d, tip %d (exists %v)", height, tipHeight, hasTip)
	}

	v, err := p.db.Read(GetUndoKey(height))
	if err != nil {
		if errors.Is(err, common.ErrKeyNotFound) {
			return nil, errors.Wrapf(common.ErrIndexCorruption, "undo record of block %d not found", height)
		}
		return nil, common.StorageError(err, "read undo %d", height)
	}
	undo, err := decodeUndo(v)
	if err != nil {
		return nil, errors.Wrapf(common.ErrIndexCorruption, "decode undo %d: %v", height, err)
	}

	wb := p.db.NewWriteBatch()
	defer wb.Close()
	stats := &BlockStats{Height: height, Keys: len(undo.Entries)}
	copy(stats.Hash[:], undo.Hash)
	for i := len(undo.Entries) - 1; i >= 0; i-- {
		entry := &undo.Entries[i]
		if len(entry.Key) > len(DB_KEY_HISTORY) && string(entry.Key[:len(DB_KEY_HISTORY)]) == DB_KEY_HISTORY {
			stats.Rows++
		}
		if len(entry.Key) > len(DB_KEY_TX) && string(entry.Key[:len(DB_KEY_TX)]) == DB_KEY_TX {
			stats.Txs++
		}
		if entry.Existed {
			err = wb.Put(entry.Key, entry.Prev)
		} else {
			err = wb.Delete(entry.Key)
		}
		if err != nil {
			return nil, common.StorageError(err, "undo key %x", entry.Key)
		}
	}
	if err := wb.Delete(GetUndoKey(height)); err != nil {
		return nil, common.StorageError(err, "delete undo %d", height)
	}
	if err := wb.Flush(); err != nil {
		return nil, common.StorageError(err, "flush disconnect %d", height)
	}
	p.log.Infof("disconnect block %d %s, txs %d, rows %d", height, stats.Hash.String(), stats.Txs, stats.Rows)
	return stats, nil
}
