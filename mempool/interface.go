package mempool

/*
内存池中未确认交易的 group 历史。
1. 每个交易进入内存池时分配一个递增的 seq，按 seq 降序就是未确认历史的顺序
2. 交易被区块确认时由写线程 Take 出来，和区块写入在同一个写锁里完成
3. 被替换或者冲突的交易连同花费它输出的后代一起删除
4. 数据只在内存中，重启后从节点的内存池重新同步
*/

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sat20-labs/grouphistory/common"
)

type Entry struct {
	TxId    chainhash.Hash
	Tx      *wire.MsgTx
	Seq     uint64
	Touches []common.GroupTouch
	Time    time.Time
}

// Ref 返回该交易在 group 中的 TxRef
func (e *Entry) Ref(touch *common.GroupTouch) common.TxRef {
	return common.TxRef{
		TxId:      e.TxId,
		Seq:       e.Seq,
		Direction: touch.Direction,
	}
}
