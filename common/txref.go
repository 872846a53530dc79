package common

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type Direction byte

const (
	DirReceived Direction = 1
	DirSpent    Direction = 2
	DirBoth     Direction = DirReceived | DirSpent
)

func (d Direction) String() string {
	switch d {
	case DirReceived:
		return "received"
	case DirSpent:
		return "spent"
	case DirBoth:
		return "both"
	}
	return fmt.Sprintf("direction(%d)", byte(d))
}

func (d Direction) Valid() bool {
	return d >= DirReceived && d <= DirBoth
}

// 历史的遍历顺序，默认从新到旧
type Order byte

const (
	OrderNewestFirst Order = 1
	OrderOldestFirst Order = 2
)

func (o Order) Valid() bool {
	return o == OrderNewestFirst || o == OrderOldestFirst
}

func (o Order) String() string {
	switch o {
	case OrderNewestFirst:
		return "desc"
	case OrderOldestFirst:
		return "asc"
	}
	return fmt.Sprintf("order(%d)", byte(o))
}

func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "desc", "newest":
		return OrderNewestFirst, nil
	case "asc", "oldest":
		return OrderOldestFirst, nil
	}
	return 0, InvalidArgument("unknown order %s", s)
}

// TxRef 指向一个交易在某个group历史中的位置
// 已确认：Height/TxIndex 有效；未确认：Seq 有效
type TxRef struct {
	TxId      chainhash.Hash
	Confirmed bool
	Height    uint32
	TxIndex   uint32
	Seq       uint64
	Direction Direction
}

func (r *TxRef) String() string {
	if r.Confirmed {
		return fmt.Sprintf("%s@%d:%d", r.TxId, r.Height, r.TxIndex)
	}
	return fmt.Sprintf("%s@seq%d", r.TxId, r.Seq)
}

// Newer 返回a在历史中是否排在b之前（更新）：
// 未确认的总是比已确认的新；未确认按seq降序；已确认按(height, index)降序
func Newer(a, b *TxRef) bool {
	if a.Confirmed != b.Confirmed {
		return !a.Confirmed
	}
	if !a.Confirmed {
		return a.Seq > b.Seq
	}
	if a.Height != b.Height {
		return a.Height > b.Height
	}
	return a.TxIndex > b.TxIndex
}
