package common

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type TxStatus struct {
	Confirmed bool
	Height    uint32
	TxIndex   uint32
	BlockHash chainhash.Hash
	Seq       uint64
}

type SpendRef struct {
	TxId    chainhash.Hash
	Pending bool // 花费交易还在内存池中
	Height  uint32
	TxIndex uint32
}

type TxViewInput struct {
	PrevTxId chainhash.Hash
	PrevVout uint32
	Coinbase bool
	Resolved bool // 前置输出找到了
	Value    int64
	Script   []byte
	SpentBy  *SpendRef // 就是当前交易
}

type TxViewOutput struct {
	Vout    uint32
	Value   int64
	Script  []byte
	SpentBy *SpendRef
}

// TxView 只在一次查询的响应中存在，不落盘
type TxView struct {
	TxId    chainhash.Hash
	Status  TxStatus
	Inputs  []*TxViewInput
	Outputs []*TxViewOutput
}
