package grouphistory

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sat20-labs/grouphistory/common"
)

// 存储布局（整数均为大端）：
//
//	gh-<group><height:4><txindex:4>  -> direction(1) txid(32)
//	tx-<txid:32>                     -> msgpack txRecord
//	to-<txid:32><vout:4>             -> msgpack outputRecord
//	sp-<txid:32><vout:4>             -> spending txid(32) height(4) txindex(4)
//	bu-<height:4>                    -> cbor blockUndo
//	tip                              -> height(4) hash(32)
//	ver                              -> db version
const (
	DB_KEY_HISTORY = "gh-"
	DB_KEY_TX      = "tx-"
	DB_KEY_OUTPUT  = "to-"
	DB_KEY_SPEND   = "sp-"
	DB_KEY_UNDO    = "bu-"
	DB_KEY_TIP     = "tip"
	DB_KEY_VERSION = "ver"
)

func GetHistoryPrefix(group common.GroupKey) []byte {
	return append([]byte(DB_KEY_HISTORY), group.Bytes()...)
}

func GetHistoryKey(group common.GroupKey, height, txIndex uint32) []byte {
	key := GetHistoryPrefix(group)
	key = binary.BigEndian.AppendUint32(key, height)
	return binary.BigEndian.AppendUint32(key, txIndex)
}

// 从历史key中解出位置
func ParseHistoryKey(key []byte, prefixLen int) (height, txIndex uint32, err error) {
	if len(key) != prefixLen+8 {
		return 0, 0, fmt.Errorf("invalid history key length %d", len(key))
	}
	height = binary.BigEndian.Uint32(key[prefixLen:])
	txIndex = binary.BigEndian.Uint32(key[prefixLen+4:])
	return height, txIndex, nil
}

func encodeHistoryValue(dir common.Direction, txId *chainhash.Hash) []byte {
	v := make([]byte, 0, 1+chainhash.HashSize)
	v = append(v, byte(dir))
	return append(v, txId[:]...)
}

func decodeHistoryValue(v []byte) (common.Direction, chainhash.Hash, error) {
	var txId chainhash.Hash
	if len(v) != 1+chainhash.HashSize {
		return 0, txId, fmt.Errorf("invalid history value length %d", len(v))
	}
	dir := common.Direction(v[0])
	if !dir.Valid() {
		return 0, txId, fmt.Errorf("invalid direction %d", v[0])
	}
	copy(txId[:], v[1:])
	return dir, txId, nil
}

func GetTxKey(txId *chainhash.Hash) []byte {
	return append([]byte(DB_KEY_TX), txId[:]...)
}

func outpointKey(prefix string, op *wire.OutPoint) []byte {
	key := append([]byte(prefix), op.Hash[:]...)
	return binary.BigEndian.AppendUint32(key, op.Index)
}

func GetOutputKey(op *wire.OutPoint) []byte {
	return outpointKey(DB_KEY_OUTPUT, op)
}

func GetSpendKey(op *wire.OutPoint) []byte {
	return outpointKey(DB_KEY_SPEND, op)
}

func GetUndoKey(height uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte(DB_KEY_UNDO), height)
}

func encodeSpendValue(txId *chainhash.Hash, height, txIndex uint32) []byte {
	v := make([]byte, 0, chainhash.HashSize+8)
	v = append(v, txId[:]...)
	v = binary.BigEndian.AppendUint32(v, height)
	return binary.BigEndian.AppendUint32(v, txIndex)
}

func decodeSpendValue(v []byte) (*common.SpendRef, error) {
	if len(v) != chainhash.HashSize+8 {
		return nil, fmt.Errorf("invalid spend value length %d", len(v))
	}
	ref := &common.SpendRef{}
	copy(ref.TxId[:], v[:chainhash.HashSize])
	ref.Height = binary.BigEndian.Uint32(v[chainhash.HashSize:])
	ref.TxIndex = binary.BigEndian.Uint32(v[chainhash.HashSize+4:])
	return ref, nil
}

func encodeTip(height uint32, hash *chainhash.Hash) []byte {
	v := binary.BigEndian.AppendUint32(nil, height)
	return append(v, hash[:]...)
}

func decodeTip(v []byte) (uint32, chainhash.Hash, error) {
	var hash chainhash.Hash
	if len(v) != 4+chainhash.HashSize {
		return 0, hash, fmt.Errorf("invalid tip value length %d", len(v))
	}
	copy(hash[:], v[4:])
	return binary.BigEndian.Uint32(v), hash, nil
}
