package grouphistory

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/sat20-labs/grouphistory/common"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

type TxRecord struct {
	Height    uint32 `msgpack:"h"`
	TxIndex   uint32 `msgpack:"i"`
	BlockHash []byte `msgpack:"b"`
	Raw       []byte `msgpack:"r"` // zstd 压缩后的原始交易
}

func newTxRecord(tx *wire.MsgTx, height, txIndex uint32, blockHash *chainhash.Hash) (*TxRecord, error) {
	raw, err := common.SerializeTx(tx)
	if err != nil {
		return nil, err
	}
	return &TxRecord{
		Height:    height,
		TxIndex:   txIndex,
		BlockHash: blockHash[:],
		Raw:       zstdEncoder.EncodeAll(raw, nil),
	}, nil
}

func (r *TxRecord) Tx() (*wire.MsgTx, error) {
	raw, err := zstdDecoder.DecodeAll(r.Raw, nil)
	if err != nil {
		return nil, err
	}
	return common.DeserializeTx(raw)
}

func (r *TxRecord) Hash() chainhash.Hash {
	var h chainhash.Hash
	copy(h[:], r.BlockHash)
	return h
}

type OutputRecord struct {
	Value  int64  `msgpack:"v"`
	Script []byte `msgpack:"s"`
}

func (r *OutputRecord) TxOut() *wire.TxOut {
	return wire.NewTxOut(r.Value, r.Script)
}

func encodeRecord(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decodeTxRecord(b []byte) (*TxRecord, error) {
	var r TxRecord
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func decodeOutputRecord(b []byte) (*OutputRecord, error) {
	var r OutputRecord
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// 区块写入前每个key的原值，回滚时逐个恢复
type undoEntry struct {
	Key     []byte `cbor:"1,keyasint"`
	Existed bool   `cbor:"2,keyasint"`
	Prev    []byte `cbor:"3,keyasint,omitempty"`
}

type blockUndo struct {
	Hash    []byte      `cbor:"1,keyasint"`
	Entries []undoEntry `cbor:"2,keyasint"`
}

var cborEnc, _ = cbor.CoreDetEncOptions().EncMode()

func encodeUndo(u *blockUndo) ([]byte, error) {
	return cborEnc.Marshal(u)
}

func decodeUndo(b []byte) (*blockUndo, error) {
	var u blockUndo
	if err := cbor.Unmarshal(b, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
