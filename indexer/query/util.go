package query

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/cespare/xxhash/v2"
	"github.com/multiformats/go-multibase"
	"github.com/sat20-labs/grouphistory/common"
)

type Source byte

const (
	SourceConfirmed Source = 1
	SourceMempool   Source = 2
)

func (s Source) String() string {
	switch s {
	case SourceConfirmed:
		return "confirmed"
	case SourceMempool:
		return "mempool"
	}
	return fmt.Sprintf("source(%d)", byte(s))
}

// Position 分页游标指向的位置：上一页最后一条记录
// 已确认的记录用链上坐标，未确认的用 seq，重启后都有效
type Position struct {
	Source  Source
	Order   common.Order
	TxId    chainhash.Hash
	Height  uint32
	TxIndex uint32
	Seq     uint64
}

func PositionOf(ref *common.TxRef, order common.Order) Position {
	pos := Position{
		Source: SourceMempool,
		Order:  order,
		TxId:   ref.TxId,
	}
	if ref.Confirmed {
		pos.Source = SourceConfirmed
		pos.Height = ref.Height
		pos.TxIndex = ref.TxIndex
	} else {
		pos.Seq = ref.Seq
	}
	return pos
}

func (p *Position) Ref() *common.TxRef {
	return &common.TxRef{
		TxId:      p.TxId,
		Confirmed: p.Source == SourceConfirmed,
		Height:    p.Height,
		TxIndex:   p.TxIndex,
		Seq:       p.Seq,
	}
}

const (
	cursorVersion = 1
	cursorBodyLen = 1 + 1 + 1 + 32 + 4 + 4 + 8
	cursorLen     = cursorBodyLen + 8
)

// EncodeCursor version(1) | source(1) | order(1) | txid(32) | height(4) | txindex(4) | seq(8) | xxhash64(8)
func EncodeCursor(p *Position) []byte {
	b := make([]byte, 0, cursorLen)
	b = append(b, cursorVersion, byte(p.Source), byte(p.Order))
	b = append(b, p.TxId[:]...)
	b = binary.BigEndian.AppendUint32(b, p.Height)
	b = binary.BigEndian.AppendUint32(b, p.TxIndex)
	b = binary.BigEndian.AppendUint64(b, p.Seq)
	return binary.BigEndian.AppendUint64(b, xxhash.Sum64(b))
}

func DecodeCursor(b []byte) (*Position, error) {
	if len(b) != cursorLen {
		return nil, common.InvalidCursor("cursor length %d", len(b))
	}
	if b[0] != cursorVersion {
		return nil, common.InvalidCursor("cursor version %d", b[0])
	}
	if binary.BigEndian.Uint64(b[cursorBodyLen:]) != xxhash.Sum64(b[:cursorBodyLen]) {
		return nil, common.InvalidCursor("cursor checksum mismatch")
	}

	p := &Position{
		Source: Source(b[1]),
		Order:  common.Order(b[2]),
	}
	copy(p.TxId[:], b[3:35])
	p.Height = binary.BigEndian.Uint32(b[35:39])
	p.TxIndex = binary.BigEndian.Uint32(b[39:43])
	p.Seq = binary.BigEndian.Uint64(b[43:51])

	if !p.Order.Valid() {
		return nil, common.InvalidCursor("cursor order %d", b[2])
	}
	switch p.Source {
	case SourceConfirmed:
		if p.Seq != 0 {
			return nil, common.InvalidCursor("confirmed cursor with seq %d", p.Seq)
		}
	case SourceMempool:
		if p.Height != 0 || p.TxIndex != 0 || p.Seq == 0 {
			return nil, common.InvalidCursor("mempool cursor %d:%d seq %d", p.Height, p.TxIndex, p.Seq)
		}
	default:
		return nil, common.InvalidCursor("cursor source %d", b[1])
	}
	return p, nil
}

// FormatCursor 对外的文本形式，multibase base64url
func FormatCursor(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s, err := multibase.Encode(multibase.Base64url, b)
	if err != nil {
		common.Log.Panicf("multibase encode failed, %v", err)
	}
	return s
}

func ParseCursor(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	encoding, b, err := multibase.Decode(s)
	if err != nil {
		return nil, common.InvalidCursor("decode cursor: %v", err)
	}
	if encoding != multibase.Base64url {
		return nil, common.InvalidCursor("cursor encoding %c", rune(encoding))
	}
	return b, nil
}
