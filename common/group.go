package common

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

type GroupKind byte

const (
	GroupScriptHash GroupKind = 1 // sha256(pkScript)
	GroupAddress    GroupKind = 2 // address type + hash
	GroupTokenID    GroupKind = 3 // 32字节 token id
)

// 地址类型，p2pk 归入 p2pkh
const (
	AddrTypeP2PKH  byte = 0
	AddrTypeP2SH   byte = 1
	AddrTypeP2WPKH byte = 2
	AddrTypeP2WSH  byte = 3
	AddrTypeP2TR   byte = 4
)

const MaxGroupPayload = 255

func (k GroupKind) String() string {
	switch k {
	case GroupScriptHash:
		return "scripthash"
	case GroupAddress:
		return "address"
	case GroupTokenID:
		return "token"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// GroupKey 序列化为 kind(1) | len(1) | payload，前缀无歧义，直接用作存储key的前缀
type GroupKey struct {
	kind    GroupKind
	payload []byte
}

func NewGroupKey(kind GroupKind, payload []byte) (GroupKey, error) {
	if len(payload) > MaxGroupPayload {
		return GroupKey{}, InvalidArgument("group payload too long: %d", len(payload))
	}
	switch kind {
	case GroupScriptHash, GroupTokenID:
		if len(payload) != 32 {
			return GroupKey{}, InvalidArgument("%s payload must be 32 bytes, got %d", kind, len(payload))
		}
	case GroupAddress:
		if len(payload) != 21 && len(payload) != 33 {
			return GroupKey{}, InvalidArgument("address payload must be 21 or 33 bytes, got %d", len(payload))
		}
		if payload[0] > AddrTypeP2TR {
			return GroupKey{}, InvalidArgument("unknown address type %d", payload[0])
		}
	default:
		return GroupKey{}, InvalidArgument("unknown group kind %d", byte(kind))
	}
	return GroupKey{kind: kind, payload: append([]byte{}, payload...)}, nil
}

func ScriptHashGroup(pkScript []byte) GroupKey {
	h := sha256.Sum256(pkScript)
	return GroupKey{kind: GroupScriptHash, payload: h[:]}
}

func TokenGroup(tokenId []byte) (GroupKey, error) {
	return NewGroupKey(GroupTokenID, tokenId)
}

// AddressGroup 参考 addrindex 的 addrToKey：1字节类型 + hash
func AddressGroup(addr btcutil.Address) (GroupKey, error) {
	var addrType byte
	switch a := addr.(type) {
	case *btcutil.AddressPubKeyHash:
		addrType = AddrTypeP2PKH
	case *btcutil.AddressScriptHash:
		addrType = AddrTypeP2SH
	case *btcutil.AddressPubKey:
		addrType = AddrTypeP2PKH
		addr = a.AddressPubKeyHash()
	case *btcutil.AddressWitnessPubKeyHash:
		addrType = AddrTypeP2WPKH
	case *btcutil.AddressWitnessScriptHash:
		addrType = AddrTypeP2WSH
	case *btcutil.AddressTaproot:
		addrType = AddrTypeP2TR
	default:
		return GroupKey{}, InvalidArgument("unsupported address type %T", addr)
	}
	payload := append([]byte{addrType}, addr.ScriptAddress()...)
	return NewGroupKey(GroupAddress, payload)
}

// ParseGroupKey 解析外部输入：
// address: 地址字符串；script: 十六进制脚本；scripthash/token: 64位十六进制
func ParseGroupKey(kind, value string, params *chaincfg.Params) (GroupKey, error) {
	switch kind {
	case "address":
		addr, err := btcutil.DecodeAddress(value, params)
		if err != nil {
			return GroupKey{}, InvalidArgument("invalid address %s: %v", value, err)
		}
		if !addr.IsForNet(params) {
			return GroupKey{}, InvalidArgument("address %s is not for %s", value, params.Name)
		}
		return AddressGroup(addr)
	case "script":
		script, err := hex.DecodeString(value)
		if err != nil {
			return GroupKey{}, InvalidArgument("invalid script hex: %v", err)
		}
		return ScriptHashGroup(script), nil
	case "scripthash":
		b, err := hex.DecodeString(value)
		if err != nil {
			return GroupKey{}, InvalidArgument("invalid scripthash hex: %v", err)
		}
		return NewGroupKey(GroupScriptHash, b)
	case "token":
		b, err := hex.DecodeString(value)
		if err != nil {
			return GroupKey{}, InvalidArgument("invalid token id hex: %v", err)
		}
		return NewGroupKey(GroupTokenID, b)
	}
	return GroupKey{}, InvalidArgument("unknown group kind %s", kind)
}

// DecodeGroupKey 从存储key的前缀中解出GroupKey，返回剩余部分
func DecodeGroupKey(b []byte) (GroupKey, []byte, error) {
	if len(b) < 2 {
		return GroupKey{}, nil, InvalidArgument("group key too short")
	}
	n := int(b[1])
	if len(b) < 2+n {
		return GroupKey{}, nil, InvalidArgument("group key truncated")
	}
	key, err := NewGroupKey(GroupKind(b[0]), b[2:2+n])
	if err != nil {
		return GroupKey{}, nil, err
	}
	return key, b[2+n:], nil
}

func (g GroupKey) Kind() GroupKind {
	return g.kind
}

func (g GroupKey) Payload() []byte {
	return append([]byte{}, g.payload...)
}

func (g GroupKey) IsZero() bool {
	return g.kind == 0
}

func (g GroupKey) Bytes() []byte {
	b := make([]byte, 0, 2+len(g.payload))
	b = append(b, byte(g.kind), byte(len(g.payload)))
	return append(b, g.payload...)
}

// 作为map的key
func (g GroupKey) String() string {
	return g.kind.String() + ":" + hex.EncodeToString(g.payload)
}

func (g GroupKey) Equal(other GroupKey) bool {
	return g.kind == other.kind && bytes.Equal(g.payload, other.payload)
}

type GroupTouch struct {
	Group     GroupKey
	Direction Direction
}
