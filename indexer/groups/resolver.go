package groups

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sat20-labs/grouphistory/common"
)

// PrevOutFetcher 返回输入所花费的输出；找不到返回 nil
type PrevOutFetcher func(op wire.OutPoint) *wire.TxOut

// Resolver 计算一个交易涉及的所有 group 以及方向
type Resolver struct {
	chainParams *chaincfg.Params
	tokenPrefix []byte
}

func NewResolver(chainParams *chaincfg.Params, tokenPrefix []byte) *Resolver {
	return &Resolver{
		chainParams: chainParams,
		tokenPrefix: append([]byte{}, tokenPrefix...),
	}
}

// Touches 输入对应的 group 记为 spent，输出对应的 group 记为 received，
// 同一个 group 两者都有时合并为 both。返回顺序与首次出现的顺序一致。
func (r *Resolver) Touches(tx *wire.MsgTx, fetcher PrevOutFetcher) []common.GroupTouch {
	index := make(map[string]int)
	touches := make([]common.GroupTouch, 0)
	add := func(group common.GroupKey, dir common.Direction) {
		key := group.String()
		if i, ok := index[key]; ok {
			touches[i].Direction |= dir
			return
		}
		index[key] = len(touches)
		touches = append(touches, common.GroupTouch{Group: group, Direction: dir})
	}

	for _, txIn := range tx.TxIn {
		if common.IsCoinbaseInput(txIn) || fetcher == nil {
			continue
		}
		prev := fetcher(txIn.PreviousOutPoint)
		if prev == nil {
			common.Log.Debugf("prevout %s of tx %s not found", txIn.PreviousOutPoint.String(), tx.TxHash().String())
			continue
		}
		for _, g := range r.ScriptGroups(prev.PkScript) {
			add(g, common.DirSpent)
		}
	}

	for _, txOut := range tx.TxOut {
		for _, g := range r.ScriptGroups(txOut.PkScript) {
			add(g, common.DirReceived)
		}
	}
	return touches
}

// ScriptGroups 一个输出脚本对应的 group：脚本hash、标准地址、token 标签
func (r *Resolver) ScriptGroups(pkScript []byte) []common.GroupKey {
	if common.IsOpReturn(pkScript) {
		if token, ok := r.tokenTag(pkScript); ok {
			return []common.GroupKey{token}
		}
		return nil
	}

	ret := []common.GroupKey{common.ScriptHashGroup(pkScript)}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, r.chainParams)
	if err != nil {
		return ret
	}
	for _, addr := range addrs {
		g, err := common.AddressGroup(addr)
		if err != nil {
			continue
		}
		dup := false
		for _, exist := range ret {
			if exist.Equal(g) {
				dup = true
				break
			}
		}
		if !dup {
			ret = append(ret, g)
		}
	}
	return ret
}

// OP_RETURN <prefix> <32字节 token id> ...
func (r *Resolver) tokenTag(pkScript []byte) (common.GroupKey, bool) {
	if len(r.tokenPrefix) == 0 {
		return common.GroupKey{}, false
	}
	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return common.GroupKey{}, false
	}
	if !tokenizer.Next() || !bytes.Equal(tokenizer.Data(), r.tokenPrefix) {
		return common.GroupKey{}, false
	}
	if !tokenizer.Next() || len(tokenizer.Data()) != 32 {
		return common.GroupKey{}, false
	}
	g, err := common.TokenGroup(tokenizer.Data())
	if err != nil {
		return common.GroupKey{}, false
	}
	return g, true
}
