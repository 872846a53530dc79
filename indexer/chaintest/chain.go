// Package chaintest builds small in-memory block chains for tests.
package chaintest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var Params = &chaincfg.RegressionNetParams

// Script 返回一个 p2wpkh 脚本，n 决定 hash 内容
func Script(n byte) []byte {
	hash := bytes.Repeat([]byte{n}, 20)
	script, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(hash).Script()
	if err != nil {
		panic(err)
	}
	return script
}

// TokenScript OP_RETURN <prefix> <token id>
func TokenScript(prefix []byte, tokenId []byte) []byte {
	script, err := txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).
		AddData(prefix).AddData(tokenId).Script()
	if err != nil {
		panic(err)
	}
	return script
}

// Coinbase 用 tag 区分不同的 coinbase
func Coinbase(tag uint32, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	sig := binary.BigEndian.AppendUint32([]byte{0x04}, tag)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex), sig, nil))
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return tx
}

func Spend(prevs []wire.OutPoint, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for i := range prevs {
		tx.AddTxIn(wire.NewTxIn(&prevs[i], nil, nil))
	}
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return tx
}

func Out(value int64, script []byte) *wire.TxOut {
	return wire.NewTxOut(value, script)
}

func OutPoint(tx *wire.MsgTx, vout uint32) wire.OutPoint {
	return wire.OutPoint{Hash: tx.TxHash(), Index: vout}
}

// Chain 按高度保存区块，Base 是第一个区块的高度
type Chain struct {
	Base   uint32
	Blocks []*wire.MsgBlock
	nonce  uint32
}

func NewChain(base uint32) *Chain {
	return &Chain{Base: base}
}

func (c *Chain) TipHeight() uint32 {
	return c.Base + uint32(len(c.Blocks)) - 1
}

func (c *Chain) TipHash() chainhash.Hash {
	if len(c.Blocks) == 0 {
		return chainhash.Hash{}
	}
	return c.Blocks[len(c.Blocks)-1].BlockHash()
}

func (c *Chain) Block(height uint32) *wire.MsgBlock {
	if height < c.Base || height >= c.Base+uint32(len(c.Blocks)) {
		return nil
	}
	return c.Blocks[height-c.Base]
}

// NextBlock 在 tip 后追加一个区块，返回高度
func (c *Chain) NextBlock(txs ...*wire.MsgTx) (uint32, *wire.MsgBlock) {
	c.nonce++
	var merkle bytes.Buffer
	for _, tx := range txs {
		h := tx.TxHash()
		merkle.Write(h[:])
	}
	block := wire.NewMsgBlock(&wire.BlockHeader{
		Version:    1,
		PrevBlock:  c.TipHash(),
		MerkleRoot: chainhash.HashH(merkle.Bytes()),
		Timestamp:  time.Unix(1700000000+int64(c.nonce)*600, 0),
		Bits:       0x207fffff,
		Nonce:      c.nonce,
	})
	for _, tx := range txs {
		block.AddTransaction(tx)
	}
	c.Blocks = append(c.Blocks, block)
	return c.TipHeight(), block
}

// Rewind 丢弃最上面 n 个区块，用于模拟分叉
func (c *Chain) Rewind(n int) {
	c.Blocks = c.Blocks[:len(c.Blocks)-n]
}

func BlockHex(block *wire.MsgBlock) string {
	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf.Bytes())
}

func TxHex(tx *wire.MsgTx) string {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf.Bytes())
}

// FakeRPC 用 Chain 和一个内存池模拟 bitcoind，修改 Chain 时需要持有 Lock
type FakeRPC struct {
	mutex   sync.Mutex
	Chain   *Chain
	Mempool map[string]*wire.MsgTx
	Fail    int // 接下来失败的调用次数
}

func NewFakeRPC(chain *Chain) *FakeRPC {
	return &FakeRPC{Chain: chain, Mempool: make(map[string]*wire.MsgTx)}
}

func (p *FakeRPC) Lock() {
	p.mutex.Lock()
}

func (p *FakeRPC) Unlock() {
	p.mutex.Unlock()
}

func (p *FakeRPC) fail() error {
	if p.Fail > 0 {
		p.Fail--
		return fmt.Errorf("rpc unavailable")
	}
	return nil
}

func (p *FakeRPC) AddMempoolTx(tx *wire.MsgTx) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.Mempool[tx.TxHash().String()] = tx
}

func (p *FakeRPC) RemoveMempoolTx(txId string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.Mempool, txId)
}

func (p *FakeRPC) GetBlockCount() (uint64, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err := p.fail(); err != nil {
		return 0, err
	}
	return uint64(p.Chain.TipHeight()), nil
}

func (p *FakeRPC) GetBestBlockHash() (string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err := p.fail(); err != nil {
		return "", err
	}
	return p.Chain.TipHash().String(), nil
}

func (p *FakeRPC) GetBlockHash(height uint64) (string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err := p.fail(); err != nil {
		return "", err
	}
	block := p.Chain.Block(uint32(height))
	if block == nil {
		return "", fmt.Errorf("block %d not found", height)
	}
	return block.BlockHash().String(), nil
}

func (p *FakeRPC) GetRawBlock(blockHash string) (string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err := p.fail(); err != nil {
		return "", err
	}
	for _, block := range p.Chain.Blocks {
		if block.BlockHash().String() == blockHash {
			return BlockHex(block), nil
		}
	}
	return "", fmt.Errorf("block %s not found", blockHash)
}

func (p *FakeRPC) GetMemPool() ([]string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err := p.fail(); err != nil {
		return nil, err
	}
	ret := make([]string, 0, len(p.Mempool))
	for txId := range p.Mempool {
		ret = append(ret, txId)
	}
	return ret, nil
}

func (p *FakeRPC) GetRawTx(txId string) (string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err := p.fail(); err != nil {
		return "", err
	}
	tx, ok := p.Mempool[txId]
	if !ok {
		return "", fmt.Errorf("tx %s not found", txId)
	}
	return TxHex(tx), nil
}
