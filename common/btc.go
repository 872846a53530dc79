package common

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	ChainTestnet  = "testnet"
	ChainTestnet4 = "testnet4"
	ChainMainnet  = "mainnet"
	ChainRegtest  = "regtest"
)

func ChainParams(chain string) *chaincfg.Params {
	switch chain {
	case ChainTestnet:
		return &chaincfg.TestNet4Params
	case ChainTestnet4:
		return &chaincfg.TestNet4Params
	case ChainRegtest:
		return &chaincfg.RegressionNetParams
	case ChainMainnet:
		return &chaincfg.MainNetParams
	}
	return &chaincfg.MainNetParams
}

func PkScriptToAddr(pkScript []byte, chainParams *chaincfg.Params) (string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, chainParams)
	if err != nil {
		return "", err
	}

	if len(addrs) == 0 {
		return "", fmt.Errorf("no address")
	}
	return addrs[0].EncodeAddress(), nil
}

func AddrToPkScript(addr string, chainParams *chaincfg.Params) ([]byte, error) {
	address, err := btcutil.DecodeAddress(addr, chainParams)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(address)
}

func IsOpReturn(pkScript []byte) bool {
	return len(pkScript) > 0 && pkScript[0] == txscript.OP_RETURN
}

func IsCoinbaseInput(txIn *wire.TxIn) bool {
	return txIn.PreviousOutPoint.Index == wire.MaxPrevOutIndex &&
		txIn.PreviousOutPoint.Hash == (wire.OutPoint{}).Hash
}

func DecodeMsgTx(txHex string) (*wire.MsgTx, error) {
	txBytes, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("error decoding hex string: %v", err)
	}
	return DeserializeTx(txBytes)
}

func DeserializeTx(txBytes []byte) (*wire.MsgTx, error) {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	err := msgTx.Deserialize(bytes.NewReader(txBytes))
	if err != nil {
		return nil, fmt.Errorf("error deserializing transaction: %v", err)
	}
	return msgTx, nil
}

func SerializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeMsgBlock(blockHex string) (*wire.MsgBlock, error) {
	blockBytes, err := hex.DecodeString(blockHex)
	if err != nil {
		return nil, fmt.Errorf("error decoding hex string: %v", err)
	}
	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(blockBytes)); err != nil {
		return nil, fmt.Errorf("error deserializing block: %v", err)
	}
	return block, nil
}
