package groups

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sat20-labs/grouphistory/common"
	"github.com/sat20-labs/grouphistory/indexer/chaintest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tokenPrefix = []byte("gh")

func TestScriptGroups(t *testing.T) {
	r := NewResolver(chaintest.Params, tokenPrefix)

	script := chaintest.Script(1)
	groups := r.ScriptGroups(script)
	require.Len(t, groups, 2)
	assert.Equal(t, common.GroupScriptHash, groups[0].Kind())
	assert.Equal(t, common.GroupAddress, groups[1].Kind())
	assert.Equal(t, common.AddrTypeP2WPKH, groups[1].Payload()[0])

	// 非标准脚本只有脚本 group
	nonStd := []byte{txscript.OP_TRUE}
	groups = r.ScriptGroups(nonStd)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].Equal(common.ScriptHashGroup(nonStd)))

	tokenId := bytes.Repeat([]byte{7}, 32)
	groups = r.ScriptGroups(chaintest.TokenScript(tokenPrefix, tokenId))
	require.Len(t, groups, 1)
	assert.Equal(t, common.GroupTokenID, groups[0].Kind())
	assert.Equal(t, tokenId, groups[0].Payload())

	assert.Empty(t, r.ScriptGroups(chaintest.TokenScript([]byte("xx"), tokenId)))
	assert.Empty(t, r.ScriptGroups(chaintest.TokenScript(tokenPrefix, tokenId[:31])))
	assert.Empty(t, NewResolver(chaintest.Params, nil).ScriptGroups(chaintest.TokenScript(tokenPrefix, tokenId)))
}

func TestTouches(t *testing.T) {
	r := NewResolver(chaintest.Params, tokenPrefix)
	alice := chaintest.Script(1)
	bob := chaintest.Script(2)
	tokenId := bytes.Repeat([]byte{9}, 32)

	funding := chaintest.Coinbase(1, chaintest.Out(100, alice), chaintest.Out(50, bob))
	outputs := map[wire.OutPoint]*wire.TxOut{
		chaintest.OutPoint(funding, 0): funding.TxOut[0],
		chaintest.OutPoint(funding, 1): funding.TxOut[1],
	}
	fetcher := func(op wire.OutPoint) *wire.TxOut { return outputs[op] }

	tx := chaintest.Spend([]wire.OutPoint{chaintest.OutPoint(funding, 0), chaintest.OutPoint(funding, 1)},
		chaintest.Out(120, bob), chaintest.Out(0, chaintest.TokenScript(tokenPrefix, tokenId)), chaintest.Out(20, alice))
	touches := r.Touches(tx, fetcher)

	dirs := make(map[string]common.Direction)
	for _, touch := range touches {
		dirs[touch.Group.String()] = touch.Direction
	}
	require.Len(t, touches, 5)
	assert.Equal(t, common.DirBoth, dirs[common.ScriptHashGroup(alice).String()])
	assert.Equal(t, common.DirBoth, dirs[common.ScriptHashGroup(bob).String()])
	token, err := common.TokenGroup(tokenId)
	require.NoError(t, err)
	assert.Equal(t, common.DirReceived, dirs[token.String()])

	// 首次出现的顺序：先输入后输出
	assert.True(t, touches[0].Group.Equal(common.ScriptHashGroup(alice)))

	// 找不到前序输出时只记录输出侧
	touches = r.Touches(tx, func(wire.OutPoint) *wire.TxOut { return nil })
	for _, touch := range touches {
		assert.Equal(t, common.DirReceived, touch.Direction)
	}

	// coinbase 没有 spent
	for _, touch := range r.Touches(funding, fetcher) {
		assert.Equal(t, common.DirReceived, touch.Direction)
	}
}
