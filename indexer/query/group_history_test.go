package query

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sat20-labs/grouphistory/common"
	"github.com/sat20-labs/grouphistory/indexer/chaintest"
	"github.com/sat20-labs/grouphistory/indexer/db"
	"github.com/sat20-labs/grouphistory/indexer/grouphistory"
	"github.com/sat20-labs/grouphistory/indexer/groups"
	"github.com/sat20-labs/grouphistory/mempool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试用的写线程，和 IndexerMgr 一样在 barrier 中修改数据
type testEnv struct {
	t        *testing.T
	barrier  *common.EpochBarrier
	index    *grouphistory.Index
	overlay  *mempool.Overlay
	resolver *groups.Resolver
	chain    *chaintest.Chain
	engine   *Engine
}

func newTestEnv(t *testing.T, base uint32, lastSeq uint64) *testEnv {
	kv, err := db.NewMemPebbleDB()
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	env := &testEnv{
		t:        t,
		barrier:  &common.EpochBarrier{},
		resolver: groups.NewResolver(chaintest.Params, nil),
		overlay:  mempool.NewOverlayWithSeq(lastSeq),
		chain:    chaintest.NewChain(base),
	}
	env.index = grouphistory.NewIndex(kv, env.resolver, 50)
	require.NoError(t, env.index.Init())
	env.engine = NewEngine(env.barrier, env.index, env.overlay, Config{AssembleConcurrency: 2})
	env.engine.Start()
	t.Cleanup(env.engine.Stop)
	return env
}

func (e *testEnv) fetcher(op wire.OutPoint) *wire.TxOut {
	if out := e.overlay.Output(op); out != nil {
		return out
	}
	return e.index.Output(op)
}

func (e *testEnv) connect(txs ...*wire.MsgTx) uint32 {
	height, block := e.chain.NextBlock(txs...)
	err := e.barrier.Write(func() error {
		if _, err := e.index.RecordBlockConnect(height, block); err != nil {
			return err
		}
		for _, tx := range txs {
			txId := tx.TxHash()
			e.overlay.Take(&txId)
		}
		return nil
	})
	require.NoError(e.t, err)
	return height
}

func (e *testEnv) disconnect() {
	height := e.chain.TipHeight()
	err := e.barrier.Write(func() error {
		_, err := e.index.RecordBlockDisconnect(height)
		return err
	})
	require.NoError(e.t, err)
	e.chain.Rewind(1)
}

func (e *testEnv) accept(tx *wire.MsgTx) uint64 {
	var seq uint64
	err := e.barrier.Write(func() error {
		var err error
		seq, _, err = e.overlay.Accept(tx, e.resolver.Touches(tx, e.fetcher))
		return err
	})
	require.NoError(e.t, err)
	return seq
}

func (e *testEnv) evict(tx *wire.MsgTx) {
	txId := tx.TxHash()
	require.NoError(e.t, e.barrier.Write(func() error {
		e.overlay.Evict(&txId)
		return nil
	}))
}

func (e *testEnv) history(group common.GroupKey, cursor []byte, pageSize int, order common.Order) *HistoryPage {
	page, err := e.engine.GetHistory(context.Background(), &HistoryRequest{
		Group:    group,
		Cursor:   cursor,
		PageSize: pageSize,
		Order:    order,
	})
	require.NoError(e.t, err)
	return page
}

func (e *testEnv) all(group common.GroupKey, pageSize int, order common.Order) []common.TxRef {
	ret := make([]common.TxRef, 0)
	var cursor []byte
	for i := 0; ; i++ {
		require.Less(e.t, i, 1000)
		page := e.history(group, cursor, pageSize, order)
		for _, entry := range page.Entries {
			ret = append(ret, entry.Ref)
		}
		if page.NextCursor == nil {
			return ret
		}
		cursor = page.NextCursor
	}
}

func label(refs []*HistoryEntry) []string {
	ret := make([]string, 0, len(refs))
	for _, e := range refs {
		ret = append(ret, e.Ref.String())
	}
	return ret
}

func refString(tx *wire.MsgTx, height, txIndex uint32) string {
	ref := common.TxRef{TxId: tx.TxHash(), Confirmed: true, Height: height, TxIndex: txIndex}
	return ref.String()
}

func seqString(tx *wire.MsgTx, seq uint64) string {
	ref := common.TxRef{TxId: tx.TxHash(), Seq: seq}
	return ref.String()
}

// group G：两个未确认交易（seq 5、3），三个已确认交易（100、99/2、99/1）
type scenario struct {
	env              *testEnv
	group            common.GroupKey
	m3, m5           *wire.MsgTx
	c100, c99a, c99b *wire.MsgTx
}

func newScenario(t *testing.T) *scenario {
	env := newTestEnv(t, 99, 2)
	g := chaintest.Script(1)
	other := chaintest.Script(2)
	s := &scenario{env: env, group: common.ScriptHashGroup(g)}

	s.c99a = chaintest.Coinbase(991, chaintest.Out(10, other), chaintest.Out(10, g))
	s.c99b = chaintest.Coinbase(992, chaintest.Out(20, g))
	env.connect(chaintest.Coinbase(990, chaintest.Out(50, other)), s.c99a, s.c99b)
	s.c100 = chaintest.Coinbase(1000, chaintest.Out(50, g))
	env.connect(s.c100)

	s.m3 = chaintest.Spend([]wire.OutPoint{chaintest.OutPoint(s.c99a, 0)}, chaintest.Out(9, g))
	evicted := chaintest.Spend([]wire.OutPoint{chaintest.OutPoint(s.c99a, 1)}, chaintest.Out(9, other))
	s.m5 = chaintest.Spend([]wire.OutPoint{chaintest.OutPoint(s.c99b, 0)}, chaintest.Out(19, other))
	require.Equal(t, uint64(3), env.accept(s.m3))
	require.Equal(t, uint64(4), env.accept(evicted))
	env.evict(evicted)
	require.Equal(t, uint64(5), env.accept(s.m5))
	return s
}

func TestHistoryScenario(t *testing.T) {
	s := newScenario(t)
	env := s.env

	page := env.history(s.group, nil, 3, 0)
	assert.Equal(t, common.OrderNewestFirst, page.Order)
	assert.Equal(t, []string{
		seqString(s.m5, 5),
		seqString(s.m3, 3),
		refString(s.c100, 100, 0),
	}, label(page.Entries))
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, common.DirSpent, page.Entries[0].Ref.Direction)
	assert.Equal(t, common.DirReceived, page.Entries[1].Ref.Direction)

	page = env.history(s.group, page.NextCursor, 3, 0)
	assert.Equal(t, []string{
		refString(s.c99b, 99, 2),
		refString(s.c99a, 99, 1),
	}, label(page.Entries))
	assert.Nil(t, page.NextCursor)

	// 回滚 100 之后，该交易完全消失
	env.disconnect()
	page = env.history(s.group, nil, 10, 0)
	assert.Equal(t, []string{
		seqString(s.m5, 5),
		seqString(s.m3, 3),
		refString(s.c99b, 99, 2),
		refString(s.c99a, 99, 1),
	}, label(page.Entries))
	assert.Nil(t, page.NextCursor)
}

func TestHistoryPagination(t *testing.T) {
	env := newTestEnv(t, 0, 0)
	g := chaintest.Script(1)
	group := common.ScriptHashGroup(g)

	var prev *wire.MsgTx
	for h := 0; h < 6; h++ {
		cb := chaintest.Coinbase(uint32(h), chaintest.Out(100, g), chaintest.Out(1, chaintest.Script(2)))
		txs := []*wire.MsgTx{cb}
		if prev != nil {
			txs = append(txs, chaintest.Spend([]wire.OutPoint{chaintest.OutPoint(prev, 0)}, chaintest.Out(99, g)))
		}
		env.connect(txs...)
		prev = cb
	}
	for i := 0; i < 4; i++ {
		env.accept(chaintest.Spend([]wire.OutPoint{chaintest.OutPoint(env.chain.Block(uint32(i)).Transactions[0], 1)},
			chaintest.Out(1, g)))
	}

	full := env.all(group, 50, common.OrderNewestFirst)
	require.Len(t, full, 6+5+4)
	for i := 1; i < len(full); i++ {
		assert.True(t, common.Newer(&full[i-1], &full[i]), "%s before %s", full[i-1].String(), full[i].String())
	}
	for i := 0; i < 4; i++ {
		assert.False(t, full[i].Confirmed)
	}

	for size := 1; size <= 16; size++ {
		assert.Equal(t, full, env.all(group, size, common.OrderNewestFirst), "page size %d", size)
		asc := env.all(group, size, common.OrderOldestFirst)
		require.Len(t, asc, len(full))
		for i := range asc {
			assert.Equal(t, full[len(full)-1-i], asc[i])
		}
	}

	// 超过上限被截断
	page := env.history(group, nil, 1000, 0)
	assert.Len(t, page.Entries, 15)

	// 游标中的顺序优先
	page = env.history(group, nil, 2, common.OrderOldestFirst)
	page = env.history(group, page.NextCursor, 2, common.OrderNewestFirst)
	assert.Equal(t, common.OrderOldestFirst, page.Order)
	assert.Equal(t, full[len(full)-3], page.Entries[0].Ref)
}

func TestPaginationStableUnderMutation(t *testing.T) {
	s := newScenario(t)
	env := s.env

	page := env.history(s.group, nil, 2, 0)
	assert.Equal(t, []string{seqString(s.m5, 5), seqString(s.m3, 3)}, label(page.Entries))

	// 翻页之间有新交易加入，已发出的游标不受影响
	fresh := chaintest.Spend([]wire.OutPoint{chaintest.OutPoint(s.c100, 0)}, chaintest.Out(1, chaintest.Script(2)))
	assert.Equal(t, uint64(6), env.accept(fresh))
	page = env.history(s.group, page.NextCursor, 2, 0)
	assert.Equal(t, []string{refString(s.c100, 100, 0), refString(s.c99b, 99, 2)}, label(page.Entries))

	// m3 被确认之后，再从头翻页
	env.connect(chaintest.Coinbase(1010), s.m3)
	refs := env.all(s.group, 2, common.OrderNewestFirst)
	require.Len(t, refs, 6)
	assert.Equal(t, fresh.TxHash(), refs[0].TxId)
	assert.Equal(t, s.m5.TxHash(), refs[1].TxId)
	assert.Equal(t, s.m3.TxHash(), refs[2].TxId)
	assert.True(t, refs[2].Confirmed)
	assert.Equal(t, uint32(101), refs[2].Height)
}

func TestHistoryErrors(t *testing.T) {
	s := newScenario(t)
	env := s.env
	ctx := context.Background()

	_, err := env.engine.GetHistory(ctx, &HistoryRequest{Group: s.group, PageSize: 0})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	_, err = env.engine.GetHistory(ctx, &HistoryRequest{Group: s.group, PageSize: -1})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	_, err = env.engine.GetHistory(ctx, &HistoryRequest{PageSize: 5})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	_, err = env.engine.GetHistory(ctx, &HistoryRequest{Group: s.group, PageSize: 5, Order: common.Order(7)})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	// 未知 group
	page := env.history(common.ScriptHashGroup([]byte{0x51}), nil, 5, 0)
	assert.Empty(t, page.Entries)
	assert.Nil(t, page.NextCursor)

	page = env.history(s.group, nil, 3, 0)
	cursor := append([]byte{}, page.NextCursor...)
	cursor[10] ^= 1
	_, err = env.engine.GetHistory(ctx, &HistoryRequest{Group: s.group, Cursor: cursor, PageSize: 3})
	assert.ErrorIs(t, err, common.ErrInvalidCursor)

	// 位置上已经是另一个交易
	next := page.NextCursor
	env.disconnect()
	env.connect(chaintest.Coinbase(2000, chaintest.Out(5, chaintest.Script(1))))
	_, err = env.engine.GetHistory(ctx, &HistoryRequest{Group: s.group, Cursor: next, PageSize: 3})
	assert.ErrorIs(t, err, common.ErrInvalidCursor)

	// 位置被回滚掉时从该位置继续
	env.disconnect()
	page = env.history(s.group, next, 3, 0)
	assert.Equal(t, []string{refString(s.c99b, 99, 2), refString(s.c99a, 99, 1)}, label(page.Entries))

	// 还没分配过的 seq
	future := EncodeCursor(&Position{Source: SourceMempool, Order: common.OrderNewestFirst, Seq: 1000})
	_, err = env.engine.GetHistory(ctx, &HistoryRequest{Group: s.group, Cursor: future, PageSize: 3})
	assert.ErrorIs(t, err, common.ErrInvalidCursor)

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	_, err = env.engine.GetHistory(expired, &HistoryRequest{Group: s.group, PageSize: 3})
	assert.ErrorIs(t, err, common.ErrStorageUnavailable)

	cancelled, cancel2 := context.WithCancel(ctx)
	cancel2()
	_, err = env.engine.GetHistory(cancelled, &HistoryRequest{Group: s.group, PageSize: 3, Detail: true})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHistoryDetail(t *testing.T) {
	s := newScenario(t)
	env := s.env

	page, err := env.engine.GetHistory(context.Background(), &HistoryRequest{Group: s.group, PageSize: 10, Detail: true})
	require.NoError(t, err)
	require.Len(t, page.Entries, 5)

	m5 := page.Entries[0].View
	require.NotNil(t, m5)
	assert.False(t, m5.Status.Confirmed)
	assert.Equal(t, uint64(5), m5.Status.Seq)
	require.Len(t, m5.Inputs, 1)
	assert.True(t, m5.Inputs[0].Resolved)
	assert.Equal(t, int64(20), m5.Inputs[0].Value)
	assert.True(t, m5.Inputs[0].SpentBy.Pending)

	c99b := page.Entries[3].View
	assert.True(t, c99b.Status.Confirmed)
	assert.Equal(t, env.chain.Block(99).BlockHash(), c99b.Status.BlockHash)
	assert.True(t, c99b.Inputs[0].Coinbase)
	// 输出被内存池交易花费
	require.NotNil(t, c99b.Outputs[0].SpentBy)
	assert.True(t, c99b.Outputs[0].SpentBy.Pending)
	assert.Equal(t, s.m5.TxHash(), c99b.Outputs[0].SpentBy.TxId)

	c100 := page.Entries[2].View
	assert.Nil(t, c100.Outputs[0].SpentBy)

	// 被区块确认之后，花费状态变成已确认
	height := env.connect(chaintest.Coinbase(1010), s.m5)
	txId := s.c99b.TxHash()
	view, err := env.engine.GetTransaction(context.Background(), &txId)
	require.NoError(t, err)
	require.NotNil(t, view.Outputs[0].SpentBy)
	assert.False(t, view.Outputs[0].SpentBy.Pending)
	assert.Equal(t, height, view.Outputs[0].SpentBy.Height)
	assert.Equal(t, uint32(1), view.Outputs[0].SpentBy.TxIndex)
}

func TestAssembleRace(t *testing.T) {
	s := newScenario(t)
	env := s.env
	ctx := context.Background()

	view, err := env.engine.capture(&s.group, nil)
	require.NoError(t, err)
	defer view.snap.Close()
	refs := view.mempool
	require.Len(t, refs, 2)

	// 抓取之后有写入，交易消失属于竞争，直接丢弃
	env.evict(s.m5)
	entries, err := env.engine.assembleAll(ctx, view, s.group, refs)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, s.m3.TxHash(), entries[0].Ref.TxId)

	// 没有写入却找不到交易，是索引损坏
	view2, err := env.engine.capture(&s.group, nil)
	require.NoError(t, err)
	defer view2.snap.Close()
	m3 := s.m3.TxHash()
	env.overlay.Evict(&m3)
	_, err = env.engine.assembleAll(ctx, view2, s.group, view2.mempool)
	assert.ErrorIs(t, err, common.ErrIndexCorruption)

	// 已确认交易在快照中找不到
	missing := []common.TxRef{{TxId: chainhash.DoubleHashH([]byte("missing")), Confirmed: true, Height: 99, TxIndex: 9}}
	_, err = env.engine.assembleAll(ctx, view2, s.group, missing)
	assert.ErrorIs(t, err, common.ErrIndexCorruption)
}

// 快照中找不到已确认交易时 group 被标记，之后的页都带上标记
func TestCorruptionFlagsGroup(t *testing.T) {
	s := newScenario(t)
	env := s.env

	// 删掉一个已确认交易的记录，历史行还在
	txId := s.c100.TxHash()
	wb := env.index.DB().NewWriteBatch()
	require.NoError(t, wb.Delete(grouphistory.GetTxKey(&txId)))
	require.NoError(t, wb.Flush())
	wb.Close()

	_, err := env.engine.GetHistory(context.Background(), &HistoryRequest{
		Group:    s.group,
		PageSize: 10,
		Detail:   true,
	})
	assert.ErrorIs(t, err, common.ErrIndexCorruption)
	assert.True(t, env.engine.IsFlagged(s.group))

	page := env.history(s.group, nil, 10, common.OrderNewestFirst)
	assert.True(t, page.Flagged)
}

// 写线程已经删除了交易但写入还没结束，同样属于竞争
func TestAssembleDuringWrite(t *testing.T) {
	s := newScenario(t)
	env := s.env

	view, err := env.engine.capture(&s.group, nil)
	require.NoError(t, err)
	defer view.snap.Close()

	evicted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	m5 := s.m5.TxHash()
	go func() {
		done <- env.barrier.Write(func() error {
			env.overlay.Evict(&m5)
			close(evicted)
			<-release
			return nil
		})
	}()
	<-evicted

	entries, err := env.engine.assembleAll(context.Background(), view, s.group, view.mempool)
	close(release)
	require.NoError(t, <-done)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, s.m3.TxHash(), entries[0].Ref.TxId)
	assert.False(t, env.engine.IsFlagged(s.group))
}

// 游标所在的交易在两页之间被确认，下一页不再返回它
func TestCursorTxPromoted(t *testing.T) {
	s := newScenario(t)
	env := s.env

	page := env.history(s.group, nil, 2, common.OrderNewestFirst)
	assert.Equal(t, []string{seqString(s.m5, 5), seqString(s.m3, 3)}, label(page.Entries))
	require.NotNil(t, page.NextCursor)

	height := env.connect(chaintest.Coinbase(1010, chaintest.Out(50, chaintest.Script(2))), s.m3)

	page = env.history(s.group, page.NextCursor, 2, common.OrderNewestFirst)
	assert.Equal(t, []string{refString(s.c100, 100, 0), refString(s.c99b, 99, 2)}, label(page.Entries))
	require.NotNil(t, page.NextCursor)

	page = env.history(s.group, page.NextCursor, 2, common.OrderNewestFirst)
	assert.Equal(t, []string{refString(s.c99a, 99, 1)}, label(page.Entries))
	assert.Nil(t, page.NextCursor)

	// 从头读时它出现在已确认历史里
	page = env.history(s.group, nil, 2, common.OrderNewestFirst)
	assert.Equal(t, []string{seqString(s.m5, 5), refString(s.m3, height, 1)}, label(page.Entries))
}

func TestGetTransaction(t *testing.T) {
	s := newScenario(t)
	env := s.env
	ctx := context.Background()

	txId := s.m3.TxHash()
	view, err := env.engine.GetTransaction(ctx, &txId)
	require.NoError(t, err)
	assert.False(t, view.Status.Confirmed)
	assert.Equal(t, uint64(3), view.Status.Seq)

	txId = s.c100.TxHash()
	view, err = env.engine.GetTransaction(ctx, &txId)
	require.NoError(t, err)
	assert.True(t, view.Status.Confirmed)
	assert.Equal(t, uint32(100), view.Status.Height)
	assert.Equal(t, int64(50), view.Outputs[0].Value)

	unknown := chainhash.DoubleHashH([]byte("unknown"))
	_, err = env.engine.GetTransaction(ctx, &unknown)
	assert.ErrorIs(t, err, common.ErrNotFound)
}
