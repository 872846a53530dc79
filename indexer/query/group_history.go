package query

import (
	"context"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"
	"github.com/pkg/errors"
	"github.com/sat20-labs/grouphistory/common"
	"github.com/sat20-labs/grouphistory/indexer/grouphistory"
	"github.com/sat20-labs/grouphistory/mempool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	StorageTimeout      time.Duration
	AssembleConcurrency int
	TxCacheTTL          time.Duration
}

type HistoryRequest struct {
	Group    common.GroupKey
	Cursor   []byte // 上一页返回的 NextCursor
	PageSize int
	Detail   bool
	Order    common.Order // 有游标时以游标中的顺序为准
}

type HistoryEntry struct {
	Ref  common.TxRef
	View *common.TxView // 只在 Detail 时有
}

type HistoryPage struct {
	Group      common.GroupKey
	Order      common.Order
	Entries    []*HistoryEntry
	NextCursor []byte // nil 表示已经到头
	Flagged    bool   // group 被标记需要重建索引
}

// Engine 合并已确认历史和内存池，提供分页查询
type Engine struct {
	barrier   *common.EpochBarrier
	index     *grouphistory.Index
	overlay   *mempool.Overlay
	assembler *Assembler
	cfg       Config
	corrupted lru.Cache // 需要重建索引的 group
	log       *logrus.Entry
}

func NewEngine(barrier *common.EpochBarrier, index *grouphistory.Index, overlay *mempool.Overlay, cfg Config) *Engine {
	initPrometheusMetrics()
	if cfg.AssembleConcurrency <= 0 {
		cfg.AssembleConcurrency = 8
	}
	return &Engine{
		barrier:   barrier,
		index:     index,
		overlay:   overlay,
		assembler: NewAssembler(overlay, cfg.TxCacheTTL),
		cfg:       cfg,
		corrupted: lru.NewCache(1000),
		log:       common.GetLoggerEntry(common.ModuleQuery),
	}
}

func (p *Engine) Start() {
	p.assembler.Start()
}

func (p *Engine) Stop() {
	p.assembler.Stop()
}

func (p *Engine) MaxPageSize() int {
	return p.index.MaxPageSize()
}

func (p *Engine) IsFlagged(group common.GroupKey) bool {
	return p.corrupted.Contains(group.String())
}

// 读者视图：在读锁内一起抓取的存储快照和内存池数据
type readView struct {
	snap    common.Snapshot
	epoch   uint64
	lastSeq uint64
	mempool []common.TxRef // group 的未确认记录，seq 降序
	entry   *mempool.Entry // GetTransaction 查询的内存池交易
}

func (p *Engine) capture(group *common.GroupKey, txId *chainhash.Hash) (*readView, error) {
	view := &readView{}
	err := p.barrier.Read(func(epoch uint64) error {
		snap, err := p.index.DB().NewSnapshot()
		if err != nil {
			return common.StorageError(err, "new snapshot")
		}
		view.snap = snap
		view.epoch = epoch
		view.lastSeq = p.overlay.LastSeq()
		if group != nil {
			view.mempool = p.overlay.Query(*group)
		}
		if txId != nil {
			if entry, ok := p.overlay.Tx(txId); ok {
				view.entry = entry
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (p *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.StorageTimeout > 0 {
		return context.WithTimeout(ctx, p.cfg.StorageTimeout)
	}
	return context.WithCancel(ctx)
}

func (p *Engine) observe(operation string, start time.Time, err error) {
	prometheusQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		prometheusQueryErrors.WithLabelValues(operation, strconv.Itoa(common.ErrorCode(err))).Inc()
	}
}

func (p *Engine) flag(group common.GroupKey, err error) {
	if !p.corrupted.Contains(group.String()) {
		prometheusCorruptedGroups.Inc()
	}
	p.corrupted.Add(group.String())
	p.log.Errorf("group %s flagged for re-index: %v", group.String(), err)
}

// GetHistory 返回一页历史：未确认的在前（seq 降序），已确认的在后（高度、序号降序）。
// OrderOldestFirst 时整体反过来。
func (p *Engine) GetHistory(ctx context.Context, req *HistoryRequest) (page *HistoryPage, err error) {
	start := time.Now()
	defer func() {
		if err != nil && errors.Is(err, common.ErrIndexCorruption) {
			p.flag(req.Group, err)
		}
		p.observe("history", start, err)
	}()

	if req.Group.IsZero() {
		return nil, common.InvalidArgument("empty group")
	}
	pageSize, err := grouphistory.ClampPageSize(req.PageSize, p.index.MaxPageSize())
	if err != nil {
		return nil, err
	}
	order := req.Order
	if order == 0 {
		order = common.OrderNewestFirst
	}
	if !order.Valid() {
		return nil, common.InvalidArgument("invalid order %d", order)
	}
	var pos *Position
	if len(req.Cursor) > 0 {
		pos, err = DecodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		order = pos.Order
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	view, err := p.capture(&req.Group, nil)
	if err != nil {
		return nil, err
	}
	defer view.snap.Close()

	if err := p.checkCursor(view, req.Group, pos); err != nil {
		return nil, err
	}

	var refs []common.TxRef
	var more bool
	if order == common.OrderNewestFirst {
		refs, more, err = p.newestFirst(ctx, view, req.Group, pos, pageSize)
	} else {
		refs, more, err = p.oldestFirst(ctx, view, req.Group, pos, pageSize)
	}
	if err != nil {
		return nil, err
	}

	page = &HistoryPage{
		Group:   req.Group,
		Order:   order,
		Flagged: p.IsFlagged(req.Group),
	}
	if more {
		next := PositionOf(&refs[len(refs)-1], order)
		page.NextCursor = EncodeCursor(&next)
	}
	if req.Detail {
		page.Entries, err = p.assembleAll(ctx, view, req.Group, refs)
		if err != nil {
			return nil, err
		}
	} else {
		page.Entries = make([]*HistoryEntry, 0, len(refs))
		for _, ref := range refs {
			page.Entries = append(page.Entries, &HistoryEntry{Ref: ref})
		}
	}
	prometheusQueryPages.WithLabelValues(strconv.FormatBool(req.Detail)).Inc()
	return page, nil
}

// 游标指向的位置和当前状态矛盾时返回 InvalidCursor。已确认的位置被回滚掉时继续向后翻页。
func (p *Engine) checkCursor(view *readView, group common.GroupKey, pos *Position) error {
	if pos == nil {
		return nil
	}
	switch pos.Source {
	case SourceMempool:
		if pos.Seq > view.lastSeq {
			return common.InvalidCursor("cursor seq %d is ahead of mempool seq %d", pos.Seq, view.lastSeq)
		}
	case SourceConfirmed:
		ref, err := p.index.HistoryAt(view.snap, group, pos.Height, pos.TxIndex)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return nil
			}
			return err
		}
		if ref.TxId != pos.TxId {
			return common.InvalidCursor("cursor tx %s, but %s at %d:%d",
				pos.TxId.String(), ref.TxId.String(), pos.Height, pos.TxIndex)
		}
	}
	return nil
}

func (p *Engine) newestFirst(ctx context.Context, view *readView, group common.GroupKey,
	pos *Position, pageSize int) ([]common.TxRef, bool, error) {

	refs := make([]common.TxRef, 0, pageSize+1)
	if pos == nil || pos.Source == SourceMempool {
		for _, ref := range view.mempool {
			if pos != nil && ref.Seq >= pos.Seq {
				continue
			}
			if len(refs) == pageSize {
				return refs, true, nil
			}
			refs = append(refs, ref)
		}
	}

	var after *common.TxRef
	if pos != nil && pos.Source == SourceConfirmed {
		after = pos.Ref()
	}
	need := pageSize - len(refs)
	if need == 0 {
		// 只看后面还有没有
		need = 1
	}
	// 游标所在的内存池交易可能在两页之间被确认，已经返回过，跳过
	var skip *chainhash.Hash
	limit := need
	if pos != nil && pos.Source == SourceMempool {
		skip = &pos.TxId
		limit++
	}
	confirmed, more, err := p.index.QueryRange(ctx, view.snap, group, after, limit, common.OrderNewestFirst)
	if err != nil {
		return nil, false, err
	}
	if skip != nil {
		for i := range confirmed {
			if confirmed[i].TxId == *skip {
				confirmed = append(confirmed[:i:i], confirmed[i+1:]...)
				break
			}
		}
		if len(confirmed) > need {
			confirmed = confirmed[:need]
			more = true
		}
	}
	if len(refs) == pageSize {
		return refs, len(confirmed) > 0, nil
	}
	return append(refs, confirmed...), more, nil
}

func (p *Engine) oldestFirst(ctx context.Context, view *readView, group common.GroupKey,
	pos *Position, pageSize int) ([]common.TxRef, bool, error) {

	refs := make([]common.TxRef, 0, pageSize)
	if pos == nil || pos.Source == SourceConfirmed {
		var after *common.TxRef
		if pos != nil {
			after = pos.Ref()
		}
		confirmed, more, err := p.index.QueryRange(ctx, view.snap, group, after, pageSize, common.OrderOldestFirst)
		if err != nil {
			return nil, false, err
		}
		if more {
			return confirmed, true, nil
		}
		refs = append(refs, confirmed...)
	}

	for i := len(view.mempool) - 1; i >= 0; i-- {
		ref := view.mempool[i]
		if pos != nil && pos.Source == SourceMempool && ref.Seq <= pos.Seq {
			continue
		}
		if len(refs) == pageSize {
			return refs, true, nil
		}
		refs = append(refs, ref)
	}
	return refs, false, nil
}

// 并发组装，已经消失的交易从页中去掉
func (p *Engine) assembleAll(ctx context.Context, view *readView, group common.GroupKey,
	refs []common.TxRef) ([]*HistoryEntry, error) {

	views := make([]*common.TxView, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.AssembleConcurrency)
	for i := range refs {
		g.Go(func() error {
			txView, err := p.assembler.Assemble(gctx, view.snap, &refs[i])
			if err == nil {
				views[i] = txView
				return nil
			}
			if !errors.Is(err, common.ErrNotFound) {
				return err
			}
			// 快照里的已确认交易不会消失；内存池交易只有发生过写入才可能消失
			if refs[i].Confirmed || p.barrier.Epoch() == view.epoch {
				return errors.Wrapf(common.ErrIndexCorruption, "entry %s of group %s unresolvable: %v",
					refs[i].String(), group.String(), err)
			}
			prometheusDroppedEntries.Inc()
			p.log.Debugf("drop entry %s of group %s, %v", refs[i].String(), group.String(), err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]*HistoryEntry, 0, len(refs))
	for i, txView := range views {
		if txView == nil {
			continue
		}
		entries = append(entries, &HistoryEntry{Ref: refs[i], View: txView})
	}
	prometheusAssembledEntries.Add(float64(len(entries)))
	return entries, nil
}

// GetTransaction 已确认的优先，其次是内存池
func (p *Engine) GetTransaction(ctx context.Context, txId *chainhash.Hash) (txView *common.TxView, err error) {
	start := time.Now()
	defer func() { p.observe("tx", start, err) }()

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	// 内存池交易在两次读之间被确认时重试一次
	for attempt := 0; ; attempt++ {
		txView, err = p.getTransaction(ctx, txId)
		if err == nil || !errors.Is(err, common.ErrNotFound) || attempt > 0 {
			return txView, err
		}
	}
}

func (p *Engine) getTransaction(ctx context.Context, txId *chainhash.Hash) (*common.TxView, error) {
	view, err := p.capture(nil, txId)
	if err != nil {
		return nil, err
	}
	defer view.snap.Close()

	ref := &common.TxRef{TxId: *txId}
	record, err := grouphistory.LoadTx(view.snap, txId)
	switch {
	case err == nil:
		ref.Confirmed = true
		ref.Height = record.Height
		ref.TxIndex = record.TxIndex
	case errors.Is(err, common.ErrNotFound):
		if view.entry == nil {
			return nil, errors.Wrapf(common.ErrNotFound, "tx %s", txId.String())
		}
		ref.Seq = view.entry.Seq
	default:
		return nil, err
	}
	return p.assembler.Assemble(ctx, view.snap, ref)
}
