package indexer

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/sat20-labs/grouphistory/common"
	"github.com/sat20-labs/grouphistory/config"
	"github.com/sat20-labs/grouphistory/indexer/db"
	"github.com/sat20-labs/grouphistory/indexer/grouphistory"
	"github.com/sat20-labs/grouphistory/indexer/groups"
	"github.com/sat20-labs/grouphistory/indexer/query"
	"github.com/sat20-labs/grouphistory/mempool"
	"github.com/sat20-labs/grouphistory/share/bitcoin_rpc"
	"github.com/sirupsen/logrus"
)

// IndexerMgr 唯一的写者：连接/回滚区块，维护内存池。
// 所有修改都在 barrier 的写锁内完成，读者看到的总是完整的前后状态。
type IndexerMgr struct {
	cfg   *config.YamlConf
	dbDir string
	rpc   bitcoin_rpc.BitcoinRPC

	chaincfgParam *chaincfg.Params

	db       common.KVDB
	barrier  common.EpochBarrier
	resolver *groups.Resolver
	index    *grouphistory.Index
	overlay  *mempool.Overlay
	engine   *query.Engine

	miniMempool *MiniMemPool
	blockNotify chan struct{} // p2p 收到新区块，提前触发同步
	synced      atomic.Bool   // 已经追上节点的tip

	closeOnce sync.Once
	log       *logrus.Entry
}

func NewIndexerMgr(yamlcfg *config.YamlConf, rpc bitcoin_rpc.BitcoinRPC) *IndexerMgr {
	initPrometheusMetrics()

	chainParam := common.ChainParams(yamlcfg.Chain)
	if chainParam.Net != chaincfg.MainNetParams.Net {
		common.CHAIN = yamlcfg.Chain
	}

	dbDir := yamlcfg.DB.Path
	if !filepath.IsAbs(dbDir) {
		dbDir = filepath.Clean(dbDir) + string(filepath.Separator)
	}

	mgr := &IndexerMgr{
		cfg:           yamlcfg,
		dbDir:         dbDir,
		rpc:           rpc,
		chaincfgParam: chainParam,
		overlay:       mempool.NewOverlay(),
		blockNotify:   make(chan struct{}, 1),
		log:           common.GetLoggerEntry(common.ModuleSync),
	}
	mgr.miniMempool = NewMiniMemPool(mgr)
	return mgr
}

func (b *IndexerMgr) Init() error {
	prefix, err := hex.DecodeString(b.cfg.Token.LokadPrefix)
	if err != nil {
		return errors.Wrapf(err, "invalid token prefix %s", b.cfg.Token.LokadPrefix)
	}

	if b.db == nil {
		b.db, err = db.NewKVDB(b.cfg.DB.Type, filepath.Join(b.dbDir, "history"))
		if err != nil {
			return errors.Wrap(err, "open db")
		}
	}

	b.resolver = groups.NewResolver(b.chaincfgParam, prefix)
	b.index = grouphistory.NewIndex(b.db, b.resolver, b.cfg.Query.MaxPageSize)
	if err := b.index.Init(); err != nil {
		return err
	}
	b.engine = query.NewEngine(&b.barrier, b.index, b.overlay, query.Config{
		StorageTimeout:      b.cfg.Query.StorageTimeout,
		AssembleConcurrency: b.cfg.Query.AssembleConcurrency,
		TxCacheTTL:          b.cfg.Query.TxCacheTTL,
	})
	b.engine.Start()

	height, hash, ok, err := b.index.Tip()
	if err != nil {
		return err
	}
	if ok {
		prometheusTipHeight.Set(float64(height))
		b.log.Infof("index tip %d %s", height, hash.String())
	} else {
		b.log.Infof("empty index, sync from height %d", b.cfg.Sync.StartHeight)
	}
	return nil
}

func (b *IndexerMgr) GetChainParam() *chaincfg.Params {
	return b.chaincfgParam
}

func (b *IndexerMgr) GetEngine() *query.Engine {
	return b.engine
}

func (b *IndexerMgr) GetOverlay() *mempool.Overlay {
	return b.overlay
}

func (b *IndexerMgr) IsSynced() bool {
	return b.synced.Load()
}

type Status struct {
	Chain       string
	Height      uint32
	Hash        chainhash.Hash
	HasTip      bool
	Synced      bool
	MempoolSize int
	LastSeq     uint64
}

func (b *IndexerMgr) Status() (*Status, error) {
	ret := &Status{Chain: b.cfg.Chain}
	err := b.barrier.Read(func(epoch uint64) error {
		var err error
		ret.Height, ret.Hash, ret.HasTip, err = b.index.Tip()
		ret.MempoolSize = b.overlay.Size()
		ret.LastSeq = b.overlay.LastSeq()
		return err
	})
	ret.Synced = b.IsSynced()
	return ret, err
}

// ConnectBlock 写入区块并在同一个写锁内把区块中的交易移出内存池，
// 和区块交易冲突的未确认交易连同后代一起删除。
func (b *IndexerMgr) ConnectBlock(height uint32, block *wire.MsgBlock) error {
	start := time.Now()
	promoted, invalidated := 0, 0
	err := b.barrier.Write(func() error {
		if _, err := b.index.RecordBlockConnect(height, block); err != nil {
			return err
		}
		for _, tx := range block.Transactions {
			txId := tx.TxHash()
			if _, ok := b.overlay.Take(&txId); ok {
				promoted++
				continue
			}
			for _, conflict := range b.overlay.Conflicts(tx) {
				invalidated += len(b.overlay.InvalidateConflicting(&conflict))
			}
		}
		return nil
	})
	if err != nil {
		b.log.Errorf("connect block %d failed, %v", height, err)
		return err
	}

	prometheusBlocksConnected.Inc()
	prometheusBlockDuration.Observe(time.Since(start).Seconds())
	prometheusTipHeight.Set(float64(height))
	prometheusTxsPromoted.Add(float64(promoted))
	prometheusTxsInvalidated.Add(float64(invalidated))
	prometheusMempoolSize.Set(float64(b.overlay.Size()))
	if promoted > 0 || invalidated > 0 {
		b.log.Infof("block %d promoted %d mempool txs, invalidated %d", height, promoted, invalidated)
	}
	return nil
}

// DisconnectBlock 回滚 tip。回滚区块中的交易不会自动回到内存池，
// 等节点重新广播时再加入。
func (b *IndexerMgr) DisconnectBlock(height uint32) error {
	err := b.barrier.Write(func() error {
		_, err := b.index.RecordBlockDisconnect(height)
		return err
	})
	if err != nil {
		b.log.Errorf("disconnect block %d failed, %v", height, err)
		return err
	}
	prometheusBlocksDisconnected.Inc()
	if height > 0 {
		prometheusTipHeight.Set(float64(height - 1))
	}
	return nil
}

// AcceptTx 加入一个未确认交易，和它冲突的池中交易（及其后代）被替换。
// 已确认或已在池中的交易返回 added=false。
func (b *IndexerMgr) AcceptTx(tx *wire.MsgTx) (seq uint64, added bool, err error) {
	txId := tx.TxHash()
	err = b.barrier.Write(func() error {
		if entry, ok := b.overlay.Tx(&txId); ok {
			seq = entry.Seq
			return nil
		}
		confirmed, err := b.index.HasTx(&txId)
		if err != nil {
			return err
		}
		if confirmed {
			b.log.Debugf("tx %s already confirmed", txId.String())
			return nil
		}
		for _, conflict := range b.overlay.Conflicts(tx) {
			removed := b.overlay.InvalidateConflicting(&conflict)
			prometheusTxsInvalidated.Add(float64(len(removed)))
			b.log.Infof("tx %s replaces %s (%d txs removed)", txId.String(), conflict.String(), len(removed))
		}
		touches := b.resolver.Touches(tx, b.prevOutput)
		seq, added, err = b.overlay.Accept(tx, touches)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	if added {
		prometheusMempoolAccepted.Inc()
		prometheusMempoolSize.Set(float64(b.overlay.Size()))
	}
	return seq, added, nil
}

// 未确认的父交易优先，然后是数据库
func (b *IndexerMgr) prevOutput(op wire.OutPoint) *wire.TxOut {
	if out := b.overlay.Output(op); out != nil {
		return out
	}
	return b.index.Output(op)
}

// EvictTx 交易离开内存池（过期、被节点丢弃），不影响它的后代
func (b *IndexerMgr) EvictTx(txId *chainhash.Hash) bool {
	evicted := false
	err := b.barrier.Write(func() error {
		evicted = b.overlay.Evict(txId)
		return nil
	})
	if err != nil {
		b.log.Errorf("evict tx %s failed, %v", txId.String(), err)
	}
	if evicted {
		prometheusMempoolEvicted.Inc()
		prometheusMempoolSize.Set(float64(b.overlay.Size()))
	}
	return evicted
}

// InvalidateTx 交易被替换或双花，连同后代一起删除
func (b *IndexerMgr) InvalidateTx(txId *chainhash.Hash) []chainhash.Hash {
	var removed []chainhash.Hash
	err := b.barrier.Write(func() error {
		removed = b.overlay.InvalidateConflicting(txId)
		return nil
	})
	if err != nil {
		b.log.Errorf("invalidate tx %s failed, %v", txId.String(), err)
	}
	prometheusTxsInvalidated.Add(float64(len(removed)))
	prometheusMempoolSize.Set(float64(b.overlay.Size()))
	return removed
}

func (b *IndexerMgr) ResetMempool() {
	err := b.barrier.Write(func() error {
		b.overlay.Reset()
		return nil
	})
	if err != nil {
		b.log.Errorf("reset mempool failed, %v", err)
	}
	prometheusMempoolSize.Set(0)
}

// NotifyNewBlock 不阻塞，同步线程会尽快检查新区块
func (b *IndexerMgr) NotifyNewBlock() {
	select {
	case b.blockNotify <- struct{}{}:
	default:
	}
}

func (b *IndexerMgr) StartDaemon(stopChan chan bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := time.NewTicker(b.cfg.Sync.PollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	running := atomic.Bool{}
	lastResync := time.Time{}
	tick := func() {
		if !running.CompareAndSwap(false, true) {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer running.Store(false)
			_, err := b.SyncToChainTip(ctx)
			if err != nil {
				if ctx.Err() == nil {
					b.log.Errorf("SyncToChainTip failed, %v", err)
				}
				return
			}
			if b.cfg.Mempool.Disable {
				return
			}
			if !b.miniMempool.IsRunning() {
				b.miniMempool.Start(ctx)
				lastResync = time.Now()
			} else if time.Since(lastResync) >= b.cfg.Mempool.ResyncInterval {
				if err := b.miniMempool.Resync(ctx); err != nil {
					b.log.Errorf("mempool resync failed, %v", err)
				}
				lastResync = time.Now()
			}
		}()
	}

	tick()
	for {
		select {
		case <-ticker.C:
			tick()
		case <-b.blockNotify:
			tick()
		case <-stopChan:
			b.log.Info("IndexerMgr got SIGINT")
			cancel()
			b.miniMempool.Stop()
			wg.Wait()
			b.Close()
			b.log.Info("IndexerMgr exited.")
			return
		}
	}
}

func (b *IndexerMgr) Close() {
	b.closeOnce.Do(func() {
		b.log.Infof("IndexerMgr->closeDB")
		if b.engine != nil {
			b.engine.Stop()
		}
		if b.db != nil {
			err := b.barrier.Write(b.db.Close)
			if err != nil {
				b.log.Errorf("close db failed, %v", err)
			}
		}
	})
}

// ResetDB 删除全部索引数据，-reset 使用
func (b *IndexerMgr) ResetDB() error {
	kv, err := db.NewKVDB(b.cfg.DB.Type, filepath.Join(b.dbDir, "history"))
	if err != nil {
		return err
	}
	defer kv.Close()
	return kv.DropAll()
}
