package indexer

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btcd/wire"
	"github.com/sat20-labs/grouphistory/common"
	"github.com/sirupsen/logrus"
)

// 内存池同步线程：追上区块后先通过RPC拉取节点的整个mempool，
// 然后通过p2p协议实时接收新交易，定期用RPC对账。
type MiniMemPool struct {
	mgr     *IndexerMgr
	running atomic.Bool
	node    atomic.Pointer[peer.Peer]

	mutex        sync.Mutex // 串行化 RPC 对账
	lastSyncTime time.Time
	wg           sync.WaitGroup
	log          *logrus.Entry
}

func NewMiniMemPool(mgr *IndexerMgr) *MiniMemPool {
	return &MiniMemPool{
		mgr: mgr,
		log: common.GetLoggerEntry(common.ModuleMempool),
	}
}

func (p *MiniMemPool) IsRunning() bool {
	return p.running.Load()
}

// indexer同步到最高区块，再启动
func (p *MiniMemPool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}

	if err := p.Resync(ctx); err != nil {
		p.log.Errorf("initial mempool sync failed, %v", err)
	}

	if p.mgr.cfg.Mempool.P2P {
		port := p.mgr.cfg.Mempool.P2PPort
		if port == "" {
			port = p.mgr.GetChainParam().DefaultPort
		}
		addr := net.JoinHostPort(p.mgr.cfg.ShareRPC.Bitcoin.Host, port)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.listenP2PTx(ctx, addr)
		}()
	}
}

// 数据关闭前，要先停止内存池模块
func (p *MiniMemPool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	if node := p.node.Load(); node != nil {
		node.Disconnect()
	}
	p.wg.Wait()
}

func (p *MiniMemPool) fetchTx(ctx context.Context, txId string) (*wire.MsgTx, error) {
	var tx *wire.MsgTx
	err := p.mgr.withRetry(ctx, "getrawtransaction", func() error {
		raw, err := p.mgr.rpc.GetRawTx(txId)
		if err != nil {
			return err
		}
		tx, err = common.DecodeMsgTx(raw)
		return err
	})
	return tx, err
}

// Resync 和节点的 mempool 对账：节点已经没有的交易删除，新的交易按父在前的顺序加入
func (p *MiniMemPool) Resync(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	start := time.Now()
	var txIds []string
	err := p.mgr.withRetry(ctx, "getrawmempool", func() error {
		var err error
		txIds, err = p.mgr.rpc.GetMemPool()
		return err
	})
	if err != nil {
		return err
	}

	overlay := p.mgr.GetOverlay()
	newMap := make(map[chainhash.Hash]bool, len(txIds))
	add := make([]*wire.MsgTx, 0)
	for _, s := range txIds {
		txId, err := chainhash.NewHashFromStr(s)
		if err != nil {
			p.log.Errorf("invalid txid %s from getrawmempool", s)
			continue
		}
		newMap[*txId] = true
		if overlay.Has(txId) {
			continue
		}
		tx, err := p.fetchTx(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// 可能刚被确认或者被替换
			p.log.Warnf("GetRawTx %s failed, %v", s, err)
			continue
		}
		add = append(add, tx)
	}

	deleted := 0
	for _, txId := range overlay.TxIds() {
		if newMap[txId] {
			continue
		}
		if p.mgr.EvictTx(&txId) {
			deleted++
		}
	}

	added := 0
	for _, tx := range sortByDependency(add) {
		_, ok, err := p.mgr.AcceptTx(tx)
		if err != nil {
			p.log.Errorf("accept tx %s failed, %v", tx.TxHash().String(), err)
			continue
		}
		if ok {
			added++
		}
	}

	p.lastSyncTime = time.Now()
	p.log.Infof("resync mempool, node size %d, added %d, deleted %d, overlay size %d, %v",
		len(txIds), added, deleted, overlay.Size(), time.Since(start))
	return nil
}

// 父交易排在花费它输出的子交易之前，子交易的输入才能解析出 group
func sortByDependency(txs []*wire.MsgTx) []*wire.MsgTx {
	byId := make(map[chainhash.Hash]*wire.MsgTx, len(txs))
	for _, tx := range txs {
		byId[tx.TxHash()] = tx
	}
	visited := make(map[chainhash.Hash]bool, len(txs))
	ret := make([]*wire.MsgTx, 0, len(txs))
	var visit func(tx *wire.MsgTx)
	visit = func(tx *wire.MsgTx) {
		txId := tx.TxHash()
		if visited[txId] {
			return
		}
		visited[txId] = true
		for _, txIn := range tx.TxIn {
			if parent, ok := byId[txIn.PreviousOutPoint.Hash]; ok {
				visit(parent)
			}
		}
		ret = append(ret, tx)
	}
	for _, tx := range txs {
		visit(tx)
	}
	return ret
}

// 接受p2p的消息
func (p *MiniMemPool) listenP2PTx(ctx context.Context, addr string) {
	for p.running.Load() {
		cfg := &peer.Config{
			UserAgentName:    "GroupHistory",
			UserAgentVersion: common.GROUPHISTORY_VERSION,
			ChainParams:      p.mgr.GetChainParam(),
			Listeners: peer.MessageListeners{
				OnTx: func(_ *peer.Peer, msg *wire.MsgTx) {
					if !p.running.Load() {
						return
					}
					p.log.Debugf("OnTx %s", msg.TxHash().String())
					if _, _, err := p.mgr.AcceptTx(msg); err != nil {
						p.log.Warnf("accept p2p tx %s failed, %v", msg.TxHash().String(), err)
					}
				},
				OnInv: func(peer *peer.Peer, msg *wire.MsgInv) {
					if !p.running.Load() {
						return
					}
					var getDataMsg wire.MsgGetData
					for _, inv := range msg.InvList {
						switch inv.Type {
						case wire.InvTypeTx, wire.InvTypeWitnessTx:
							if p.mgr.GetOverlay().Has(&inv.Hash) {
								continue
							}
							getDataMsg.AddInvVect(wire.NewInvVect(wire.InvTypeWitnessTx, &inv.Hash))
						case wire.InvTypeBlock, wire.InvTypeWitnessBlock:
							// 区块通过RPC同步，保证按顺序连接
							p.log.Infof("OnInv block %s", inv.Hash.String())
							p.mgr.NotifyNewBlock()
						}
					}
					if len(getDataMsg.InvList) > 0 {
						peer.QueueMessage(&getDataMsg, nil)
					}
				},
			},
		}
		outBoundPeer, err := peer.NewOutboundPeer(cfg, addr)
		if err != nil {
			p.log.Errorf("NewOutboundPeer error: %v", err)
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			p.log.Errorf("Dial P2P error: %v", err)
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}
		outBoundPeer.AssociateConnection(conn)
		p.log.Infof("Connected to P2P node: %s", addr)
		p.node.Store(outBoundPeer)

		// 等待断开
		done := make(chan struct{})
		go func() {
			outBoundPeer.WaitForDisconnect()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			outBoundPeer.Disconnect()
			return
		}
		p.log.Warnf("Disconnected from P2P node: %s, will reconnect...", addr)
		if !sleepCtx(ctx, 5*time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
