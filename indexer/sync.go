package indexer

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/sat20-labs/grouphistory/common"
)

var ErrReorgTooDeep = errors.New("reorg deeper than the configured limit")

// 节点调用失败时按配置重试，ctx 取消时立即返回
func (b *IndexerMgr) withRetry(ctx context.Context, call string, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(b.cfg.Sync.RetryAttempts),
		retry.Delay(b.cfg.Sync.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			prometheusRPCRetries.WithLabelValues(call).Inc()
			b.log.Warnf("%s failed (attempt %d), %v", call, n+1, err)
		}),
	)
}

func (b *IndexerMgr) getBlockCount(ctx context.Context) (uint64, error) {
	var count uint64
	err := b.withRetry(ctx, "getblockcount", func() error {
		var err error
		count, err = b.rpc.GetBlockCount()
		return err
	})
	return count, err
}

func (b *IndexerMgr) getBlockHash(ctx context.Context, height uint32) (chainhash.Hash, error) {
	var hash chainhash.Hash
	err := b.withRetry(ctx, "getblockhash", func() error {
		s, err := b.rpc.GetBlockHash(uint64(height))
		if err != nil {
			return err
		}
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		hash = *h
		return nil
	})
	return hash, err
}

func (b *IndexerMgr) getBlock(ctx context.Context, height uint32) (*wire.MsgBlock, error) {
	var block *wire.MsgBlock
	err := b.withRetry(ctx, "getblock", func() error {
		hash, err := b.rpc.GetBlockHash(uint64(height))
		if err != nil {
			return err
		}
		raw, err := b.rpc.GetRawBlock(hash)
		if err != nil {
			return err
		}
		block, err = common.DecodeMsgBlock(raw)
		if err != nil {
			return retry.Unrecoverable(errors.Wrapf(err, "decode block %d", height))
		}
		return nil
	})
	return block, err
}

// 回滚 tip，累计超过最大深度时停止
func (b *IndexerMgr) rollback(height uint32, depth *int) error {
	if *depth >= b.cfg.Sync.MaxReorgDepth {
		return errors.Wrapf(ErrReorgTooDeep, "depth %d at height %d", *depth, height)
	}
	b.log.Warnf("block %d is no longer on the best chain, disconnect it", height)
	if err := b.DisconnectBlock(height); err != nil {
		return err
	}
	*depth++
	return nil
}

// SyncToChainTip 追到节点的 tip，返回连接的区块数。
// 新区块的 PrevBlock 和本地 tip 不一致，或者本地 tip 已经不在节点的主链上时，回滚本地 tip 后重试。
func (b *IndexerMgr) SyncToChainTip(ctx context.Context) (int, error) {
	start := time.Now()
	connected := 0
	depth := 0
	for {
		if err := ctx.Err(); err != nil {
			return connected, err
		}
		chainTip, err := b.getBlockCount(ctx)
		if err != nil {
			return connected, err
		}
		tipHeight, tipHash, hasTip, err := b.index.Tip()
		if err != nil {
			return connected, err
		}

		next := uint64(b.cfg.Sync.StartHeight)
		if hasTip {
			next = uint64(tipHeight) + 1
			if uint64(tipHeight) > chainTip {
				if err := b.rollback(tipHeight, &depth); err != nil {
					return connected, err
				}
				continue
			}
		}

		if next > chainTip {
			if hasTip {
				hash, err := b.getBlockHash(ctx, tipHeight)
				if err != nil {
					return connected, err
				}
				if hash != tipHash {
					if err := b.rollback(tipHeight, &depth); err != nil {
						return connected, err
					}
					continue
				}
			}
			if connected > 0 || depth > 0 {
				b.log.Infof("synced to %d, connected %d, disconnected %d, %v", chainTip, connected, depth, time.Since(start))
			}
			b.synced.Store(true)
			return connected, nil
		}
		b.synced.Store(false)

		for height := next; height <= chainTip; height++ {
			if err := ctx.Err(); err != nil {
				return connected, err
			}
			block, err := b.getBlock(ctx, uint32(height))
			if err != nil {
				return connected, err
			}
			if hasTip && block.Header.PrevBlock != tipHash {
				if err := b.rollback(tipHeight, &depth); err != nil {
					return connected, err
				}
				break
			}
			if err := b.ConnectBlock(uint32(height), block); err != nil {
				return connected, err
			}
			connected++
			hasTip = true
			tipHeight = uint32(height)
			tipHash = block.BlockHash()
		}
	}
}
