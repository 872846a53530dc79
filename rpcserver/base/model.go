package base

import (
	"context"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sat20-labs/grouphistory/common"
	"github.com/sat20-labs/grouphistory/indexer"
	"github.com/sat20-labs/grouphistory/indexer/query"
	"github.com/sat20-labs/grouphistory/rpcserver/wire"
)

// Indexer 由 indexer.IndexerMgr 实现
type Indexer interface {
	GetEngine() *query.Engine
	GetChainParam() *chaincfg.Params
	Status() (*indexer.Status, error)
}

type Model struct {
	indexer         Indexer
	defaultPageSize int
}

func NewModel(i Indexer, defaultPageSize int) *Model {
	if defaultPageSize <= 0 {
		defaultPageSize = common.DEFAULT_PAGE_SIZE
	}
	return &Model{
		indexer:         i,
		defaultPageSize: defaultPageSize,
	}
}

func (s *Model) getHistory(ctx context.Context, kind, value string, req *wire.HistoryReq) (*wire.HistoryData, error) {
	group, err := common.ParseGroupKey(kind, value, s.indexer.GetChainParam())
	if err != nil {
		return nil, err
	}
	cursor, err := query.ParseCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	order, err := common.ParseOrder(req.Order)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit == 0 {
		limit = s.defaultPageSize
	}

	page, err := s.indexer.GetEngine().GetHistory(ctx, &query.HistoryRequest{
		Group:    group,
		Cursor:   cursor,
		PageSize: limit,
		Detail:   req.Detail,
		Order:    order,
	})
	if err != nil {
		return nil, err
	}

	ret := &wire.HistoryData{
		Group:      page.Group.String(),
		Order:      page.Order.String(),
		Flagged:    page.Flagged,
		Entries:    make([]*wire.HistoryEntry, 0, len(page.Entries)),
		NextCursor: query.FormatCursor(page.NextCursor),
	}
	for _, e := range page.Entries {
		entry := &wire.HistoryEntry{
			TxId:      e.Ref.TxId.String(),
			Confirmed: e.Ref.Confirmed,
			Height:    e.Ref.Height,
			TxIndex:   e.Ref.TxIndex,
			Seq:       e.Ref.Seq,
			Direction: e.Ref.Direction.String(),
		}
		if e.View != nil {
			entry.Tx = toTxView(e.View)
		}
		ret.Entries = append(ret.Entries, entry)
	}
	return ret, nil
}

func (s *Model) getTx(ctx context.Context, txid string) (*wire.TxView, error) {
	txId, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, common.InvalidArgument("invalid txid %s", txid)
	}
	view, err := s.indexer.GetEngine().GetTransaction(ctx, txId)
	if err != nil {
		return nil, err
	}
	return toTxView(view), nil
}

func toSpendRef(ref *common.SpendRef) *wire.SpendRef {
	if ref == nil {
		return nil
	}
	return &wire.SpendRef{
		TxId:    ref.TxId.String(),
		Pending: ref.Pending,
		Height:  ref.Height,
		TxIndex: ref.TxIndex,
	}
}

func toTxView(view *common.TxView) *wire.TxView {
	ret := &wire.TxView{
		TxId: view.TxId.String(),
		Status: wire.TxStatus{
			Confirmed: view.Status.Confirmed,
			Height:    view.Status.Height,
			TxIndex:   view.Status.TxIndex,
			Seq:       view.Status.Seq,
		},
		Inputs:  make([]*wire.TxInput, 0, len(view.Inputs)),
		Outputs: make([]*wire.TxOutput, 0, len(view.Outputs)),
	}
	if view.Status.Confirmed {
		ret.Status.BlockHash = view.Status.BlockHash.String()
	}
	for _, in := range view.Inputs {
		input := &wire.TxInput{
			PrevTxId: in.PrevTxId.String(),
			PrevVout: in.PrevVout,
			Coinbase: in.Coinbase,
			Resolved: in.Resolved,
			Value:    in.Value,
			SpentBy:  toSpendRef(in.SpentBy),
		}
		if in.Resolved {
			input.Script = hex.EncodeToString(in.Script)
		}
		ret.Inputs = append(ret.Inputs, input)
	}
	for _, out := range view.Outputs {
		ret.Outputs = append(ret.Outputs, &wire.TxOutput{
			Vout:    out.Vout,
			Value:   out.Value,
			Script:  hex.EncodeToString(out.Script),
			SpentBy: toSpendRef(out.SpentBy),
		})
	}
	return ret
}
