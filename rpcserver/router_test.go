package rpcserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/sat20-labs/grouphistory/common"
	"github.com/sat20-labs/grouphistory/config"
	"github.com/sat20-labs/grouphistory/indexer"
	"github.com/sat20-labs/grouphistory/indexer/chaintest"
	rpcwire "github.com/sat20-labs/grouphistory/rpcserver/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router *gin.Engine
	mgr    *indexer.IndexerMgr
	cb     *wire.MsgTx
	txs    []*wire.MsgTx
}

func newTestServer(t *testing.T, apiConf *config.API) *testServer {
	chain := chaintest.NewChain(100)
	outs := make([]*wire.TxOut, 0)
	for i := 0; i < 3; i++ {
		outs = append(outs, chaintest.Out(5000, chaintest.Script(1)))
	}
	cb := chaintest.Coinbase(1, outs...)
	chain.NextBlock(cb)
	txs := make([]*wire.MsgTx, 0)
	for i := 0; i < 2; i++ {
		tx := chaintest.Spend([]wire.OutPoint{chaintest.OutPoint(cb, uint32(i))}, chaintest.Out(4000, chaintest.Script(2)))
		chain.NextBlock(chaintest.Coinbase(uint32(i+2), chaintest.Out(50, chaintest.Script(9))), tx)
		txs = append(txs, tx)
	}

	cfg := config.NewDefaultYamlConf(common.ChainRegtest)
	cfg.DB.Type = common.DB_TYPE_MEMORY
	cfg.Sync.StartHeight = 100
	cfg.Sync.RetryDelay = time.Millisecond
	mgr := indexer.NewIndexerMgr(cfg, chaintest.NewFakeRPC(chain))
	require.NoError(t, mgr.Init())
	t.Cleanup(mgr.Close)
	_, err := mgr.SyncToChainTip(context.Background())
	require.NoError(t, err)

	// 一个未确认交易
	pending := chaintest.Spend([]wire.OutPoint{chaintest.OutPoint(cb, 2)}, chaintest.Out(4000, chaintest.Script(2)))
	_, added, err := mgr.AcceptTx(pending)
	require.NoError(t, err)
	require.True(t, added)
	txs = append(txs, pending)

	rpc := NewRpc(mgr, 10)
	router, err := rpc.NewRouter("/regtest", nil, apiConf)
	require.NoError(t, err)
	return &testServer{router: router, mgr: mgr, cb: cb, txs: txs}
}

func (s *testServer) get(t *testing.T, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func scriptPath(n byte) string {
	return "/regtest/history/script/" + hex.EncodeToString(chaintest.Script(n))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.get(t, "/regtest/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp rpcwire.HealthStatusResp
	decode(t, w, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, uint32(102), resp.Height)
	assert.Equal(t, 1, resp.MempoolSize)
	assert.Equal(t, "max-age=31536000; includeSubDomains; preload", w.Header().Get(STRICT_TRANSPORT_SECURITY))
}

func TestHistoryPaging(t *testing.T) {
	s := newTestServer(t, nil)

	got := make([]string, 0)
	cursor := ""
	for i := 0; i < 10; i++ {
		path := scriptPath(2) + "?limit=1"
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		w := s.get(t, path, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp rpcwire.HistoryResp
		decode(t, w, &resp)
		require.Equal(t, 0, resp.Code)
		require.Len(t, resp.Data.Entries, 1)
		got = append(got, resp.Data.Entries[0].TxId)
		cursor = resp.Data.NextCursor
		if cursor == "" {
			break
		}
	}
	assert.Equal(t, []string{
		s.txs[2].TxHash().String(),
		s.txs[1].TxHash().String(),
		s.txs[0].TxHash().String(),
	}, got)

	w := s.get(t, scriptPath(2)+"?order=asc&detail=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp rpcwire.HistoryResp
	decode(t, w, &resp)
	require.Len(t, resp.Data.Entries, 3)
	assert.Equal(t, "asc", resp.Data.Order)
	first := resp.Data.Entries[0]
	assert.Equal(t, s.txs[0].TxHash().String(), first.TxId)
	assert.True(t, first.Confirmed)
	assert.Equal(t, uint32(101), first.Height)
	require.NotNil(t, first.Tx)
	require.Len(t, first.Tx.Inputs, 1)
	assert.True(t, first.Tx.Inputs[0].Resolved)
	assert.Equal(t, int64(5000), first.Tx.Inputs[0].Value)
	last := resp.Data.Entries[2]
	assert.False(t, last.Confirmed)
	assert.NotZero(t, last.Seq)
	assert.Empty(t, resp.Data.NextCursor)
}

func TestHistoryErrors(t *testing.T) {
	s := newTestServer(t, nil)

	cases := []struct {
		path   string
		status int
		code   int
	}{
		{scriptPath(2) + "?cursor=garbage", http.StatusBadRequest, -2},
		{scriptPath(2) + "?limit=-1", http.StatusBadRequest, -1},
		{scriptPath(2) + "?order=sideways", http.StatusBadRequest, -1},
		{"/regtest/history/unknown/abcd", http.StatusBadRequest, -1},
		{"/regtest/history/address/notanaddress", http.StatusBadRequest, -1},
		{"/regtest/history/token/abcd", http.StatusBadRequest, -1},
		{"/regtest/tx/zz", http.StatusBadRequest, -1},
		{"/regtest/tx/" + chainhash.DoubleHashH([]byte("missing")).String(), http.StatusNotFound, -3},
	}
	for _, c := range cases {
		w := s.get(t, c.path, nil)
		assert.Equal(t, c.status, w.Code, c.path)
		var resp rpcwire.BaseResp
		decode(t, w, &resp)
		assert.Equal(t, c.code, resp.Code, c.path)
		assert.NotEmpty(t, resp.Msg)
	}

	// 没有记录的 group 返回空页
	w := s.get(t, scriptPath(7), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp rpcwire.HistoryResp
	decode(t, w, &resp)
	assert.Empty(t, resp.Data.Entries)
}

func TestGetTx(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.get(t, "/regtest/tx/"+s.cb.TxHash().String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp rpcwire.TxResp
	decode(t, w, &resp)
	require.NotNil(t, resp.Data)
	assert.True(t, resp.Data.Status.Confirmed)
	assert.Equal(t, uint32(100), resp.Data.Status.Height)
	require.Len(t, resp.Data.Outputs, 3)
	// 前两个输出已确认花费，第三个被内存池交易花费
	require.NotNil(t, resp.Data.Outputs[0].SpentBy)
	assert.False(t, resp.Data.Outputs[0].SpentBy.Pending)
	require.NotNil(t, resp.Data.Outputs[2].SpentBy)
	assert.True(t, resp.Data.Outputs[2].SpentBy.Pending)
	assert.Equal(t, s.txs[2].TxHash().String(), resp.Data.Outputs[2].SpentBy.TxId)

	w = s.get(t, "/regtest/tx/"+s.txs[2].TxHash().String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	assert.False(t, resp.Data.Status.Confirmed)
	assert.NotZero(t, resp.Data.Status.Seq)
}

func TestCompression(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.get(t, scriptPath(2), map[string]string{"Accept-Encoding": "gzip"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	reader, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	var resp rpcwire.HistoryResp
	require.NoError(t, json.NewDecoder(reader).Decode(&resp))
	assert.Len(t, resp.Data.Entries, 3)

	w = s.get(t, scriptPath(2), map[string]string{"Accept-Encoding": "br, gzip"})
	assert.Equal(t, "br", w.Header().Get("Content-Encoding"))

	w = s.get(t, scriptPath(2), nil)
	assert.Empty(t, w.Header().Get("Content-Encoding"))

	w = s.get(t, "/regtest/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "grouphistory_indexer_blocks_connected")
}

func TestApiKey(t *testing.T) {
	s := newTestServer(t, &config.API{
		APIKeyList: map[string]*config.APIKey{
			"secret": {UserName: "tester", RateLimit: &config.RateLimit{PerSecond: 100, PerDay: 2, Max: 100, Burst: 100}},
		},
		NoLimitApiList: []string{"/health"},
	})

	w := s.get(t, "/regtest/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.get(t, scriptPath(2), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	auth := map[string]string{"Authorization": "secret"}
	assert.Equal(t, http.StatusOK, s.get(t, scriptPath(2), auth).Code)
	assert.Equal(t, http.StatusOK, s.get(t, scriptPath(2), auth).Code)
	// 超过每日次数
	assert.Equal(t, http.StatusTooManyRequests, s.get(t, scriptPath(2), auth).Code)
}
