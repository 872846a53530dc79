package main

import (
	"github.com/sat20-labs/grouphistory/common"
	"github.com/sat20-labs/grouphistory/config"
	"github.com/sat20-labs/grouphistory/indexer"
	"github.com/sat20-labs/grouphistory/rpcserver"
	"github.com/sat20-labs/grouphistory/share/bitcoin_rpc"
)

func init() {
	config.InitSigInt()
}

func main() {
	params := ParseCmdParams()

	yamlcfg := config.InitConfig(params.env)
	if yamlcfg == nil {
		common.Log.Error("load config failed")
		return
	}
	if err := config.InitLog(yamlcfg); err != nil {
		common.Log.Error(err)
		return
	}

	common.Log.Info("Starting...")
	defer func() {
		config.ReleaseRes()
		common.Log.Info("shut down")
	}()

	err := InitRpc(yamlcfg)
	if err != nil {
		common.Log.Error(err)
		return
	}

	indexerMgr := indexer.NewIndexerMgr(yamlcfg, bitcoin_rpc.ShareBitconRpc)
	if params.reset {
		if err := indexerMgr.ResetDB(); err != nil {
			common.Log.Error(err)
			return
		}
		common.Log.Info("history db removed")
	}
	if err := indexerMgr.Init(); err != nil {
		common.Log.Error(err)
		return
	}

	_, err = InitRpcService(yamlcfg, indexerMgr)
	if err != nil {
		common.Log.Error(err)
		indexerMgr.Close()
		return
	}

	stopChan := make(chan bool)
	cb := func() {
		common.Log.Info("handle SIGINT for close indexer")
		stopChan <- true
	}
	config.RegistSigIntFunc(cb)
	common.Log.Info("indexer start...")
	indexerMgr.StartDaemon(stopChan)

	common.Log.Info("prepare to release resource...")
}

func InitRpcService(conf *config.YamlConf, indexerMgr *indexer.IndexerMgr) (*rpcserver.Rpc, error) {
	rpcService := conf.RPCService
	rpc := rpcserver.NewRpc(indexerMgr, conf.Query.DefaultPageSize)
	err := rpc.Start(rpcService.Addr, rpcService.Proxy, rpcService.LogPath, &rpcService.API)
	if err != nil {
		return rpc, err
	}
	common.Log.Infof("rpc started at %s", rpcService.Addr)
	return rpc, nil
}

func InitRpc(conf *config.YamlConf) error {
	bitcoin := conf.ShareRPC.Bitcoin
	return bitcoin_rpc.InitBitconRpc(
		bitcoin.Host,
		bitcoin.Port,
		bitcoin.User,
		bitcoin.Password,
		false,
	)
}
