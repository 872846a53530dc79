package bitcoin_rpc

// BitcoinRPC 同步区块和内存池所需的节点接口
type BitcoinRPC interface {
	GetRawTx(txid string) (string, error)

	GetBlockCount() (uint64, error)
	GetBestBlockHash() (string, error)
	GetBlockHash(height uint64) (string, error)
	GetRawBlock(blockHash string) (string, error)

	GetMemPool() (txId []string, err error)
}

var ShareBitconRpc BitcoinRPC
