package bitcoin_rpc

import (
	"fmt"

	"github.com/OLProtocol/go-bitcoind"
)

func InitBitconRpc(host string, port int, user, passwd string, useSSL bool) error {
	rpc, err := bitcoind.New(
		host,
		port,
		user,
		passwd,
		useSSL,
		120,
	)
	if err != nil {
		return err
	}
	ShareBitconRpc = &BitcoindRPC{
		bitcoind: rpc,
	}
	return nil
}

type BitcoindRPC struct {
	bitcoind *bitcoind.Bitcoind
}

func (p *BitcoindRPC) GetRawTx(txid string) (string, error) {
	resp, err := p.bitcoind.GetRawTransaction(txid, false)
	if err != nil {
		return "", err
	}
	ret, ok := resp.(string)
	if !ok {
		return "", fmt.Errorf("invalid string type")
	}
	return ret, nil
}

func (p *BitcoindRPC) GetBlockCount() (uint64, error) {
	return p.bitcoind.GetBlockCount()
}

func (p *BitcoindRPC) GetBestBlockHash() (string, error) {
	return p.bitcoind.GetBestBlockhash()
}

func (p *BitcoindRPC) GetRawBlock(blockHash string) (string, error) {
	return p.bitcoind.GetRawBlock(blockHash)
}

func (p *BitcoindRPC) GetBlockHash(height uint64) (string, error) {
	return p.bitcoind.GetBlockHash(height)
}

func (p *BitcoindRPC) GetMemPool() ([]string, error) {
	return p.bitcoind.GetRawMempool()
}
