package common

const (
	DEFAULT_PAGE_SIZE = 25
	MAX_PAGE_SIZE     = 200

	// 超过这个深度的回滚不自动处理
	MAX_REORG_DEPTH = 100

	DB_TYPE_PEBBLE  = "pebble"
	DB_TYPE_LEVELDB = "leveldb"
	DB_TYPE_MEMORY  = "memory"

	// "GHIS"
	DEFAULT_TOKEN_PREFIX = "47484953"
)

var CHAIN string = "mainnet"
