package db

import (
	"fmt"

	"github.com/sat20-labs/grouphistory/common"
)

func NewKVDB(dbType, path string) (common.KVDB, error) {
	switch dbType {
	case "", common.DB_TYPE_PEBBLE:
		return NewPebbleDB(path)
	case common.DB_TYPE_LEVELDB:
		return NewLevelDB(path)
	case common.DB_TYPE_MEMORY:
		common.Log.Warnf("using memory db, all data will be lost on exit")
		return NewMemPebbleDB()
	}
	return nil, fmt.Errorf("unsupported db type: %s", dbType)
}

// DumpAll 按key顺序导出全部数据
func DumpAll(db common.KVDB) (map[string][]byte, error) {
	ret := make(map[string][]byte)
	err := db.BatchRead(nil, false, func(k, v []byte) error {
		ret[string(k)] = v
		return nil
	})
	return ret, err
}
