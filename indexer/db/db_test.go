package db

import (
	"fmt"
	"testing"

	"github.com/sat20-labs/grouphistory/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memDBs(t *testing.T) map[string]common.KVDB {
	p, err := NewMemPebbleDB()
	require.NoError(t, err)
	l, err := NewMemLevelDB()
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Close()
		l.Close()
	})
	return map[string]common.KVDB{"pebble": p, "leveldb": l}
}

func fill(t *testing.T, db common.KVDB) {
	wb := db.NewWriteBatch()
	defer wb.Close()
	for _, k := range []string{"a-1", "a-2", "a-3", "b-1", "b-2", "c"} {
		require.NoError(t, wb.Put([]byte(k), []byte("v"+k)))
	}
	require.NoError(t, wb.Flush())
}

func collect(t *testing.T, snap common.Snapshot, prefix, seek string, reverse bool) []string {
	var seekKey []byte
	if seek != "" {
		seekKey = []byte(seek)
	}
	ret := make([]string, 0)
	err := snap.Iterate([]byte(prefix), seekKey, reverse, func(k, v []byte) error {
		assert.Equal(t, "v"+string(k), string(v))
		ret = append(ret, string(k))
		return nil
	})
	require.NoError(t, err)
	return ret
}

func TestSnapshotIterate(t *testing.T) {
	for name, db := range memDBs(t) {
		t.Run(name, func(t *testing.T) {
			fill(t, db)
			snap, err := db.NewSnapshot()
			require.NoError(t, err)
			defer snap.Close()

			assert.Equal(t, []string{"a-1", "a-2", "a-3"}, collect(t, snap, "a-", "", false))
			assert.Equal(t, []string{"a-3", "a-2", "a-1"}, collect(t, snap, "a-", "", true))
			// 正向 seek 包含自身
			assert.Equal(t, []string{"a-2", "a-3"}, collect(t, snap, "a-", "a-2", false))
			// 反向 seek 不包含自身
			assert.Equal(t, []string{"a-1"}, collect(t, snap, "a-", "a-2", true))
			assert.Equal(t, []string{}, collect(t, snap, "a-", "a-1", true))
			assert.Equal(t, []string{"a-3", "a-2", "a-1"}, collect(t, snap, "a-", "a-9", true))
			assert.Equal(t, []string{}, collect(t, snap, "x-", "", true))
			assert.Equal(t, []string{"c", "b-2", "b-1", "a-3", "a-2", "a-1"}, collect(t, snap, "", "", true))
		})
	}
}

func TestSnapshotIsolation(t *testing.T) {
	for name, db := range memDBs(t) {
		t.Run(name, func(t *testing.T) {
			fill(t, db)
			snap, err := db.NewSnapshot()
			require.NoError(t, err)
			defer snap.Close()

			wb := db.NewWriteBatch()
			require.NoError(t, wb.Delete([]byte("a-1")))
			require.NoError(t, wb.Put([]byte("a-4"), []byte("va-4")))
			require.NoError(t, wb.Flush())
			wb.Close()

			v, err := snap.Get([]byte("a-1"))
			require.NoError(t, err)
			assert.Equal(t, "va-1", string(v))
			_, err = snap.Get([]byte("a-4"))
			assert.ErrorIs(t, err, common.ErrKeyNotFound)
			assert.Equal(t, []string{"a-1", "a-2", "a-3"}, collect(t, snap, "a-", "", false))

			_, err = db.Read([]byte("a-1"))
			assert.ErrorIs(t, err, common.ErrKeyNotFound)
		})
	}
}

func TestIterateStop(t *testing.T) {
	for name, db := range memDBs(t) {
		t.Run(name, func(t *testing.T) {
			fill(t, db)
			count := 0
			err := db.BatchRead(nil, false, func(k, v []byte) error {
				count++
				if count == 2 {
					return common.ErrStopIteration
				}
				return nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 2, count)

			err = db.BatchRead(nil, false, func(k, v []byte) error {
				return fmt.Errorf("boom")
			})
			assert.Error(t, err)
		})
	}
}

func TestDropAll(t *testing.T) {
	for name, db := range memDBs(t) {
		t.Run(name, func(t *testing.T) {
			fill(t, db)
			require.NoError(t, db.DropAll())
			all, err := DumpAll(db)
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestNextPrefix(t *testing.T) {
	assert.Equal(t, []byte("a."), nextPrefix([]byte("a-")))
	assert.Equal(t, []byte{0x01}, nextPrefix([]byte{0x00, 0xff}))
	assert.Nil(t, nextPrefix([]byte{0xff, 0xff}))
	assert.Nil(t, nextPrefix(nil))
}
