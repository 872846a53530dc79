package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEpochBarrier(t *testing.T) {
	var b EpochBarrier
	var captured uint64
	assert.NoError(t, b.Read(func(epoch uint64) error {
		captured = epoch
		return nil
	}))

	// 写入过程中 epoch 已经推进
	assert.NoError(t, b.Write(func() error {
		assert.NotEqual(t, captured, b.Epoch())
		return nil
	}))
	assert.Equal(t, captured+1, b.Epoch())

	errFail := errors.New("fail")
	assert.ErrorIs(t, b.Write(func() error { return errFail }), errFail)
	assert.Equal(t, captured+2, b.Epoch())
}
