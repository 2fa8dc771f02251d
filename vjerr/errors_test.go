package vjerr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vecjit/vecjit/vjerr"
)

func TestRecoverable(t *testing.T) {
	err := vjerr.Recoverable("bad size %d", 7)
	assert.EqualError(t, err, "bad size 7")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, vjerr.Wrap(nil, "context"))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := vjerr.Recoverable("root cause")
	wrapped := vjerr.Wrap(cause, "while doing X")
	assert.ErrorContains(t, wrapped, "while doing X")
	assert.ErrorContains(t, wrapped, "root cause")
}

func TestFatalPanicsAndRecovers(t *testing.T) {
	defer func() {
		r := recover()
		assert.NotNil(t, r)
		err := vjerr.Recover(r)
		assert.ErrorContains(t, err, "invariant violated")
	}()
	vjerr.Fatal("invariant violated: %s", "id 7 missing")
}

func TestRecoverRepanicsOnForeignPanic(t *testing.T) {
	defer func() {
		r := recover()
		assert.Equal(t, "not a fatalPanic", r)
	}()
	func() {
		defer func() {
			r := recover()
			vjerr.Recover(r)
		}()
		panic("not a fatalPanic")
	}()
}

func TestWarningsAggregate(t *testing.T) {
	var w vjerr.Warnings
	assert.NoError(t, w.Err())
	assert.Equal(t, 0, w.Len())

	w.Addf("leaked variable %d", 1)
	w.Addf("leaked variable %d", 2)

	assert.Equal(t, 2, w.Len())
	assert.ErrorContains(t, w.Err(), "leaked variable 1")
	assert.ErrorContains(t, w.Err(), "leaked variable 2")
}
