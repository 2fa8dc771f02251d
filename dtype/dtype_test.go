package dtype_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vecjit/vecjit/dtype"
)

func TestTypeSize(t *testing.T) {
	cases := map[dtype.Type]uint32{
		dtype.Int8:    1,
		dtype.UInt8:   1,
		dtype.Int16:   2,
		dtype.Float32: 4,
		dtype.Int64:   8,
		dtype.Float64: 8,
		dtype.Pointer: 8,
		dtype.Invalid: 0,
	}
	for typ, want := range cases {
		assert.Equal(t, want, typ.Size(), "type %s", typ)
	}
}

func TestTypeClassification(t *testing.T) {
	assert.True(t, dtype.Int32.IsIntegral())
	assert.False(t, dtype.Float32.IsIntegral())
	assert.True(t, dtype.Float64.IsFloatingPoint())
	assert.True(t, dtype.Int8.IsArithmetic())
	assert.False(t, dtype.Bool.IsArithmetic())
	assert.True(t, dtype.Bool.IsMask())
	assert.False(t, dtype.Pointer.IsMask())
}

func TestTypeStringUnknown(t *testing.T) {
	assert.Equal(t, "i32", dtype.Int32.String())
	assert.Contains(t, dtype.Type(999).String(), "dtype(")
}

func TestAllocFlavorIsDeviceFlavor(t *testing.T) {
	assert.False(t, dtype.Host.IsDeviceFlavor())
	assert.True(t, dtype.HostPinned.IsDeviceFlavor())
	assert.True(t, dtype.Device.IsDeviceFlavor())
	assert.True(t, dtype.Managed.IsDeviceFlavor())
	assert.True(t, dtype.ManagedReadMostly.IsDeviceFlavor())
}

func TestReductionOpString(t *testing.T) {
	assert.Equal(t, "add", dtype.Add.String())
	assert.Equal(t, "or", dtype.Or.String())
	assert.Contains(t, dtype.ReductionOp(999).String(), "reduce(")
}
