package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecjit/vecjit/registry"
)

const domainX = "X"

// S5: i=put("X", ptrA); j=put("X", ptrB); remove(ptrA); k=put("X", ptrC)
// => k == i (lowest free id reused).
func TestPutRemovePutReusesLowestFreeID(t *testing.T) {
	r := registry.New()
	var ptrA, ptrB, ptrC uintptr = 0x1000, 0x2000, 0x3000

	i, err := r.Put(domainX, ptrA)
	require.NoError(t, err)
	_, err = r.Put(domainX, ptrB)
	require.NoError(t, err)

	require.NoError(t, r.Remove(ptrA))

	k, err := r.Put(domainX, ptrC)
	require.NoError(t, err)
	assert.Equal(t, i, k)
}

func TestPutZeroPointerReturnsZero(t *testing.T) {
	r := registry.New()
	id, err := r.Put(domainX, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), id)
}

func TestDoubleRegistrationFails(t *testing.T) {
	r := registry.New()
	_, err := r.Put(domainX, 0x42)
	require.NoError(t, err)
	_, err = r.Put(domainX, 0x42)
	assert.Error(t, err)
}

func TestGetDomainAndGetPtrRoundTrip(t *testing.T) {
	r := registry.New()
	id, err := r.Put(domainX, 0x99)
	require.NoError(t, err)

	dom, err := r.GetDomain(0x99)
	require.NoError(t, err)
	assert.Equal(t, domainX, dom)

	ptr, err := r.GetPtr(domainX, id)
	require.NoError(t, err)
	assert.EqualValues(t, 0x99, ptr)
}

func TestGetMaxTracksDenseUpperBound(t *testing.T) {
	r := registry.New()
	assert.EqualValues(t, 0, r.GetMax(domainX))

	_, err := r.Put(domainX, 0x1)
	require.NoError(t, err)
	_, err = r.Put(domainX, 0x2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, r.GetMax(domainX))
}

func TestTrimTruncatesTrailingReleasedSlots(t *testing.T) {
	r := registry.New()
	_, err := r.Put(domainX, 0x1)
	require.NoError(t, err)
	id2, err := r.Put(domainX, 0x2)
	require.NoError(t, err)

	require.NoError(t, r.Remove(0x2))
	_ = id2
	r.Trim()
	assert.EqualValues(t, 1, r.GetMax(domainX))
}

const domainY = "Y"

func TestDomainsAreIndependent(t *testing.T) {
	r := registry.New()
	idX, err := r.Put(domainX, 0xA)
	require.NoError(t, err)
	idY, err := r.Put(domainY, 0xB)
	require.NoError(t, err)

	// Each domain keeps its own dense id sequence starting at 1.
	assert.EqualValues(t, 1, idX)
	assert.EqualValues(t, 1, idY)

	domX, err := r.GetDomain(0xA)
	require.NoError(t, err)
	domY, err := r.GetDomain(0xB)
	require.NoError(t, err)
	assert.Equal(t, domainX, domX)
	assert.Equal(t, domainY, domY)
}

func TestPointersEnumeratesLiveRegistrations(t *testing.T) {
	r := registry.New()
	_, err := r.Put(domainX, 0x1)
	require.NoError(t, err)
	_, err = r.Put(domainX, 0x2)
	require.NoError(t, err)

	assert.ElementsMatch(t, []uintptr{0x1, 0x2}, r.Pointers())
}
