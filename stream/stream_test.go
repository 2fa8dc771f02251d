package stream_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecjit/vecjit/stream"
)

func TestActiveFailsBeforeDeviceSet(t *testing.T) {
	m := stream.New(1)
	_, err := m.Active()
	assert.Error(t, err)
}

func TestDeviceSetMakesStreamActive(t *testing.T) {
	m := stream.New(1)
	s, err := m.DeviceSet(-1, 0)
	require.NoError(t, err)
	assert.Equal(t, stream.CPU, s.Backend)

	active, err := m.Active()
	require.NoError(t, err)
	assert.Same(t, s, active)
}

func TestDeviceSetRejectsOutOfRangeDevice(t *testing.T) {
	m := stream.New(1)
	_, err := m.DeviceSet(5, 0)
	assert.Error(t, err)
}

func TestDeviceSetReusesExistingStream(t *testing.T) {
	m := stream.New(1)
	s1, err := m.DeviceSet(0, 3)
	require.NoError(t, err)
	s2, err := m.DeviceSet(0, 3)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, stream.CUDA, s1.Backend)
}

func TestEnqueueDedupesAndRemoveDrops(t *testing.T) {
	m := stream.New(1)
	s, err := m.DeviceSet(-1, 0)
	require.NoError(t, err)

	s.Enqueue(1)
	s.Enqueue(2)
	s.Enqueue(1) // duplicate, ignored

	assert.Equal(t, []uint32{1, 2}, s.Todo())

	s.Remove(1)
	assert.Equal(t, []uint32{2}, s.Todo())
}

func TestSyncWithoutEventIsNoop(t *testing.T) {
	m := stream.New(1)
	s, err := m.DeviceSet(-1, 0)
	require.NoError(t, err)
	assert.NotPanics(t, func() { s.Sync() })
}

func TestSyncWaitsOnRecordedEvent(t *testing.T) {
	m := stream.New(1)
	s, err := m.DeviceSet(-1, 0)
	require.NoError(t, err)

	ev := &fakeEvent{}
	s.RecordEvent(ev)
	s.Sync()
	assert.True(t, ev.waited)
}

func TestStreamsOnDevice(t *testing.T) {
	m := stream.New(2)
	_, err := m.DeviceSet(0, 0)
	require.NoError(t, err)
	_, err = m.DeviceSet(0, 1)
	require.NoError(t, err)
	_, err = m.DeviceSet(1, 0)
	require.NoError(t, err)

	assert.Len(t, m.StreamsOnDevice(0), 2)
	assert.Len(t, m.StreamsOnDevice(1), 1)
}

type fakeEvent struct{ waited bool }

func (e *fakeEvent) Wait() { e.waited = true }
