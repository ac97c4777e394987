package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittodds/pkg/dds"
	"github.com/marmos91/dittodds/pkg/qos"
)

func TestReadAndReset(t *testing.T) {
	t.Run("PublicationMatchedDeltasResetOnRead", func(t *testing.T) {
		s := NewWriterStatuses()
		handle := dds.InstanceHandle{1}
		s.AddMatch(handle)

		got := s.PublicationMatched()
		assert.Equal(t, int32(1), got.TotalCount)
		assert.Equal(t, int32(1), got.TotalCountChange)
		assert.Equal(t, int32(1), got.CurrentCount)
		assert.Equal(t, handle, got.LastSubscriptionHandle)

		again := s.PublicationMatched()
		assert.Equal(t, int32(1), again.TotalCount)
		assert.Equal(t, int32(0), again.TotalCountChange)
		assert.Equal(t, int32(0), again.CurrentCountChange)
	})

	t.Run("UnmatchDecrementsCurrentOnly", func(t *testing.T) {
		s := NewWriterStatuses()
		s.AddMatch(dds.InstanceHandle{1})
		s.RemoveMatch(dds.InstanceHandle{1})
		got := s.PublicationMatched()
		assert.Equal(t, int32(1), got.TotalCount)
		assert.Equal(t, int32(0), got.CurrentCount)
	})

	t.Run("IncompatibleQosKeepsFirstPolicyAsLast", func(t *testing.T) {
		s := NewReaderStatuses()
		s.AddIncompatibleQos([]qos.PolicyID{qos.ReliabilityPolicyID, qos.DurabilityPolicyID})
		got := s.RequestedIncompatibleQos()
		assert.Equal(t, int32(1), got.TotalCount)
		assert.Equal(t, qos.ReliabilityPolicyID, got.LastPolicyID)
	})

	t.Run("SampleRejectedCountsExactlyOnce", func(t *testing.T) {
		s := NewReaderStatuses()
		s.AddSampleRejected(RejectedBySamplesLimit, dds.InstanceHandle{2})
		got := s.SampleRejected()
		assert.Equal(t, int32(1), got.TotalCount)
		assert.Equal(t, RejectedBySamplesLimit, got.LastReason)
		assert.Equal(t, int32(0), s.SampleRejected().TotalCountChange)
	})

	t.Run("LivelinessTransitions", func(t *testing.T) {
		s := NewReaderStatuses()
		w := dds.InstanceHandle{3}
		s.LivelinessUp(w)
		s.LivelinessDown(w)
		got := s.LivelinessChanged()
		assert.Equal(t, int32(0), got.AliveCount)
		assert.Equal(t, int32(1), got.NotAliveCount)
	})
}

func TestCondition(t *testing.T) {
	t.Run("RaiseSetsTriggeredBit", func(t *testing.T) {
		c := NewCondition()
		c.Raise(DataAvailable)
		assert.Equal(t, DataAvailable, c.TriggeredStatuses())
		assert.Equal(t, Kind(0), c.TriggeredStatuses())
	})

	t.Run("MaskFiltersRaises", func(t *testing.T) {
		c := NewCondition()
		c.SetEnabledStatuses(SampleLost)
		c.Raise(DataAvailable)
		assert.Equal(t, Kind(0), c.Peek())
		c.Raise(SampleLost)
		assert.Equal(t, SampleLost, c.Peek())
	})

	t.Run("WaitWakesOnRaise", func(t *testing.T) {
		c := NewCondition()
		done := make(chan Kind, 1)
		go func() { done <- c.Wait() }()

		time.Sleep(10 * time.Millisecond)
		c.Raise(SubscriptionMatched)

		select {
		case got := <-done:
			assert.Equal(t, SubscriptionMatched, got)
		case <-time.After(time.Second):
			require.Fail(t, "waiter was not woken")
		}
	})

	t.Run("SampleLostAccumulatesUntilRead", func(t *testing.T) {
		s := NewReaderStatuses()
		s.AddSamplesLost(2)
		s.AddSamplesLost(3)
		got := s.SampleLost()
		assert.Equal(t, int32(5), got.TotalCount)
		assert.Equal(t, int32(5), got.TotalCountChange)
	})
}
