package participant

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittodds/internal/endpoint/reader"
	"github.com/marmos91/dittodds/internal/endpoint/writer"
	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/pkg/dds"
	"github.com/marmos91/dittodds/pkg/history"
	"github.com/marmos91/dittodds/pkg/qos"
)

// ============================================================================
// In-Memory Transport
// ============================================================================

// memoryHub is a broadcast bus standing in for the UDP network: every
// frame sent by one transport is delivered to all the others.
type memoryHub struct {
	mu    sync.Mutex
	ports []*memoryTransport
}

type memoryTransport struct {
	hub    *memoryHub
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

func newHub() *memoryHub { return &memoryHub{} }

func (h *memoryHub) newTransport() *memoryTransport {
	t := &memoryTransport{
		hub:    h,
		inbox:  make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.ports = append(h.ports, t)
	h.mu.Unlock()
	return t
}

func (t *memoryTransport) Send(frame []byte, destinations []rtps.Locator) error {
	if len(destinations) == 0 {
		return nil
	}
	t.hub.mu.Lock()
	peers := append([]*memoryTransport(nil), t.hub.ports...)
	t.hub.mu.Unlock()
	for _, p := range peers {
		if p == t {
			continue
		}
		select {
		case p.inbox <- append([]byte(nil), frame...):
		default:
		}
	}
	return nil
}

func (t *memoryTransport) Recv() (rtps.Locator, []byte, error) {
	select {
	case frame := <-t.inbox:
		return rtps.Locator{}, frame, nil
	case <-t.closed:
		return rtps.Locator{}, nil, errors.New("transport closed")
	}
}

func (t *memoryTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func fastConfig() Config {
	cfg := DefaultConfig(0)
	cfg.TickInterval = 10 * time.Millisecond
	cfg.Discovery.ResendPeriod = 50 * time.Millisecond
	// The memory hub broadcasts, but proxies still need a non-empty
	// destination list for flights to be emitted.
	cfg.MetatrafficUnicast = []rtps.Locator{rtps.NewUDPv4Locator(7410, 127, 0, 0, 1)}
	cfg.DefaultUnicast = []rtps.Locator{rtps.NewUDPv4Locator(7411, 127, 0, 0, 1)}
	return cfg
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Fail(t, msg)
}

// newPair spins up two enabled participants on one hub.
func newPair(t *testing.T) (*Participant, *Participant) {
	t.Helper()
	hub := newHub()
	p1 := New(fastConfig(), hub.newTransport())
	p2 := New(fastConfig(), hub.newTransport())
	require.NoError(t, p1.Enable())
	require.NoError(t, p2.Enable())
	return p1, p2
}

func cleanup(t *testing.T, entities ...interface{ Delete() error }) {
	t.Helper()
	for _, e := range entities {
		assert.NoError(t, e.Delete())
	}
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestParticipantLifecycle(t *testing.T) {
	t.Run("WriteBeforeEnableFails", func(t *testing.T) {
		hub := newHub()
		p := New(fastConfig(), hub.newTransport())
		topic, err := p.CreateTopic("Telemetry", BytesTypeSupport{})
		require.NoError(t, err)
		pub, err := p.CreatePublisher(qos.PublisherQos{})
		require.NoError(t, err)
		dw, err := pub.CreateDataWriter(topic, qos.DefaultDataWriterQos(), writer.DefaultConfig())
		require.NoError(t, err)

		assert.ErrorIs(t, dw.Write([]byte{1}), dds.ErrNotEnabled)

		cleanup(t, dw, pub)
		require.NoError(t, p.Enable())
		require.NoError(t, p.Delete())
	})

	t.Run("DeleteWithChildrenFails", func(t *testing.T) {
		hub := newHub()
		p := New(fastConfig(), hub.newTransport())
		require.NoError(t, p.Enable())
		pub, err := p.CreatePublisher(qos.PublisherQos{})
		require.NoError(t, err)

		assert.ErrorIs(t, p.Delete(), dds.ErrPreconditionNotMet)
		cleanup(t, pub)
		require.NoError(t, p.Delete())
		assert.ErrorIs(t, p.Delete(), dds.ErrAlreadyDeleted)
	})

	t.Run("RegistryTracksParticipants", func(t *testing.T) {
		hub := newHub()
		p := New(fastConfig(), hub.newTransport())
		got, ok := Lookup(p.Guid().Prefix)
		require.True(t, ok)
		assert.Same(t, p, got)
		require.NoError(t, p.Enable())
		require.NoError(t, p.Delete())
		_, ok = Lookup(p.Guid().Prefix)
		assert.False(t, ok)
	})

	t.Run("InconsistentQosRejectedAtCreate", func(t *testing.T) {
		hub := newHub()
		p := New(fastConfig(), hub.newTransport())
		require.NoError(t, p.Enable())
		topic, _ := p.CreateTopic("Telemetry", BytesTypeSupport{})
		pub, _ := p.CreatePublisher(qos.PublisherQos{})

		bad := qos.DefaultDataWriterQos()
		bad.History = qos.History{Kind: qos.KeepLast, Depth: 10}
		bad.ResourceLimits.MaxSamplesPerInstance = 5
		_, err := pub.CreateDataWriter(topic, bad, writer.DefaultConfig())
		assert.ErrorIs(t, err, dds.ErrInconsistentPolicy)

		cleanup(t, pub)
		require.NoError(t, p.Delete())
	})

	t.Run("ImmutablePolicyAfterEnable", func(t *testing.T) {
		hub := newHub()
		p := New(fastConfig(), hub.newTransport())
		require.NoError(t, p.Enable())
		topic, _ := p.CreateTopic("Telemetry", BytesTypeSupport{})
		pub, _ := p.CreatePublisher(qos.PublisherQos{})
		dw, err := pub.CreateDataWriter(topic, qos.DefaultDataWriterQos(), writer.DefaultConfig())
		require.NoError(t, err)

		q := dw.Qos()
		q.Reliability.Kind = qos.BestEffort
		assert.ErrorIs(t, dw.SetQos(q), dds.ErrImmutablePolicy)

		// Ownership strength stays mutable.
		q = dw.Qos()
		q.OwnershipStrength.Value = 42
		assert.NoError(t, dw.SetQos(q))

		cleanup(t, dw, pub)
		require.NoError(t, p.Delete())
	})
}

// ============================================================================
// End-to-End Delivery
// ============================================================================

func TestEndToEndDelivery(t *testing.T) {
	t.Run("ReliableRoundTrip", func(t *testing.T) {
		p1, p2 := newPair(t)

		topic1, err := p1.CreateTopic("Telemetry", BytesTypeSupport{})
		require.NoError(t, err)
		topic2, err := p2.CreateTopic("Telemetry", BytesTypeSupport{})
		require.NoError(t, err)

		pub, err := p1.CreatePublisher(qos.PublisherQos{})
		require.NoError(t, err)
		wq := qos.DefaultDataWriterQos()
		wq.Durability.Kind = qos.TransientLocal
		wq.History = qos.History{Kind: qos.KeepAll}
		dw, err := pub.CreateDataWriter(topic1, wq, writer.DefaultConfig())
		require.NoError(t, err)

		sub, err := p2.CreateSubscriber(qos.SubscriberQos{})
		require.NoError(t, err)
		rq := qos.DefaultDataReaderQos()
		rq.Reliability.Kind = qos.Reliable
		rq.Durability.Kind = qos.TransientLocal
		rq.History = qos.History{Kind: qos.KeepAll}
		dr, err := sub.CreateDataReader(topic2, rq, reader.DefaultConfig())
		require.NoError(t, err)

		sourceTime := dds.Time{Sec: 1234, Nanosec: 0}
		require.NoError(t, dw.WriteWithTimestamp([]byte{0xde, 0xad}, sourceTime))
		require.NoError(t, dw.WriteWithTimestamp([]byte{0xbe, 0xef}, sourceTime))

		var (
			samples []*history.Sample
			infos   []history.SampleInfo
		)
		eventually(t, 5*time.Second, func() bool {
			s, i, err := dr.Read(history.DefaultSelector())
			if err != nil {
				return false
			}
			samples, infos = s, i
			return len(samples) == 2
		}, "samples were not delivered")

		// Payload round-trips with its encapsulation header intact, in
		// submitted order, with the source timestamp preserved.
		assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0xde, 0xad}, samples[0].Data)
		assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0xbe, 0xef}, samples[1].Data)
		assert.Equal(t, sourceTime.Sec, infos[0].SourceTimestamp.Sec)
		assert.True(t, infos[0].ValidData)

		assert.Equal(t, int32(1), dw.Statuses().PublicationMatched().CurrentCount)
		assert.Equal(t, int32(1), dr.Statuses().SubscriptionMatched().CurrentCount)

		require.NoError(t, dw.WaitForAcknowledgments(5*time.Second))

		cleanup(t, dw, pub, dr, sub)
		require.NoError(t, p1.Delete())
		require.NoError(t, p2.Delete())
	})

	t.Run("TransientLocalLateJoinerKeepLastOne", func(t *testing.T) {
		p1, p2 := newPair(t)

		topic1, _ := p1.CreateTopic("State", BytesTypeSupport{})
		topic2, _ := p2.CreateTopic("State", BytesTypeSupport{})

		pub, _ := p1.CreatePublisher(qos.PublisherQos{})
		wq := qos.DefaultDataWriterQos()
		wq.Durability.Kind = qos.TransientLocal
		wq.History = qos.History{Kind: qos.KeepLast, Depth: 1}
		dw, err := pub.CreateDataWriter(topic1, wq, writer.DefaultConfig())
		require.NoError(t, err)

		// Several writes before any reader exists.
		for i := byte(1); i <= 5; i++ {
			require.NoError(t, dw.Write([]byte{i}))
		}

		sub, _ := p2.CreateSubscriber(qos.SubscriberQos{})
		rq := qos.DefaultDataReaderQos()
		rq.Reliability.Kind = qos.Reliable
		rq.Durability.Kind = qos.TransientLocal
		dr, err := sub.CreateDataReader(topic2, rq, reader.DefaultConfig())
		require.NoError(t, err)

		var got []*history.Sample
		eventually(t, 5*time.Second, func() bool {
			s, _, err := dr.Read(history.DefaultSelector())
			if err != nil {
				return false
			}
			got = s
			return len(got) >= 1
		}, "late joiner received nothing")

		// KeepLast(1): exactly the most recent sample survives.
		require.Len(t, got, 1)
		assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 5}, got[0].Data)

		cleanup(t, dw, pub, dr, sub)
		require.NoError(t, p1.Delete())
		require.NoError(t, p2.Delete())
	})
}
