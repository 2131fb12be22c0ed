package timesync_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tactlink/tactlink/internal/model"
	"github.com/tactlink/tactlink/internal/timesync"
)

func newTestSelector() *timesync.Selector {
	return timesync.NewSelector(timesync.SelectorConfig{
		NoiseMarginUs: 100,
		Tracker:       trackerConfig(),
	}, zap.NewNop())
}

func TestSelector_FirstBeaconAdopted(t *testing.T) {
	s := newTestSelector()

	switched := s.Offer("a", model.Beacon{Stratum: 3, Quality: 80}, 1000)
	assert.True(t, switched)

	id, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "a", id)
	assert.Equal(t, uint8(4), s.AdvertisedStratum())
}

func TestSelector_Precedence(t *testing.T) {
	tests := []struct {
		name      string
		current   model.Beacon
		candidate model.Beacon
		candRecv  int64
		switches  bool
	}{
		{
			name:      "lower stratum wins",
			current:   model.Beacon{Stratum: 3, Quality: 99},
			candidate: model.Beacon{Stratum: 2, Quality: 10},
			switches:  true,
		},
		{
			name:      "higher stratum loses regardless of quality",
			current:   model.Beacon{Stratum: 2, Quality: 10},
			candidate: model.Beacon{Stratum: 3, Quality: 99},
			switches:  false,
		},
		{
			name:      "equal stratum higher quality wins",
			current:   model.Beacon{Stratum: 2, Quality: 50},
			candidate: model.Beacon{Stratum: 2, Quality: 80},
			switches:  true,
		},
		{
			name:      "tie broken by epoch beyond noise margin",
			current:   model.Beacon{Stratum: 2, Quality: 50, EpochMicros: 1000},
			candidate: model.Beacon{Stratum: 2, Quality: 50, EpochMicros: 1200},
			switches:  true,
		},
		{
			name:      "epoch difference inside noise margin does not flap",
			current:   model.Beacon{Stratum: 2, Quality: 50, EpochMicros: 1000},
			candidate: model.Beacon{Stratum: 2, Quality: 50, EpochMicros: 1080},
			switches:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSelector()
			require.True(t, s.Offer("a", tt.current, 1))
			switched := s.Offer("b", tt.candidate, 2)
			assert.Equal(t, tt.switches, switched)

			id, _ := s.Current()
			if tt.switches {
				assert.Equal(t, "b", id)
			} else {
				assert.Equal(t, "a", id)
			}
		})
	}
}

func TestSelector_SwitchResetsTracker(t *testing.T) {
	s := newTestSelector()

	require.True(t, s.Offer("a", model.Beacon{Stratum: 3, Quality: 80}, 1))
	for i := 0; i < 5; i++ {
		s.Tracker("a").RecordSample(goodSample(0), int64(i+1)*5_000_000)
	}
	require.True(t, s.Tracker("a").Trusted())

	require.True(t, s.Offer("b", model.Beacon{Stratum: 1, Quality: 20}, 2))
	assert.False(t, s.Tracker("b").Trusted())
	assert.Equal(t, model.SyncAcquiring, s.Tracker("b").State())
	assert.Equal(t, uint8(2), s.AdvertisedStratum())
}

func TestSelector_MarkUnreliableDropsToFreeRunning(t *testing.T) {
	s := newTestSelector()

	require.True(t, s.Offer("a", model.Beacon{Stratum: 2, Quality: 80}, 1))
	s.MarkUnreliable("a")

	_, ok := s.Current()
	assert.False(t, ok)
	assert.Equal(t, model.StratumFreeRunning, s.AdvertisedStratum())

	// Unknown peers are ignored.
	require.True(t, s.Offer("b", model.Beacon{Stratum: 2, Quality: 80}, 2))
	s.MarkUnreliable("a")
	_, ok = s.Current()
	assert.True(t, ok)
}

func TestSelector_HoldoverDegradesStratum(t *testing.T) {
	s := newTestSelector()

	// Source chained to a primary reference: degrade one level.
	require.True(t, s.Offer("a", model.Beacon{Stratum: model.StratumPrimary, Quality: 80}, 1))
	require.Equal(t, uint8(1), s.AdvertisedStratum())
	s.EnterHoldover()
	assert.Equal(t, uint8(2), s.AdvertisedStratum())

	// Source with no primary chain: straight to free-running.
	s2 := newTestSelector()
	require.True(t, s2.Offer("a", model.Beacon{Stratum: 5, Quality: 80}, 1))
	s2.EnterHoldover()
	assert.Equal(t, model.StratumFreeRunning, s2.AdvertisedStratum())
}

func TestSelector_FreeRunningSourceAdvertisesFreeRunning(t *testing.T) {
	s := newTestSelector()

	require.True(t, s.Offer("a", model.Beacon{Stratum: model.StratumFreeRunning, Quality: 80}, 1))
	assert.Equal(t, model.StratumFreeRunning, s.AdvertisedStratum())
}
