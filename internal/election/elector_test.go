package election_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tactlink/tactlink/internal/election"
	"github.com/tactlink/tactlink/internal/model"
	"github.com/tactlink/tactlink/internal/power"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name  string
		local model.NodeInfo
		peer  model.NodeInfo
		want  model.Role
	}{
		{
			name:  "higher capacity serves",
			local: model.NodeInfo{ID: "b", Capacity: 97},
			peer:  model.NodeInfo{ID: "a", Capacity: 96},
			want:  model.RoleServer,
		},
		{
			name:  "lower capacity yields",
			local: model.NodeInfo{ID: "a", Capacity: 96},
			peer:  model.NodeInfo{ID: "b", Capacity: 97},
			want:  model.RoleClient,
		},
		{
			name:  "tie falls to lower node id",
			local: model.NodeInfo{ID: "a", Capacity: 50},
			peer:  model.NodeInfo{ID: "b", Capacity: 50},
			want:  model.RoleServer,
		},
		{
			name:  "sentinel always yields",
			local: model.NodeInfo{ID: "a", Capacity: power.SentinelCapacity},
			peer:  model.NodeInfo{ID: "b", Capacity: 1},
			want:  model.RoleClient,
		},
		{
			name:  "peer sentinel always loses",
			local: model.NodeInfo{ID: "b", Capacity: 1},
			peer:  model.NodeInfo{ID: "a", Capacity: power.SentinelCapacity},
			want:  model.RoleServer,
		},
		{
			name:  "both sentinel falls to id",
			local: model.NodeInfo{ID: "a", Capacity: power.SentinelCapacity},
			peer:  model.NodeInfo{ID: "b", Capacity: power.SentinelCapacity},
			want:  model.RoleServer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, election.Decide(tt.local, tt.peer))
		})
	}
}

// Both nodes must reach opposite verdicts from swapped arguments for any
// capacity pair, or the pair deadlocks with two servers or two clients.
func TestDecide_Symmetry(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		a := model.NodeInfo{ID: fmt.Sprintf("node-%03d", rng.Intn(100)), Capacity: uint8(rng.Intn(101))}
		b := model.NodeInfo{ID: fmt.Sprintf("node-%03d", rng.Intn(100)), Capacity: uint8(rng.Intn(101))}
		if a.ID == b.ID {
			continue
		}
		va, vb := election.Decide(a, b), election.Decide(b, a)
		require.NotEqual(t, va, vb, "capacities %d/%d ids %s/%s", a.Capacity, b.Capacity, a.ID, b.ID)
	}
}

type fakeDiscovery struct {
	soliciting bool
	calls      []bool
	failNext   bool
}

func (f *fakeDiscovery) SetSoliciting(v bool) error {
	f.calls = append(f.calls, v)
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("gossip push failed")
	}
	f.soliciting = v
	return nil
}

func newTestElector(nodeID string, capacity uint8, disco *fakeDiscovery) (*election.Elector, *[]uint8) {
	announced := &[]uint8{}
	e := election.NewElector(election.Config{
		HandoffThreshold: 15,
	}, nodeID, election.Deps{
		Capacity: func() uint8 { return capacity },
		Announce: func(ctx context.Context, c uint8) {
			*announced = append(*announced, c)
		},
		SetSoliciting: disco.SetSoliciting,
	}, nil, zap.NewNop())
	return e, announced
}

func TestElector_LosingAnnouncementCommitsClient(t *testing.T) {
	disco := &fakeDiscovery{soliciting: true}
	e, _ := newTestElector("b", 96, disco)

	e.HandleAnnouncement(context.Background(), 97, "a")

	assert.Equal(t, model.RoleClient, e.Role())
	assert.False(t, e.Waiting())
	// Discoverability was dropped before CLIENT was committed.
	require.NotEmpty(t, disco.calls)
	assert.False(t, disco.calls[len(disco.calls)-1])
}

func TestElector_WinningAnnouncementCommitsServer(t *testing.T) {
	disco := &fakeDiscovery{soliciting: true}
	e, announced := newTestElector("a", 97, disco)

	e.HandleAnnouncement(context.Background(), 96, "b")

	assert.Equal(t, model.RoleServer, e.Role())
	assert.True(t, disco.soliciting)
	assert.NotEmpty(t, *announced)
}

// A node that cannot publish its stop-advertising state must not act as
// client yet: it stays in the waiting phase and retries.
func TestElector_StaysWaitingWhenStopAdvertisingFails(t *testing.T) {
	disco := &fakeDiscovery{soliciting: true, failNext: true}
	e, _ := newTestElector("b", 96, disco)

	e.HandleAnnouncement(context.Background(), 97, "a")

	assert.NotEqual(t, model.RoleClient, e.Role())
	assert.True(t, e.Waiting())
	assert.True(t, disco.soliciting)

	// The peer's next announcement retries the handshake.
	e.HandleAnnouncement(context.Background(), 97, "a")
	assert.Equal(t, model.RoleClient, e.Role())
	assert.False(t, disco.soliciting)
}

func TestElector_PeerClaimsServerForcesReElection(t *testing.T) {
	disco := &fakeDiscovery{soliciting: true}
	e, announced := newTestElector("a", 97, disco)

	e.HandleAnnouncement(context.Background(), 96, "b")
	require.Equal(t, model.RoleServer, e.Role())

	before := len(*announced)
	e.PeerClaimsServer(context.Background(), "b")

	assert.Equal(t, model.RoleUndecided, e.Role())
	assert.Greater(t, len(*announced), before)

	ev := <-e.Events()
	assert.Equal(t, model.DiagRoleConflict, ev.Kind)
}

// Two electors exchanging announcements settle into exactly one server
// and one client, with the client no longer discoverable.
func TestElectorPair_Converges(t *testing.T) {
	discoA := &fakeDiscovery{soliciting: true}
	discoB := &fakeDiscovery{soliciting: true}

	var a, b *election.Elector
	a = election.NewElector(election.Config{HandoffThreshold: 15}, "node-a", election.Deps{
		Capacity: func() uint8 { return 97 },
		Announce: func(ctx context.Context, c uint8) {
			b.HandleAnnouncement(ctx, c, "node-a")
		},
		SetSoliciting: discoA.SetSoliciting,
	}, nil, zap.NewNop())
	b = election.NewElector(election.Config{HandoffThreshold: 15}, "node-b", election.Deps{
		Capacity: func() uint8 { return 96 },
		Announce: func(ctx context.Context, c uint8) {
			a.HandleAnnouncement(ctx, c, "node-b")
		},
		SetSoliciting: discoB.SetSoliciting,
	}, nil, zap.NewNop())

	// B speaks first; the exchange cascades through both verdicts.
	a.HandleAnnouncement(context.Background(), 96, "node-b")

	assert.Equal(t, model.RoleServer, a.Role())
	assert.Equal(t, model.RoleClient, b.Role())
	assert.True(t, discoA.soliciting)
	assert.False(t, discoB.soliciting)
}

func TestElector_ConflictIgnoredWhenNotServer(t *testing.T) {
	disco := &fakeDiscovery{soliciting: true}
	e, _ := newTestElector("b", 96, disco)

	e.HandleAnnouncement(context.Background(), 97, "a")
	require.Equal(t, model.RoleClient, e.Role())

	e.PeerClaimsServer(context.Background(), "a")
	assert.Equal(t, model.RoleClient, e.Role())
}
