// Package discovery locates peers and advertises this node's solicitation
// state. It is the advertise/scan analog of the short-range radio pairing
// layer: node metadata travels in memberlist gossip, and "stop being
// discoverable" is a synchronous metadata push the elector can rely on.
package discovery

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/tactlink/tactlink/internal/model"
)

// Service manages cluster membership and peer metadata propagation
type Service struct {
	config     *Config
	memberlist *memberlist.Memberlist
	nodeID     string
	logger     *zap.Logger

	mu         sync.RWMutex
	meta       nodeMeta
	peers      map[string]model.NodeInfo
	soliciting bool

	events chan Event
}

// Config holds discovery configuration
type Config struct {
	Enabled        bool
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// Event reports a peer set change.
type Event struct {
	Kind string // join, leave, update
	Peer model.NodeInfo
}

// nodeMeta is the JSON payload carried in memberlist node metadata.
type nodeMeta struct {
	NodeID     string `json:"node_id"`
	Zone       string `json:"zone"`
	Capacity   uint8  `json:"capacity"`
	Stratum    uint8  `json:"stratum"`
	SyncAddr   string `json:"sync_addr"`
	Soliciting bool   `json:"soliciting"`
}

// NewService creates and starts the discovery service.
func NewService(cfg *Config, nodeID string, zone model.Zone, syncAddr string, logger *zap.Logger) (*Service, error) {
	s := &Service{
		config: cfg,
		nodeID: nodeID,
		logger: logger,
		meta: nodeMeta{
			NodeID:     nodeID,
			Zone:       zone.String(),
			Stratum:    model.StratumFreeRunning,
			SyncAddr:   syncAddr,
			Soliciting: true,
		},
		peers:      make(map[string]model.NodeInfo),
		soliciting: true,
		events:     make(chan Event, 16),
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.Delegate = s
	mlConfig.Events = &eventDelegate{service: s}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return s, nil
}

// Peers returns a copy of the known peer set, excluding this node.
func (s *Service) Peers() []model.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.NodeInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Events exposes peer set changes.
func (s *Service) Events() <-chan Event { return s.events }

// SetSoliciting flips the discoverable bit and pushes the new metadata to
// the cluster before returning. The elector calls this inside its
// transition out of WAITING: once this returns false-published, no peer
// will treat the node as a connection target.
func (s *Service) SetSoliciting(v bool) error {
	s.mu.Lock()
	s.soliciting = v
	s.meta.Soliciting = v
	s.mu.Unlock()
	return s.pushMeta()
}

// Soliciting reports whether this node currently advertises itself as a
// connection target.
func (s *Service) Soliciting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.soliciting
}

// UpdateCapacity publishes a new capacity metric.
func (s *Service) UpdateCapacity(capacity uint8) error {
	s.mu.Lock()
	s.meta.Capacity = capacity
	s.mu.Unlock()
	return s.pushMeta()
}

// UpdateStratum publishes a new advertised stratum.
func (s *Service) UpdateStratum(stratum uint8) error {
	s.mu.Lock()
	s.meta.Stratum = stratum
	s.mu.Unlock()
	return s.pushMeta()
}

func (s *Service) pushMeta() error {
	if err := s.memberlist.UpdateNode(2 * time.Second); err != nil {
		return fmt.Errorf("failed to push node metadata: %w", err)
	}
	return nil
}

// Shutdown leaves the cluster.
func (s *Service) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("memberlist leave failed", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (s *Service) NodeMeta(limit int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, _ := json.Marshal(s.meta)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *Service) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate
func (s *Service) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate
func (s *Service) MergeRemoteState(buf []byte, join bool) {}

func (s *Service) upsertPeer(node *memberlist.Node, kind string) {
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		s.logger.Warn("Failed to unmarshal peer metadata",
			zap.String("node", node.Name), zap.Error(err))
		return
	}
	if meta.NodeID == s.nodeID {
		return
	}
	zone, _ := model.ParseZone(meta.Zone)
	info := model.NodeInfo{
		ID:       meta.NodeID,
		Zone:     zone,
		Capacity: meta.Capacity,
		Stratum:  meta.Stratum,
		SyncAddr: meta.SyncAddr,
	}

	s.mu.Lock()
	s.peers[meta.NodeID] = info
	s.mu.Unlock()

	s.emit(Event{Kind: kind, Peer: info})
}

func (s *Service) removePeer(node *memberlist.Node) {
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		return
	}
	s.mu.Lock()
	info, ok := s.peers[meta.NodeID]
	delete(s.peers, meta.NodeID)
	s.mu.Unlock()
	if ok {
		s.emit(Event{Kind: "leave", Peer: info})
	}
}

func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// eventDelegate forwards memberlist membership events to the service
type eventDelegate struct {
	service *Service
}

// NotifyJoin implements memberlist.EventDelegate
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Peer joined", zap.String("node", node.Name))
	d.service.upsertPeer(node, "join")
}

// NotifyLeave implements memberlist.EventDelegate
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Peer left", zap.String("node", node.Name))
	d.service.removePeer(node)
}

// NotifyUpdate implements memberlist.EventDelegate
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.upsertPeer(node, "update")
}
