package cluster

import (
	"strings"
	"sync"

	"github.com/hostbound/ingrid/utils"
)

type (
	// Node is a read-only view of one cluster member.
	Node struct {
		// Address is the host:port of the member's replication surface.
		Address string
		Leader  bool
	}

	// Event notifies a subscriber of a leadership change for the local
	// node.
	Event struct {
		Leader bool
	}

	// Membership answers cluster questions. It is a capability boundary:
	// whatever knows the topology (an orchestrator API, a coordination
	// service) implements it, nothing in here elects anyone.
	Membership interface {
		IsLeader() bool
		Peers() []Node
		Subscribe() <-chan Event
	}
)

func (n Node) URL() string {
	return "http://" + n.Address
}

// StaticMembership is an env-configured membership for fixed-size
// deployments: the peer list and leader flag are set at startup. SetLeader
// exists for operators toggling leadership out of band.
type StaticMembership struct {
	mu     sync.Mutex
	leader bool
	peers  []Node
	subs   []chan Event
}

func NewStaticMembership(peers []string, leader bool) *StaticMembership {
	m := &StaticMembership{leader: leader}
	for _, peer := range peers {
		peer = strings.TrimSpace(peer)
		// CLUSTER_PEERS may list every member including ourselves
		if peer == "" || peer == utils.Env_SelfAddr {
			continue
		}
		m.peers = append(m.peers, Node{Address: peer})
	}
	return m
}

func (m *StaticMembership) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader
}

func (m *StaticMembership) Peers() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Node, len(m.peers))
	copy(out, m.peers)
	return out
}

func (m *StaticMembership) Subscribe() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Event, 4)
	m.subs = append(m.subs, ch)
	return ch
}

// SetLeader flips the local leader flag and notifies subscribers. A full
// subscriber channel drops the event; IsLeader always has the latest state.
func (m *StaticMembership) SetLeader(leader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leader == leader {
		return
	}
	m.leader = leader
	for _, ch := range m.subs {
		select {
		case ch <- Event{Leader: leader}:
		default:
		}
	}
}
