package social

import (
	"sort"

	"github.com/talgya/tradersim/internal/config"
	"github.com/talgya/tradersim/internal/entropy"
)

// Category tags what an information packet is about.
type Category uint8

const (
	CategoryPrice Category = iota
	CategoryTrade
	CategoryEvent
	CategoryRumor
)

var categoryNames = [...]string{"price", "trade", "event", "rumor"}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "unknown"
}

// Packet is one piece of information travelling between traders. Signal is
// the signed directional content (e.g. a fractional price move); Accurate is
// false for distorted rumors and is only used to rate the sender afterwards.
type Packet struct {
	ID         string   `json:"id"`
	Origin     string   `json:"origin"`
	Sender     string   `json:"sender"`
	Category   Category `json:"category"`
	Asset      string   `json:"asset,omitempty"`
	Signal     float64  `json:"signal"`
	Accurate   bool     `json:"accurate"`
	Confidence float64  `json:"confidence"`
	Hops       int      `json:"hops"`
	Created    uint64   `json:"created"`
}

// Delivery records a packet that became visible to a recipient this tick.
type Delivery struct {
	From     string
	To       string
	Accurate bool
}

// TrustSource answers pairwise trust queries.
type TrustSource interface {
	Score(rater, subject string) float64
}

// NetworkState is the serializable state of the network.
type NetworkState struct {
	Inbox   map[string][]Packet          `json:"inbox"`
	Pending map[string][]Packet          `json:"pending"`
	Seen    map[string]map[string]uint64 `json:"seen"`
}

// Network diffuses packets one hop per tick. Packets forwarded during a tick
// land in pending and only become visible in the recipient's inbox on the
// following tick.
type Network struct {
	cfg     config.InformationConfig
	inbox   map[string][]Packet
	pending map[string][]Packet
	seen    map[string]map[string]uint64
}

// NewNetwork creates an empty network.
func NewNetwork(cfg config.InformationConfig) *Network {
	return &Network{
		cfg:     cfg,
		inbox:   make(map[string][]Packet),
		pending: make(map[string][]Packet),
		seen:    make(map[string]map[string]uint64),
	}
}

// Publish hands a fresh fact to its initial holders. They see it next tick.
func (n *Network) Publish(tick uint64, p Packet, holders []string) {
	p.Created = tick
	for _, h := range holders {
		if n.hasSeen(h, p.ID) {
			continue
		}
		n.markSeen(h, p.ID, tick)
		n.pending[h] = append(n.pending[h], p)
	}
}

// Propagate advances diffusion by one hop. Last tick's pending deliveries
// become this tick's inboxes, and each held packet is offered to the
// holder's top-trusted peers with probability trust/100 × influence. Packets
// whose decayed confidence falls below the floor are dropped.
func (n *Network) Propagate(tick uint64, peers []string, trust TrustSource, influence func(string) float64, r entropy.Source) []Delivery {
	n.inbox = n.pending
	n.pending = make(map[string][]Packet)
	n.prune(tick)

	holders := make([]string, 0, len(n.inbox))
	for h := range n.inbox {
		holders = append(holders, h)
	}
	sort.Strings(holders)

	var deliveries []Delivery
	for _, h := range holders {
		box := n.inbox[h]
		if len(box) > n.cfg.MaxInbox {
			sort.SliceStable(box, func(i, j int) bool { return box[i].Confidence > box[j].Confidence })
			box = box[:n.cfg.MaxInbox]
			n.inbox[h] = box
		}
		for _, p := range box {
			if p.Sender != "" {
				deliveries = append(deliveries, Delivery{From: p.Sender, To: h, Accurate: p.Accurate})
			}
		}

		inf := influence(h)
		neighbors := n.topTrusted(h, peers, trust)
		for _, p := range box {
			next := p.Confidence * n.cfg.HopDecay
			if next < n.cfg.ConfidenceFloor {
				continue
			}
			for _, nb := range neighbors {
				if nb == p.Origin || n.hasSeen(nb, p.ID) {
					continue
				}
				prob := trust.Score(h, nb) / 100 * inf
				if r.Float64() >= prob {
					continue
				}
				fwd := p
				fwd.Sender = h
				fwd.Confidence = next
				fwd.Hops++
				n.markSeen(nb, p.ID, tick)
				n.pending[nb] = append(n.pending[nb], fwd)
			}
		}
	}
	return deliveries
}

// topTrusted returns up to Fanout peers ranked by the holder's trust in
// them, ties broken by id.
func (n *Network) topTrusted(holder string, peers []string, trust TrustSource) []string {
	type cand struct {
		id    string
		score float64
	}
	cands := make([]cand, 0, len(peers))
	for _, p := range peers {
		if p == holder {
			continue
		}
		cands = append(cands, cand{p, trust.Score(holder, p)})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].id < cands[j].id
	})
	k := min(n.cfg.Fanout, len(cands))
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = cands[i].id
	}
	return out
}

// Inbox returns a copy of the packets visible to agent this tick.
func (n *Network) Inbox(agent string) []Packet {
	box := n.inbox[agent]
	out := make([]Packet, len(box))
	copy(out, box)
	return out
}

// PendingCount returns the number of packets in flight.
func (n *Network) PendingCount() int {
	c := 0
	for _, box := range n.pending {
		c += len(box)
	}
	return c
}

// Forget drops everything held by or addressed to an agent.
func (n *Network) Forget(agent string) {
	delete(n.inbox, agent)
	delete(n.pending, agent)
	delete(n.seen, agent)
}

func (n *Network) hasSeen(agent, id string) bool {
	_, ok := n.seen[agent][id]
	return ok
}

func (n *Network) markSeen(agent, id string, tick uint64) {
	m, ok := n.seen[agent]
	if !ok {
		m = make(map[string]uint64)
		n.seen[agent] = m
	}
	m[id] = tick
}

func (n *Network) prune(tick uint64) {
	if n.cfg.SeenRetentionTicks <= 0 {
		return
	}
	keep := uint64(n.cfg.SeenRetentionTicks)
	for agent, m := range n.seen {
		for id, at := range m {
			if tick > at && tick-at > keep {
				delete(m, id)
			}
		}
		if len(m) == 0 {
			delete(n.seen, agent)
		}
	}
}

// State returns a deep copy of the network.
func (n *Network) State() NetworkState {
	return NetworkState{
		Inbox:   copyBoxes(n.inbox),
		Pending: copyBoxes(n.pending),
		Seen:    copySeen(n.seen),
	}
}

// Restore replaces the network contents.
func (n *Network) Restore(st NetworkState) {
	n.inbox = copyBoxes(st.Inbox)
	n.pending = copyBoxes(st.Pending)
	n.seen = copySeen(st.Seen)
}

func copyBoxes(src map[string][]Packet) map[string][]Packet {
	out := make(map[string][]Packet, len(src))
	for k, v := range src {
		out[k] = append([]Packet(nil), v...)
	}
	return out
}

func copySeen(src map[string]map[string]uint64) map[string]map[string]uint64 {
	out := make(map[string]map[string]uint64, len(src))
	for k, m := range src {
		cp := make(map[string]uint64, len(m))
		for id, t := range m {
			cp[id] = t
		}
		out[k] = cp
	}
	return out
}
