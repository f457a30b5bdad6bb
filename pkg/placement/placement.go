package placement

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/web4ai/orchestrator/pkg/config"
	"github.com/web4ai/orchestrator/pkg/types"
)

// RTTFunc supplies the dispatcher's smoothed round-trip estimate for a
// node. Used by the latency_optimized algorithm; nodes without an
// estimate score as unknown-but-fast.
type RTTFunc func(nodeID string) (time.Duration, bool)

// Options carries the per-call placement configuration.
type Options struct {
	Algorithm        string
	AllowDegraded    bool
	StrictPreferred  bool
	StrictRedundancy bool
	TopN             int
	Weights          config.PlacementWeights
}

// Engine selects candidate nodes for a task from a registry snapshot.
// It is stateless apart from the round-robin rotation counter.
type Engine struct {
	rotation atomic.Uint64
	rtt      RTTFunc
}

// New creates a placement engine. rtt may be nil when no dispatcher
// statistics are available.
func New(rtt RTTFunc) *Engine {
	return &Engine{rtt: rtt}
}

// Select returns up to k = max(redundancy, top_n) candidate nodes,
// best first, or an empty slice when nothing qualifies. Hard
// constraints filter; the configured algorithm scores; ties break by
// node id for determinism.
func (e *Engine) Select(nodes []types.Node, req types.Requirements, opts Options) []types.Node {
	k := req.Redundancy
	if opts.TopN > k {
		k = opts.TopN
	}
	if k <= 0 {
		k = 1
	}

	filtered := filter(nodes, req, opts)

	// Preferred nodes restrict the set first; expand back to the full
	// filtered set only when preference is non-strict and too thin.
	if len(req.Preferred) > 0 {
		preferred := restrictTo(filtered, req.Preferred)
		if len(preferred) >= k || opts.StrictPreferred {
			filtered = preferred
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	scored := e.score(filtered, opts)
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].rotation != scored[j].rotation {
			return scored[i].rotation < scored[j].rotation
		}
		return scored[i].node.ID < scored[j].node.ID
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	out := make([]types.Node, len(scored))
	for i, c := range scored {
		out[i] = c.node
	}
	return out
}

func filter(nodes []types.Node, req types.Requirements, opts Options) []types.Node {
	var out []types.Node
	for _, n := range nodes {
		switch n.Status {
		case types.NodeStatusActive:
		case types.NodeStatusDegraded:
			if !opts.AllowDegraded {
				continue
			}
		default:
			continue
		}
		if !n.HasCapabilities(req.Capabilities) {
			continue
		}
		if req.MinCPUFree > 0 && n.Resources.CPUFree() < req.MinCPUFree {
			continue
		}
		if req.MinMemoryMB > 0 && n.Resources.MemoryFreeMB < req.MinMemoryMB {
			continue
		}
		if req.IsExcluded(n.ID) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func restrictTo(nodes []types.Node, ids []string) []types.Node {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	var out []types.Node
	for _, n := range nodes {
		if set[n.ID] {
			out = append(out, n)
		}
	}
	return out
}

type candidate struct {
	node     types.Node
	score    float64
	rotation int
}

func (e *Engine) score(nodes []types.Node, opts Options) []candidate {
	// Deterministic base order before rotation is applied.
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	n := len(nodes)
	rot := int(e.rotation.Add(1)-1) % n

	out := make([]candidate, n)
	for i, node := range nodes {
		c := candidate{node: node, rotation: (i - rot + n) % n}
		switch opts.Algorithm {
		case config.AlgoRoundRobin:
			c.score = -float64(c.rotation)
		case config.AlgoLeastConnections:
			c.score = -float64(node.ActiveTasks)
		case config.AlgoResourceAware:
			w := opts.Weights
			c.score = w.CPU*(1-node.Resources.CPUPercent/100) +
				w.Memory*(1-node.Resources.MemoryPercent/100) +
				w.GPU*(1-node.Resources.GPUPercent/100)
		case config.AlgoLatencyOptimized:
			if e.rtt != nil {
				if rtt, ok := e.rtt(node.ID); ok {
					c.score = -rtt.Seconds()
				}
			}
		default: // weighted_round_robin
			c.score = node.ReliabilityScore * (1 - node.Resources.LoadScore)
		}
		out[i] = c
	}
	return out
}
