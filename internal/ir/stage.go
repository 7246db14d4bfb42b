package ir

// ChannelKind classifies a data movement into, out of or between stages.
type ChannelKind string

const (
	// ChannelDirect reads an external input inside the consuming stage.
	ChannelDirect ChannelKind = "direct"
	// ChannelShuffle partitions and sorts records by a key. It is a barrier.
	ChannelShuffle ChannelKind = "shuffle"
	// ChannelBroadcast materializes side data for every task of a stage.
	ChannelBroadcast ChannelKind = "broadcast"
	// ChannelBarrier moves records between stages without repartitioning.
	ChannelBarrier ChannelKind = "barrier"
	// ChannelSink writes an external output.
	ChannelSink ChannelKind = "sink"
)

// External marks a channel end outside any stage.
const External = -1

// Channel is one logical edge that crosses a stage boundary.
type Channel struct {
	ID        int         `json:"id"`
	Kind      ChannelKind `json:"kind"`
	Edge      EdgeID      `json:"edge"`
	From      PortID      `json:"from"`
	To        PortID      `json:"to"`
	FromStage int         `json:"from_stage"`
	ToStage   int         `json:"to_stage"`

	// Shuffle groups channels that share one data movement: same producer
	// port, same key. -1 when the channel is not a shuffle.
	Shuffle int      `json:"shuffle"`
	Key     *KeySpec `json:"key,omitempty"`
}

// FusedUnit is a run of nodes executed as one pass per record.
type FusedUnit struct {
	Nodes []NodeID `json:"nodes"`
}

// Stage is a maximal set of operators executable without a barrier.
type Stage struct {
	ID    int         `json:"id"`
	Nodes []NodeID    `json:"nodes"`
	Units []FusedUnit `json:"units"`

	// Inputs are direct, shuffle and barrier channels; Resources are
	// broadcast channels read before the main stream.
	Inputs    []int `json:"inputs"`
	Resources []int `json:"resources"`
	Outputs   []int `json:"outputs"`

	// Key is the partitioning shared by every shuffle input, if any.
	Key *KeySpec `json:"key,omitempty"`

	// Deps are the stages that must complete before this one starts.
	Deps []int `json:"deps"`
}

// StageGraph is the compiler's output. Stages are in execution order and
// every dependency points to an earlier stage.
type StageGraph struct {
	Stages   []Stage   `json:"stages"`
	Channels []Channel `json:"channels"`
	Local    []EdgeID  `json:"local"`
}

// Channel returns a channel by id.
func (sg *StageGraph) Channel(id int) *Channel {
	if id < 0 || id >= len(sg.Channels) {
		return nil
	}
	return &sg.Channels[id]
}

// StageOf returns the stage holding node n, or External.
func (sg *StageGraph) StageOf(n NodeID) int {
	for _, s := range sg.Stages {
		for _, m := range s.Nodes {
			if m == n {
				return s.ID
			}
		}
	}
	return External
}

// Plan bundles a compiled graph with its order and stages.
type Plan struct {
	Graph  *Graph
	Order  []NodeID
	Stages *StageGraph
}
