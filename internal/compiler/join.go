package compiler

import (
	"github.com/roach88/flowc/internal/ir"
)

// Join port ordinals.
const (
	masterPort = 0
	txPort     = 1
)

// resolveStrategy picks the concrete join strategy. An explicit strategy is
// honoured; auto broadcasts only masters whose size class is known and at or
// below threshold.
func resolveStrategy(declared ir.Strategy, size, threshold ir.DataSize) (ir.Strategy, ir.JoinVariant) {
	s := declared
	if s == ir.StrategyAuto {
		s = ir.StrategyShuffle
		if size.AtMost(threshold) {
			s = ir.StrategyBroadcast
		}
	}
	if s == ir.StrategyBroadcast {
		return s, ir.VariantSideData
	}
	return s, ir.VariantShuffle
}

// masterSize is the declared size of a join's master dataset, falling back
// to the size of the external input feeding the master port.
func masterSize(g *ir.Graph, n *ir.Node) ir.DataSize {
	if n.Op.Join != nil && n.Op.Join.Size != ir.SizeUnknown {
		return n.Op.Join.Size
	}
	if len(n.Inputs) <= masterPort {
		return ir.SizeUnknown
	}
	src, ok := g.Producer(n.Inputs[masterPort])
	if !ok {
		return ir.SizeUnknown
	}
	if p := g.Node(g.Port(src).Node); p.Kind == ir.KindExternalInput {
		return p.Op.Size
	}
	return ir.SizeUnknown
}

// joinResolution fills the join-specific parts of r. A forced strategy
// other than auto overrides the declared one.
func joinResolution(n *ir.Node, r *ir.Resolved, size, threshold ir.DataSize, forced ir.Strategy) {
	j := n.Op.Join
	declared := j.Strategy
	if forced != ir.StrategyAuto {
		declared = forced
	}
	r.Strategy, r.Variant = resolveStrategy(declared, size, threshold)
	switch r.Variant {
	case ir.VariantSideData:
		r.Broadcast[masterPort] = true
		// The transaction stream flows through unpartitioned, record by record.
		r.PassThrough = n.Kind == ir.KindMasterCheck || n.Kind == ir.KindMasterBranch
	case ir.VariantShuffle:
		r.Requires[masterPort] = &ir.KeySpec{Group: j.MasterKey}
		r.Requires[txPort] = &ir.KeySpec{Group: j.TxKey}
		if n.Kind == ir.KindMasterCheck || n.Kind == ir.KindMasterBranch {
			r.Emits = &ir.KeySpec{Group: j.TxKey}
		}
	}
}
