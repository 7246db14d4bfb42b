package ir

// ExplainDoc is the stable, name-based rendering of a plan. It is what the
// plan store persists, what `flowc explain` prints and what golden tests
// snapshot. Handles never appear in it.
type ExplainDoc struct {
	Version  string         `json:"version"`
	Compiler string         `json:"compiler"`
	Flow     string         `json:"flow"`
	Order    []string       `json:"order"`
	Stages   []ExplainStage `json:"stages"`
}

// ExplainStage describes one stage.
type ExplainStage struct {
	ID        int              `json:"id"`
	Key       string           `json:"key,omitempty"`
	Deps      []int            `json:"deps"`
	Nodes     []ExplainNode    `json:"nodes"`
	Units     [][]string       `json:"units"`
	Inputs    []ExplainChannel `json:"inputs"`
	Resources []ExplainChannel `json:"resources,omitempty"`
	Outputs   []ExplainChannel `json:"outputs"`
}

// ExplainNode describes one operator.
type ExplainNode struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Variant string `json:"variant,omitempty"`
}

// ExplainChannel describes one channel.
type ExplainChannel struct {
	Kind      ChannelKind `json:"kind"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	FromStage int         `json:"from_stage"`
	ToStage   int         `json:"to_stage"`
	Shuffle   int         `json:"shuffle,omitempty"`
	Key       string      `json:"key,omitempty"`
}

// Explain renders a plan.
func Explain(p *Plan) ExplainDoc {
	g := p.Graph
	doc := ExplainDoc{
		Version:  PlanVersion,
		Compiler: CompilerVersion,
		Flow:     g.Name,
		Order:    make([]string, 0, len(p.Order)),
		Stages:   []ExplainStage{},
	}
	for _, id := range p.Order {
		doc.Order = append(doc.Order, g.Node(id).QualifiedName())
	}
	if p.Stages == nil {
		return doc
	}
	channels := func(ids []int) []ExplainChannel {
		out := make([]ExplainChannel, 0, len(ids))
		for _, id := range ids {
			out = append(out, explainChannel(g, p.Stages.Channel(id)))
		}
		return out
	}
	for _, s := range p.Stages.Stages {
		es := ExplainStage{
			ID:        s.ID,
			Deps:      append([]int{}, s.Deps...),
			Nodes:     make([]ExplainNode, 0, len(s.Nodes)),
			Units:     make([][]string, 0, len(s.Units)),
			Inputs:    channels(s.Inputs),
			Resources: channels(s.Resources),
			Outputs:   channels(s.Outputs),
		}
		if s.Key != nil {
			es.Key = s.Key.String()
		}
		for _, id := range s.Nodes {
			n := g.Node(id)
			en := ExplainNode{Name: n.QualifiedName(), Kind: n.Kind.String()}
			if n.Resolved != nil && n.Resolved.Variant != VariantNone {
				en.Variant = n.Resolved.Variant.String()
			}
			es.Nodes = append(es.Nodes, en)
		}
		for _, u := range s.Units {
			names := make([]string, len(u.Nodes))
			for i, id := range u.Nodes {
				names[i] = g.Node(id).QualifiedName()
			}
			es.Units = append(es.Units, names)
		}
		doc.Stages = append(doc.Stages, es)
	}
	return doc
}

func explainChannel(g *Graph, c *Channel) ExplainChannel {
	ec := ExplainChannel{
		Kind:      c.Kind,
		From:      g.PortName(c.From),
		To:        g.PortName(c.To),
		FromStage: c.FromStage,
		ToStage:   c.ToStage,
	}
	if c.Kind == ChannelShuffle {
		ec.Shuffle = c.Shuffle + 1
	}
	if c.Key != nil {
		ec.Key = c.Key.String()
	}
	return ec
}
