package ir

// FlowPart is a reusable sub-graph. Its internal graph declares one
// ExternalInput node per part input and one ExternalOutput node per part
// output; a boundary node instantiating the part has ports with the same names.
type FlowPart struct {
	Name string

	// Params are the argument names the part accepts. Internal parameter
	// values of the form "${name}" are replaced by the boundary's argument.
	Params []string

	Graph *Graph
}

// InputNode returns the internal external input with the given name.
func (p *FlowPart) InputNode(name string) (NodeID, bool) {
	return p.external(KindExternalInput, name)
}

// OutputNode returns the internal external output with the given name.
func (p *FlowPart) OutputNode(name string) (NodeID, bool) {
	return p.external(KindExternalOutput, name)
}

func (p *FlowPart) external(k Kind, name string) (NodeID, bool) {
	for _, id := range p.Graph.nodesOfKind(k) {
		if p.Graph.Node(id).Op.Name == name {
			return id, true
		}
	}
	return -1, false
}

// Placeholder returns the parameter name when v is a "${name}" placeholder.
func Placeholder(v Value) (string, bool) {
	s, ok := v.(String)
	if !ok || len(s) < 4 || s[:2] != "${" || s[len(s)-1] != '}' {
		return "", false
	}
	return string(s[2 : len(s)-1]), true
}
