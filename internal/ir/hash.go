package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows migrating the fingerprint algorithm.
const (
	DomainNode    = "flowc/node/v1"
	DomainGraph   = "flowc/graph/v1"
	DomainOptions = "flowc/options/v1"
	DomainPlan    = "flowc/plan/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint hashes the canonical form of v under domain.
func Fingerprint(domain string, v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

// GraphFingerprint identifies a logical graph by content: every live node's
// description, its ports and every edge, in handle order. Two graphs built
// from the same description have the same fingerprint.
func GraphFingerprint(g *Graph) (string, error) {
	nodes := make(Array, 0, g.NodeCount())
	for _, id := range g.Nodes() {
		n := g.Node(id)
		nodes = append(nodes, Obj(
			F("id", Int(id)),
			F("name", String(n.Op.Name)),
			F("decl", n.Decl.value()),
			F("desc", n.Describe(g)),
		))
	}
	edges := make(Array, 0)
	for _, eid := range g.Edges() {
		e := g.Edge(eid)
		edges = append(edges, Array{Int(e.From), Int(e.To)})
	}
	return Fingerprint(DomainGraph, Obj(
		F("name", String(g.Name)),
		F("nodes", nodes),
		F("edges", edges),
	))
}
