package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterminism(t *testing.T) {
	v := Obj(F("kind", String("update")), F("params", Obj(F("n", Int(1)))))

	h1, err := Fingerprint(DomainNode, v)
	require.NoError(t, err)
	h2, err := Fingerprint(DomainNode, v)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64, "SHA-256 hex is 64 characters")
}

func TestFingerprintDomainSeparation(t *testing.T) {
	v := Obj(F("a", Int(1)))

	node, err := Fingerprint(DomainNode, v)
	require.NoError(t, err)
	graph, err := Fingerprint(DomainGraph, v)
	require.NoError(t, err)

	assert.NotEqual(t, node, graph, "same data under different domains must differ")
}

func TestGraphFingerprintStableAcrossBuilds(t *testing.T) {
	build := func() *Graph {
		g := NewGraph("flow", nil)
		in, err := g.AddNode(NodeSpec{Kind: KindExternalInput, Op: OperatorDescription{Name: "in"},
			Outputs: []PortSpec{{Name: "out", Type: "T"}}})
		require.NoError(t, err)
		out, err := g.AddNode(NodeSpec{Kind: KindExternalOutput, Op: OperatorDescription{Name: "out"},
			Inputs: []PortSpec{{Name: "in", Type: "T"}}})
		require.NoError(t, err)
		_, err = g.Connect(g.Output(in, "out"), g.Input(out, "in"))
		require.NoError(t, err)
		return g
	}

	h1, err := GraphFingerprint(build())
	require.NoError(t, err)
	h2, err := GraphFingerprint(build())
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "scope ids must not leak into the fingerprint")
}
