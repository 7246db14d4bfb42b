package compiler

import (
	"strconv"

	"github.com/roach88/flowc/internal/ir"
)

const unbounded = -1

// Keys requirement of a signature.
const (
	keysNone     = 0
	keysOne      = 1
	keysPerInput = -1
)

// signature is the declared shape of an operator kind.
type signature struct {
	minIn, maxIn   int
	minOut, maxOut int

	// inNames and outNames are ports every instance must declare.
	inNames  []string
	outNames []string

	needsImpl bool
	keys      int

	// sameType lists output ports (by name, "*" for all) that must carry
	// the type of the primary input: "tx" for joins, the first input otherwise.
	sameType []string

	recordWise  bool
	passThrough bool
}

var signatures = map[ir.Kind]signature{
	ir.KindExternalInput:  {minIn: 0, maxIn: 0, minOut: 1, maxOut: 1},
	ir.KindExternalOutput: {minIn: 1, maxIn: 1, minOut: 0, maxOut: 0},

	ir.KindCheckpoint:  {minIn: 1, maxIn: 1, minOut: 1, maxOut: 1, sameType: []string{"*"}, recordWise: true, passThrough: true},
	ir.KindConfluent:   {minIn: 1, maxIn: unbounded, minOut: 1, maxOut: 1, sameType: []string{"*"}, passThrough: true},
	ir.KindExtend:      {minIn: 1, maxIn: 1, minOut: 1, maxOut: 1, recordWise: true},
	ir.KindProject:     {minIn: 1, maxIn: 1, minOut: 1, maxOut: 1, recordWise: true},
	ir.KindRestructure: {minIn: 1, maxIn: unbounded, minOut: 1, maxOut: 1, recordWise: true},
	ir.KindStop:        {minIn: 1, maxIn: 1, minOut: 0, maxOut: 0, passThrough: true},
	ir.KindEmpty:       {minIn: 0, maxIn: 0, minOut: 1, maxOut: 1},

	ir.KindUpdate:    {minIn: 1, maxIn: 1, minOut: 1, maxOut: 1, needsImpl: true, sameType: []string{"*"}, recordWise: true},
	ir.KindConvert:   {minIn: 1, maxIn: 1, minOut: 1, maxOut: 2, needsImpl: true, sameType: []string{"original"}, recordWise: true},
	ir.KindExtract:   {minIn: 1, maxIn: 1, minOut: 1, maxOut: unbounded, needsImpl: true, recordWise: true},
	ir.KindBranch:    {minIn: 1, maxIn: 1, minOut: 1, maxOut: unbounded, needsImpl: true, sameType: []string{"*"}, recordWise: true, passThrough: true},
	ir.KindLogging:   {minIn: 1, maxIn: 1, minOut: 1, maxOut: 1, sameType: []string{"*"}, recordWise: true, passThrough: true},
	ir.KindFold:      {minIn: 1, maxIn: 1, minOut: 1, maxOut: 1, needsImpl: true, keys: keysOne, sameType: []string{"*"}},
	ir.KindSummarize: {minIn: 1, maxIn: 1, minOut: 1, maxOut: 1, keys: keysOne},
	ir.KindGroupSort: {minIn: 1, maxIn: 1, minOut: 1, maxOut: unbounded, needsImpl: true, keys: keysOne},
	ir.KindCoGroup:   {minIn: 1, maxIn: unbounded, minOut: 1, maxOut: unbounded, needsImpl: true, keys: keysPerInput},

	ir.KindMasterCheck: {minIn: 2, maxIn: 2, minOut: 2, maxOut: 2,
		inNames: []string{"master", "tx"}, outNames: []string{"found", "missed"}, sameType: []string{"*"}},
	ir.KindMasterJoin: {minIn: 2, maxIn: 2, minOut: 2, maxOut: 2,
		inNames: []string{"master", "tx"}, outNames: []string{"joined", "missed"}, sameType: []string{"missed"}},
	ir.KindMasterJoinUpdate: {minIn: 2, maxIn: 2, minOut: 2, maxOut: 2, needsImpl: true,
		inNames: []string{"master", "tx"}, outNames: []string{"updated", "missed"}, sameType: []string{"*"}},
	ir.KindMasterBranch: {minIn: 2, maxIn: 2, minOut: 2, maxOut: unbounded, needsImpl: true,
		inNames: []string{"master", "tx"}, outNames: []string{"missed"}, sameType: []string{"*"}},
}

func countOK(n, lo, hi int) bool {
	return n >= lo && (hi == unbounded || n <= hi)
}

func describeRange(lo, hi int) string {
	switch {
	case hi == unbounded:
		return "at least " + strconv.Itoa(lo)
	case lo == hi:
		return "exactly " + strconv.Itoa(lo)
	}
	return strconv.Itoa(lo) + " to " + strconv.Itoa(hi)
}
