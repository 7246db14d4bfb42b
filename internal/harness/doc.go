// Package harness runs conformance scenarios for compiled flows.
//
// A scenario is a YAML file naming a CUE flow directory and a flow, the
// records to feed each external input and what must come out:
//
//	name: order-totals
//	description: Orders tagged then summed per id
//	flow_dir: ../flows/orders
//	flow: totals
//	inputs:
//	  orders:
//	    - {id: a, amount: 2}
//	expect:
//	  outputs:
//	    totals:
//	      - {id: a, amount: 2, note: x}
//	  stages: 2
//
// Every scenario is compiled and run at least twice, optimized and
// unoptimized, and both runs must produce the same outputs. Flows with
// joins run twice more, once with every join forced to broadcast and once
// forced to shuffle. Output comparison is by multiset of canonical records.
//
// Runs use a resettable logical clock and a static run id, so a
// scenario's snapshot (plan and outputs) is byte-identical across runs and
// can be kept as a goldie golden file under testdata/golden.
package harness
