// Package frontend reads flow descriptions written in CUE and builds the
// logical graphs the compiler consumes.
//
// A description declares record types, reusable flow parts and flows:
//
//	types: Order: fields: {id: "string", amount: "int"}
//
//	parts: tag: {
//		params: ["label"]
//		inputs: src: "Order"
//		outputs: dst: {type: "Order", from: "set"}
//		nodes: set: {
//			kind:   "update"
//			impl:   "builtin.set"
//			params: {field: "note", value: "${label}"}
//			in: in: "src"
//		}
//	}
//
//	flows: orders: {
//		inputs: orders: {type: "Order", size: "large"}
//		outputs: totals: {type: "Order", from: "total", required: true}
//		nodes: {
//			tagged: {kind: "part", part: "tag", args: {label: "x"}, in: src: "orders"}
//			total: {kind: "fold", impl: "builtin.sum", key: ["id"], in: in: "tagged.dst"}
//		}
//	}
//
// Inputs reference a producer as "node.port", or "node" when it has one
// output. Output port types default to the type of the node's first input
// ("tx" for joins). Operators without "out" get one port named "out";
// joins get their mandatory ports. Logging defaults to at_least_once.
package frontend
