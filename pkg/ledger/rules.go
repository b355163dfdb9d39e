package ledger

import (
	"github.com/asyncgate/asyncgate/pkg/types"
)

// terminationRules is the static obligation → terminators table.
// Termination is a database fact derived from this table and the
// parents links, never inferred from task status.
//
// Future rules slot in here, e.g. lease.granted → lease.released,
// lease.expired.
var terminationRules = map[types.ReceiptType][]types.ReceiptType{
	types.ReceiptTaskAssigned: {
		types.ReceiptTaskCompleted,
		types.ReceiptTaskFailed,
		types.ReceiptTaskCanceled,
	},
}

// ObligationTypes returns the receipt types that open an obligation.
func ObligationTypes() []types.ReceiptType {
	out := make([]types.ReceiptType, 0, len(terminationRules))
	for t := range terminationRules {
		out = append(out, t)
	}
	return out
}

// TerminatorTypes returns the union of all terminator types.
func TerminatorTypes() []types.ReceiptType {
	seen := map[types.ReceiptType]bool{}
	var out []types.ReceiptType
	for _, terms := range terminationRules {
		for _, t := range terms {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// TerminatorsFor returns the terminator types registered for an
// obligation type, or nil when the type opens no obligation.
func TerminatorsFor(obligation types.ReceiptType) []types.ReceiptType {
	return terminationRules[obligation]
}

// IsObligationType reports whether receipts of this type open an
// obligation.
func IsObligationType(t types.ReceiptType) bool {
	_, ok := terminationRules[t]
	return ok
}

// IsTerminatorType reports whether receipts of this type discharge
// some obligation type.
func IsTerminatorType(t types.ReceiptType) bool {
	for _, terms := range terminationRules {
		for _, term := range terms {
			if term == t {
				return true
			}
		}
	}
	return false
}

// CanTerminate reports whether a receipt of terminator type t
// discharges obligations of type o.
func CanTerminate(t, o types.ReceiptType) bool {
	for _, term := range terminationRules[o] {
		if term == t {
			return true
		}
	}
	return false
}
