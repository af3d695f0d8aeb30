package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Uninett/zino/internal/snmp"
)

// columnIndex extracts everything after root in a tabular OID, the SNMP
// index for that row (e.g. ifIndex, peer address encoded as an
// IP-indexed OID suffix).
func columnIndex(root, oid string) (string, bool) {
	if !strings.HasPrefix(oid, root+".") {
		return "", false
	}
	return strings.TrimPrefix(oid, root+"."), true
}

// indexTable walks a column into index -> string value, formatting each
// varbind's Value with fmt.Sprint (gosnmp already decodes integers,
// octet strings, and counters into native Go types).
func indexTable(vbs []snmp.Varbind, root string) map[string]string {
	out := make(map[string]string, len(vbs))
	for _, vb := range vbs {
		idx, ok := columnIndex(root, vb.OID)
		if !ok {
			continue
		}
		out[idx] = fmt.Sprint(vb.Value)
	}
	return out
}

// ascendingIntKeys returns the keys of an index->value map as ints, sorted
// ascending, implementing the spec's ifindex-ascending tie-break for
// deterministic history when multiple transitions land in one poll cycle
// (spec §4.2 "Tie-break").
func ascendingIntKeys(m map[string]string) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		if n, err := strconv.Atoi(k); err == nil {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

// ascendingKeys returns string-valued index keys sorted lexically, used
// for tables indexed by something other than a plain integer (BGP peer
// address, BFD discriminator-as-string).
func ascendingKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
