package search

import (
	"strings"

	"github.com/aox/aox/store"
)

// SortKey is one RFC 5256 sort criterion.
type SortKey struct {
	Reverse bool
	Key     string // arrival, cc, date, from, size, subject, to.
}

// ParseSortKeys parses a sort program like "REVERSE DATE SUBJECT".
func ParseSortKeys(words []string) ([]SortKey, bool) {
	var keys []SortKey
	reverse := false
	for _, w := range words {
		switch strings.ToLower(w) {
		case "reverse":
			reverse = true
			continue
		case "arrival", "cc", "date", "from", "size", "subject", "to":
			keys = append(keys, SortKey{reverse, strings.ToLower(w)})
			reverse = false
		default:
			return nil, false
		}
	}
	if reverse || len(keys) == 0 {
		return nil, false
	}
	return keys, true
}

// compileSort adds the ordering joins and order-by expressions for the sort
// keys. Each ordering expression is also appended to the select list, as
// select distinct requires.
func (cc *compilation) compileSort() {
	for _, k := range cc.Sort {
		var expr string
		switch k.Key {
		case "arrival":
			expr = cc.mm + ".idate"
		case "date":
			cc.needDateFields = true
			expr = "df.value"
		case "from", "to", "cc":
			cc.join++
			jn := fn(cc.join)
			n := cc.placeHolder()
			cc.q.Bind(n, store.FieldID(k.Key))
			j := " left join address_fields saf" + jn + " on (saf" + jn + ".message=" + cc.mm + ".message and saf" + jn + ".field=$" + fn(n) + ")" +
				" left join addresses sa" + jn + " on (sa" + jn + ".id=saf" + jn + ".address)"
			cc.extraJoins = append(cc.extraJoins, j)
			expr = "lower(sa" + jn + ".localpart||'@'||sa" + jn + ".domain)"
		case "size":
			cc.needMessages = true
			expr = "m.rfc822size"
		case "subject":
			cc.join++
			jn := fn(cc.join)
			n := cc.placeHolder()
			cc.q.Bind(n, store.FieldID("subject"))
			j := " left join header_fields shf" + jn + " on (shf" + jn + ".message=" + cc.mm + ".message and shf" + jn + ".field=$" + fn(n) + ")"
			cc.extraJoins = append(cc.extraJoins, j)
			expr = "lower(shf" + jn + ".value)"
		default:
			cc.errorf("unknown sort key %q", k.Key)
		}
		cc.selectExtra = append(cc.selectExtra, expr)
		if k.Reverse {
			expr += " desc"
		}
		cc.orderBy = append(cc.orderBy, expr)
	}
	// A stable tiebreak, also part of the select list already.
	cc.orderBy = append(cc.orderBy, cc.mm+".uid")
}
