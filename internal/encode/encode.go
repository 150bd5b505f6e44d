// Package encode converts decoded pgoutput tuple text values into
// JSON-safe Go values per the PostgreSQL type -> JSON encoding table (§4.6).
package encode

import (
	"strconv"

	"github.com/dbmazz/cdc/internal/cdcmsg"
)

// PostgreSQL OIDs referenced by the encoding table (§4.6).
const (
	OIDBool        = 16
	OIDInt8        = 20
	OIDInt2        = 21
	OIDInt4        = 23
	OIDFloat4      = 700
	OIDFloat8      = 701
	OIDNumeric     = 1700
	OIDTimestamp   = 1114
	OIDTimestampTZ = 1184
	OIDText        = 25
	OIDVarchar     = 1043
	OIDBPChar      = 1042
	OIDJSON        = 3802
)

// Value converts one column's TupleData to a JSON-safe value given its
// PostgreSQL type OID. Null maps to nil. Toast maps to nil (lossy on
// insert, an accepted Open Question resolution — see DESIGN.md).
func Value(td cdcmsg.TupleData, pgType uint32) any {
	switch td.Kind {
	case cdcmsg.KindNull:
		return nil
	case cdcmsg.KindToast:
		return nil
	}

	text := string(td.Text)
	switch pgType {
	case OIDBool:
		switch text {
		case "t", "true", "1":
			return true
		default:
			return false
		}
	case OIDInt2, OIDInt4, OIDInt8:
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return n
		}
		return text
	case OIDFloat4, OIDFloat8:
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return f
		}
		return text
	case OIDNumeric, OIDTimestamp, OIDTimestampTZ:
		return text
	default:
		return text
	}
}
