package pgclient

import "github.com/lib/pq/oid"

// Well-known type OIDs, re-exported from lib/pq's oid package so callers
// constructing Prepare's paramOIDs vector don't have to hardcode magic
// numbers for the common scalar types.
const (
	OIDBool      = uint32(oid.T_bool)
	OIDInt2      = uint32(oid.T_int2)
	OIDInt4      = uint32(oid.T_int4)
	OIDInt8      = uint32(oid.T_int8)
	OIDFloat4    = uint32(oid.T_float4)
	OIDFloat8    = uint32(oid.T_float8)
	OIDText      = uint32(oid.T_text)
	OIDVarchar   = uint32(oid.T_varchar)
	OIDBytea     = uint32(oid.T_bytea)
	OIDTimestamp = uint32(oid.T_timestamp)
	OIDTimestamptz = uint32(oid.T_timestamptz)
	OIDJSON      = uint32(oid.T_json)
	OIDJSONB     = uint32(oid.T_jsonb)
	OIDNumeric   = uint32(oid.T_numeric)
	OIDInt4Array = uint32(oid.T__int4)
	OIDTextArray = uint32(oid.T__text)
)
