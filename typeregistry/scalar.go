package typeregistry

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// pgEpoch is the zero point microsecond timestamps and timestamptz values
// are counted from (2000-01-01 00:00:00 UTC), per the integer_datetimes wire
// format all modern servers use.
var pgEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

func registerScalarCodecs(r *Registry) {
	r.RegisterCodec("boolrecv", "boolsend", decodeBool, encodeBool)

	r.RegisterCodec("int2recv", "int2send", decodeInt16, encodeInt16)
	r.RegisterCodec("int4recv", "int4send", decodeInt32, encodeInt32)
	r.RegisterCodec("int8recv", "int8send", decodeInt64, encodeInt64)

	r.RegisterCodec("float4recv", "float4send", decodeFloat32, encodeFloat32)
	r.RegisterCodec("float8recv", "float8send", decodeFloat64, encodeFloat64)

	r.RegisterCodec("textrecv", "textsend", decodeText, encodeText)
	r.RegisterCodec("varcharrecv", "varcharsend", decodeText, encodeText)
	r.RegisterCodec("bpcharrecv", "bpcharsend", decodeText, encodeText)
	r.RegisterCodec("namerecv", "namesend", decodeText, encodeText)
	r.RegisterCodec("enum_recv", "enum_send", decodeText, encodeText)

	r.RegisterCodec("bytearecv", "byteasend", decodeBytes, encodeBytes)

	r.RegisterCodec("timestamp_recv", "timestamp_send", decodeTimestamp, encodeTimestamp)
	r.RegisterCodec("timestamptz_recv", "timestamptz_send", decodeTimestamp, encodeTimestamp)

	r.RegisterCodec("json_recv", "json_send", decodeJSON, encodeJSON)
	r.RegisterCodec("jsonb_recv", "jsonb_send", decodeJSONB, encodeJSONB)

	r.RegisterCodec("void_recv", "void_send", decodeVoid, encodeVoid)

	// oid is sent and received exactly like int4 on the wire.
	r.RegisterCodec("oidrecv", "oidsend", decodeOID, encodeOID)
}

func decodeBool(_ *Registry, _ TypeRow, data []byte) (Value, error) {
	if len(data) != 1 {
		return Value{}, fmt.Errorf("bool: expected 1 byte, got %d", len(data))
	}
	return Bool(data[0] != 0), nil
}

func encodeBool(_ *Registry, _ TypeRow, v Value) ([]byte, error) {
	b, ok := v.Bool()
	if !ok {
		return nil, fmt.Errorf("Expected boolean, got %s", v.kindName())
	}
	if b {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func decodeInt16(_ *Registry, _ TypeRow, data []byte) (Value, error) {
	if len(data) != 2 {
		return Value{}, fmt.Errorf("int2: expected 2 bytes, got %d", len(data))
	}
	return Int16(int16(binary.BigEndian.Uint16(data))), nil
}

func encodeInt16(_ *Registry, _ TypeRow, v Value) ([]byte, error) {
	i, ok := v.Int16()
	if !ok {
		return nil, fmt.Errorf("Expected number, got %s", v.kindName())
	}
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(i))
	return buf, nil
}

func decodeInt32(_ *Registry, _ TypeRow, data []byte) (Value, error) {
	if len(data) != 4 {
		return Value{}, fmt.Errorf("int4: expected 4 bytes, got %d", len(data))
	}
	return Int32(int32(binary.BigEndian.Uint32(data))), nil
}

func encodeInt32(_ *Registry, _ TypeRow, v Value) ([]byte, error) {
	i, ok := v.Int32()
	if !ok {
		return nil, fmt.Errorf("Expected number, got %s", v.kindName())
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(i))
	return buf, nil
}

func decodeInt64(_ *Registry, _ TypeRow, data []byte) (Value, error) {
	if len(data) != 8 {
		return Value{}, fmt.Errorf("int8: expected 8 bytes, got %d", len(data))
	}
	return Int64(int64(binary.BigEndian.Uint64(data))), nil
}

func encodeInt64(_ *Registry, _ TypeRow, v Value) ([]byte, error) {
	i, ok := v.Int64()
	if !ok {
		return nil, fmt.Errorf("Expected number, got %s", v.kindName())
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf, nil
}

func decodeFloat32(_ *Registry, _ TypeRow, data []byte) (Value, error) {
	if len(data) != 4 {
		return Value{}, fmt.Errorf("float4: expected 4 bytes, got %d", len(data))
	}
	return Float32(math.Float32frombits(binary.BigEndian.Uint32(data))), nil
}

func encodeFloat32(_ *Registry, _ TypeRow, v Value) ([]byte, error) {
	f, ok := v.Float32()
	if !ok {
		return nil, fmt.Errorf("Expected number, got %s", v.kindName())
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(f))
	return buf, nil
}

func decodeFloat64(_ *Registry, _ TypeRow, data []byte) (Value, error) {
	if len(data) != 8 {
		return Value{}, fmt.Errorf("float8: expected 8 bytes, got %d", len(data))
	}
	return Float64(math.Float64frombits(binary.BigEndian.Uint64(data))), nil
}

func encodeFloat64(_ *Registry, _ TypeRow, v Value) ([]byte, error) {
	f, ok := v.Float64()
	if !ok {
		return nil, fmt.Errorf("Expected number, got %s", v.kindName())
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(f))
	return buf, nil
}

// decodeText covers text, varchar, bpchar, name and enum labels: all of
// these send their value as plain UTF-8 bytes with no length prefix (the
// frame's own length field delimits it). bpchar values arrive already
// space-padded to the column's declared width by the server; this codec
// does not re-pad on the way out since a bind parameter has no declared
// width to pad to.
func decodeText(_ *Registry, _ TypeRow, data []byte) (Value, error) {
	return Text(string(data)), nil
}

func encodeText(_ *Registry, _ TypeRow, v Value) ([]byte, error) {
	s, ok := v.Text()
	if !ok {
		return nil, fmt.Errorf("Expected string, got %s", v.kindName())
	}
	return []byte(s), nil
}

func decodeBytes(_ *Registry, _ TypeRow, data []byte) (Value, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return Bytes(out), nil
}

func encodeBytes(_ *Registry, _ TypeRow, v Value) ([]byte, error) {
	b, ok := v.Bytes()
	if !ok {
		return nil, fmt.Errorf("Expected bytes, got %s", v.kindName())
	}
	return b, nil
}

func decodeTimestamp(_ *Registry, _ TypeRow, data []byte) (Value, error) {
	if len(data) != 8 {
		return Value{}, fmt.Errorf("timestamp: expected 8 bytes, got %d", len(data))
	}
	micros := int64(binary.BigEndian.Uint64(data))
	return Timestamp(pgEpoch.Add(time.Duration(micros) * time.Microsecond)), nil
}

func encodeTimestamp(_ *Registry, _ TypeRow, v Value) ([]byte, error) {
	t, ok := v.Timestamp()
	if !ok {
		return nil, fmt.Errorf("Expected timestamp, got %s", v.kindName())
	}
	micros := t.Sub(pgEpoch).Microseconds()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(micros))
	return buf, nil
}

func decodeJSON(_ *Registry, _ TypeRow, data []byte) (Value, error) {
	return JSON(string(data)), nil
}

func encodeJSON(_ *Registry, _ TypeRow, v Value) ([]byte, error) {
	s, ok := v.Text()
	if !ok {
		return nil, fmt.Errorf("Expected string, got %s", v.kindName())
	}
	return []byte(s), nil
}

// jsonbVersion is the single leading format-version byte every jsonb value
// carries on the wire ahead of its text.
const jsonbVersion = 0x01

func decodeJSONB(_ *Registry, _ TypeRow, data []byte) (Value, error) {
	if len(data) < 1 {
		return Value{}, fmt.Errorf("jsonb: missing version byte")
	}
	if data[0] != jsonbVersion {
		return Value{}, fmt.Errorf("jsonb: unsupported version byte 0x%02x", data[0])
	}
	return JSON(string(data[1:])), nil
}

func encodeJSONB(_ *Registry, _ TypeRow, v Value) ([]byte, error) {
	s, ok := v.Text()
	if !ok {
		return nil, fmt.Errorf("Expected string, got %s", v.kindName())
	}
	buf := make([]byte, 0, len(s)+1)
	buf = append(buf, jsonbVersion)
	buf = append(buf, s...)
	return buf, nil
}

func decodeVoid(_ *Registry, _ TypeRow, _ []byte) (Value, error) {
	return Null(), nil
}

func encodeVoid(_ *Registry, _ TypeRow, _ Value) ([]byte, error) {
	return nil, nil
}

func decodeOID(_ *Registry, _ TypeRow, data []byte) (Value, error) {
	if len(data) != 4 {
		return Value{}, fmt.Errorf("oid: expected 4 bytes, got %d", len(data))
	}
	return Int32(int32(binary.BigEndian.Uint32(data))), nil
}

func encodeOID(_ *Registry, _ TypeRow, v Value) ([]byte, error) {
	i, ok := v.Int32()
	if !ok {
		return nil, fmt.Errorf("Expected number, got %s", v.kindName())
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(i))
	return buf, nil
}
