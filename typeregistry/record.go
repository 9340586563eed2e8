package typeregistry

import "fmt"

func registerRecordCodec(r *Registry) {
	r.RegisterCodec("record_recv", "record_send", decodeRecord, encodeRecord)
}

func decodeRecord(reg *Registry, t TypeRow, data []byte) (Value, error) {
	c := cursor{data: data}

	nfields, err := c.int32()
	if err != nil {
		return Value{}, fmt.Errorf("record header: %w", err)
	}

	fields := make([]Value, nfields)
	for i := int32(0); i < nfields; i++ {
		oid, err := c.uint32()
		if err != nil {
			return Value{}, fmt.Errorf("Record field %d: %w", i, err)
		}
		// The anonymous record pseudotype carries no attribute OIDs to check
		// against; a named composite's inline OIDs must match its catalogue
		// row exactly.
		if int(i) < len(t.AttributeOIDs) && oid != t.AttributeOIDs[i] {
			return Value{}, fmt.Errorf("Record field %d: type oid %d does not match expected attribute oid %d", i, oid, t.AttributeOIDs[i])
		}
		length, err := c.int32()
		if err != nil {
			return Value{}, fmt.Errorf("Record field %d: %w", i, err)
		}
		if length < 0 {
			fields[i] = Null()
			continue
		}
		raw, err := c.bytes(int(length))
		if err != nil {
			return Value{}, fmt.Errorf("Record field %d: %w", i, err)
		}
		v, err := reg.Recv(oid, raw)
		if err != nil {
			return Value{}, fmt.Errorf("Record field %d: %w", i, err)
		}
		fields[i] = v
	}

	return Record(fields), nil
}

func encodeRecord(reg *Registry, t TypeRow, v Value) ([]byte, error) {
	fields, ok := v.Elements()
	if !ok {
		return nil, fmt.Errorf("Expected record, got %s", v.kindName())
	}
	if t.Kind != KindComposite {
		return nil, fmt.Errorf("record: type %s (oid %d) is not a composite type", t.Name, t.OID)
	}
	if len(fields) != len(t.AttributeOIDs) {
		return nil, fmt.Errorf("record: expected %d fields, got %d", len(t.AttributeOIDs), len(fields))
	}

	buf := appendInt32(nil, int32(len(fields)))

	for i, f := range fields {
		oid := t.AttributeOIDs[i]
		buf = appendUint32(buf, oid)

		if f.IsNull() {
			buf = appendInt32(buf, -1)
			continue
		}

		encoded, err := reg.Send(oid, f)
		if err != nil {
			return nil, fmt.Errorf("Record field %d: %w", i, err)
		}
		buf = appendInt32(buf, int32(len(encoded)))
		buf = append(buf, encoded...)
	}

	return buf, nil
}
