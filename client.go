package pgclient

import (
	"context"
	"fmt"

	"github.com/pgstream/pgclient/typeregistry"
)

// ReloadTypes re-runs the pg_type loader query and replaces the registry's
// catalogue. Called once automatically after Connect; callers may invoke it
// again after creating new enum/composite types mid-session.
func (c *Connection) ReloadTypes(ctx context.Context) error {
	return c.reloadTypes(ctx)
}

func (c *Connection) reloadTypes(ctx context.Context) error {
	result, err := c.Execute(ctx, typeregistry.LoaderQuery)
	if err != nil {
		return err
	}

	rows := make([]typeregistry.TypeRow, 0, len(result.Rows))
	for _, row := range result.Rows {
		tr, err := decodeTypeRow(row)
		if err != nil {
			return fmt.Errorf("decode pg_type row: %w", err)
		}
		rows = append(rows, tr)
	}

	c.registry.Load(rows)
	return nil
}

func decodeTypeRow(row Row) (typeregistry.TypeRow, error) {
	oid, ok := row.At(0).Int32()
	if !ok {
		return typeregistry.TypeRow{}, fmt.Errorf("oid column: unexpected type")
	}
	name, ok := row.At(1).Text()
	if !ok {
		return typeregistry.TypeRow{}, fmt.Errorf("typname column: unexpected type")
	}
	kind, ok := row.At(2).Text()
	if !ok {
		return typeregistry.TypeRow{}, fmt.Errorf("typtype column: unexpected type")
	}
	elem, ok := row.At(3).Int32()
	if !ok {
		return typeregistry.TypeRow{}, fmt.Errorf("typelem column: unexpected type")
	}
	recv, ok := row.At(4).Text()
	if !ok {
		return typeregistry.TypeRow{}, fmt.Errorf("typreceive column: unexpected type")
	}
	send, ok := row.At(5).Text()
	if !ok {
		return typeregistry.TypeRow{}, fmt.Errorf("typsend column: unexpected type")
	}

	var attrOIDs []uint32
	if elems, ok := row.At(6).Elements(); ok {
		attrOIDs = make([]uint32, len(elems))
		for i, e := range elems {
			v, _ := e.Int32()
			attrOIDs[i] = uint32(v)
		}
	}

	var k byte
	if len(kind) > 0 {
		k = kind[0]
	}

	return typeregistry.TypeRow{
		OID:           uint32(oid),
		Name:          name,
		Kind:          typeregistry.Kind(k),
		ElementOID:    uint32(elem),
		AttributeOIDs: attrOIDs,
		ReceiveName:   recv,
		SendName:      send,
	}, nil
}
