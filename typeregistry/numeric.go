package typeregistry

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericMap is used purely as a binary-format helper around pgtype's
// NumericCodec: this package never opens a connection through pgx, it only
// reuses pgx's numeric wire-format implementation so the public value type
// exposed to callers stays shopspring/decimal.Decimal rather than
// pgtype.Numeric.
var numericMap = pgtype.NewMap()

func registerNumericCodec(r *Registry) {
	r.RegisterCodec("numeric_recv", "numeric_send", decodeNumeric, encodeNumeric)
}

func decodeNumeric(_ *Registry, _ TypeRow, data []byte) (Value, error) {
	var n pgtype.Numeric
	if err := numericMap.Scan(pgtype.NumericOID, pgtype.BinaryFormatCode, data, &n); err != nil {
		return Value{}, fmt.Errorf("numeric: %w", err)
	}
	if !n.Valid {
		return Null(), nil
	}
	if n.NaN {
		return Value{}, fmt.Errorf("numeric: NaN has no decimal representation")
	}
	return Numeric(decimal.NewFromBigInt(n.Int, n.Exp)), nil
}

func encodeNumeric(_ *Registry, _ TypeRow, v Value) ([]byte, error) {
	d, ok := v.Numeric()
	if !ok {
		return nil, fmt.Errorf("Expected number, got %s", v.kindName())
	}

	n := pgtype.Numeric{
		Int:   d.Coefficient(),
		Exp:   d.Exponent(),
		Valid: true,
	}

	buf, err := numericMap.Encode(pgtype.NumericOID, pgtype.BinaryFormatCode, n, nil)
	if err != nil {
		return nil, fmt.Errorf("numeric: %w", err)
	}
	return buf, nil
}
