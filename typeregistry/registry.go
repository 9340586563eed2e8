package typeregistry

import (
	"fmt"
	"sync"

	"github.com/pgstream/pgclient/codes"
	"github.com/pgstream/pgclient/internal/errs"
)

// TypeRow is a single row of the in-memory pg_type catalogue: OID, name,
// kind, element OID (for arrays), attribute OIDs (for composites), and the
// names of the binary send/recv functions the wire dispatches on.
type TypeRow struct {
	OID           uint32
	Name          string
	Kind          Kind
	ElementOID    uint32
	AttributeOIDs []uint32
	ReceiveName   string
	SendName      string
}

// LoaderQuery is the query issued after startup (and on ReloadTypes) to
// populate the registry from pg_type. It must be decodable using only the
// bootstrap rows (int4, text, and their one-dimensional arrays), so every
// column is cast away from its true catalog type: oid/typelem and the
// atttypid array are oid/oid[] (no bootstrap codec), typname is name,
// typtype is "char", and typreceive/typsend are regproc. Casting to
// int4/text/int4[] routes all of them through the bootstrap codecs.
const LoaderQuery = `
SELECT oid::int4, typname::text, typtype::text, typelem::int4, typreceive::text, typsend::text,
       array(SELECT atttypid::int4 FROM pg_attribute
             WHERE attrelid = typrelid AND NOT attisdropped AND attnum > 0
             ORDER BY attnum) AS attrtypids
FROM pg_type WHERE typisdefined`

// Decoder decodes a binary wire value for a given type into a Value.
type Decoder func(reg *Registry, t TypeRow, data []byte) (Value, error)

// Encoder encodes a Value into its binary wire representation for a given
// type.
type Encoder func(reg *Registry, t TypeRow, v Value) ([]byte, error)

// Registry is the in-memory catalogue mapping type OID to its TypeRow, plus
// the dispatch tables from typreceive/typsend function name to codec. It is
// safe for concurrent use: ReloadTypes may run concurrently with in-flight
// queries on other prepared statements.
type Registry struct {
	mu       sync.RWMutex
	byOID    map[uint32]TypeRow
	decoders map[string]Decoder
	encoders map[string]Encoder
}

// New constructs a Registry pre-populated with the bootstrap rows and the
// standard scalar/array/record codec dispatch table.
func New() *Registry {
	r := &Registry{
		byOID:    make(map[uint32]TypeRow, 64),
		decoders: make(map[string]Decoder, 32),
		encoders: make(map[string]Encoder, 32),
	}

	for _, row := range bootstrapRows {
		r.byOID[row.OID] = row
	}

	registerScalarCodecs(r)
	registerArrayCodec(r)
	registerRecordCodec(r)
	registerNumericCodec(r)

	return r
}

// RegisterCodec installs a decoder/encoder pair under the given typreceive/
// typsend function names. Exists so callers can extend the registry with
// additional scalar or domain-specific codecs beyond the built-in set.
func (r *Registry) RegisterCodec(receiveName, sendName string, dec Decoder, enc Encoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dec != nil {
		r.decoders[receiveName] = dec
	}
	if enc != nil {
		r.encoders[sendName] = enc
	}
}

// Load replaces the catalogue with the given rows, except it never evicts
// the bootstrap rows (so degenerate pg_type results can't break the client's
// own bootstrapping invariant on a subsequent ReloadTypes).
func (r *Registry) Load(rows []TypeRow) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[uint32]TypeRow, len(rows)+len(bootstrapRows))
	for _, row := range bootstrapRows {
		next[row.OID] = row
	}
	for _, row := range rows {
		next[row.OID] = row
	}
	r.byOID = next
}

// Lookup returns the TypeRow for oid.
func (r *Registry) Lookup(oid uint32) (TypeRow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.byOID[oid]
	return row, ok
}

// Recv decodes data as a value of type oid.
func (r *Registry) Recv(oid uint32, data []byte) (Value, error) {
	row, ok := r.Lookup(oid)
	if !ok {
		return Value{}, errs.WithCode(fmt.Errorf("Unknown type: oid %d", oid), codes.UndefinedObject)
	}

	r.mu.RLock()
	dec, ok := r.decoders[row.ReceiveName]
	r.mu.RUnlock()
	if !ok {
		return Value{}, errs.WithCode(fmt.Errorf("Unsupported type: %s (oid %d, typreceive %s)", row.Name, oid, row.ReceiveName), codes.FeatureNotSupported)
	}

	return dec(r, row, data)
}

// Send encodes v as a value of type oid.
func (r *Registry) Send(oid uint32, v Value) ([]byte, error) {
	row, ok := r.Lookup(oid)
	if !ok {
		return nil, errs.WithCode(fmt.Errorf("Unknown type: oid %d", oid), codes.UndefinedObject)
	}

	r.mu.RLock()
	enc, ok := r.encoders[row.SendName]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.WithCode(fmt.Errorf("Unsupported type: %s (oid %d, typsend %s)", row.Name, oid, row.SendName), codes.FeatureNotSupported)
	}

	return enc(r, row, v)
}
