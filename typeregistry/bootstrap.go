package typeregistry

// bootstrapRows seeds the registry before the loader query can run: the
// loader query is itself sent as an ordinary extended-query round trip, and
// its columns are all cast to int4, text or int4[] precisely so that
// decoding its result set requires only these four types to already be
// known.
var bootstrapRows = []TypeRow{
	{OID: 23, Name: "int4", Kind: KindBase, ReceiveName: "int4recv", SendName: "int4send"},
	{OID: 25, Name: "text", Kind: KindBase, ReceiveName: "textrecv", SendName: "textsend"},
	{OID: 1007, Name: "_int4", Kind: KindBase, ElementOID: 23, ReceiveName: "array_recv", SendName: "array_send"},
	{OID: 1009, Name: "_text", Kind: KindBase, ElementOID: 25, ReceiveName: "array_recv", SendName: "array_send"},
}
