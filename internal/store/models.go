package store

// Space is an onchain space with its known plugin addresses. Governance
// plugin addresses arrive in a later event than the space itself, so both
// rows upsert into the same record.
type Space struct {
	ID                  string
	DAOAddress          string
	SpacePluginAddress  string
	MainVotingAddress   string
	MemberAccessAddress string
	CreatedAtBlock      uint64
}

// Cursor is the stream position the sink has fully processed. Row id is
// always 0; there is one consumer.
type Cursor struct {
	Cursor      string
	BlockNumber uint64
}
