// Package event holds the decoded chain events the sink consumes. The
// upstream stream decoder is an external collaborator; these types are its
// boundary.
package event

// BlockEvent is the causal context for one processing batch. It is never
// persisted on its own, only stamped onto the rows derived from the batch.
type BlockEvent struct {
	BlockNumber uint64 `json:"blockNumber"`
	Cursor      string `json:"cursor"`
	RequestID   string `json:"requestId"`
	Timestamp   int64  `json:"timestamp"`
}

// SpacePluginCreated is emitted when a space plugin is installed on a DAO.
type SpacePluginCreated struct {
	DAOAddress   string `json:"daoAddress"`
	SpaceAddress string `json:"spaceAddress"`
}

// GovernancePluginsCreated is emitted when the voting and member-access
// plugins are installed on a DAO.
type GovernancePluginsCreated struct {
	DAOAddress          string `json:"daoAddress"`
	MainVotingAddress   string `json:"mainVotingAddress"`
	MemberAccessAddress string `json:"memberAccessAddress"`
}

// EditPublished is emitted when a space contract executes an edit. The
// actual payload lives behind the content URI.
type EditPublished struct {
	ContentURI    string `json:"contentUri"`
	PluginAddress string `json:"pluginAddress"`
	DAOAddress    string `json:"daoAddress"`
}

// Block is one batch from the upstream stream: the block context plus the
// typed event arrays the sink cares about.
type Block struct {
	Block                    BlockEvent                 `json:"block"`
	SpacesCreated            []SpacePluginCreated       `json:"spacesCreated,omitempty"`
	GovernancePluginsCreated []GovernancePluginsCreated `json:"governancePluginsCreated,omitempty"`
	EditsPublished           []EditPublished            `json:"editsPublished,omitempty"`
}
