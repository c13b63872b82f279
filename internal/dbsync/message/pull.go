package message

// PullRequest is what a node posts to ask for everything past its last known
// version.
type PullRequest struct {
	NodeID           int64          `json:"node_id"`
	LastKnownVersion int64          `json:"last_known_version"`
	ExtraData        map[string]any `json:"extra_data,omitempty"`
}

// PullMessage is the server's answer: the compressed operation stream since
// the requested version, every row snapshot the merge will need, and the refs
// that were included only as foreign-key parents of other payloads.
type PullMessage struct {
	LatestVersion   int64     `json:"latest_version"`
	Operations      []WireOp  `json:"operations"`
	Payloads        Payloads  `json:"payloads"`
	IncludedParents []WireRef `json:"included_parents,omitempty"`
}

// RegisterResponse carries fresh node credentials.
type RegisterResponse struct {
	NodeID       int64  `json:"node_id"`
	Secret       string `json:"secret"`
	RegisteredTs int64  `json:"registered_ts"`
}

// RepairMessage is a full snapshot of every tracked table.
type RepairMessage struct {
	LatestVersion int64    `json:"latest_version"`
	Tables        Payloads `json:"tables"`
}

// QueryResponse carries the rows matched by a remote equality query.
type QueryResponse struct {
	Found Payloads `json:"found"`
}

// PushResponse acknowledges an accepted push.
type PushResponse struct {
	LatestVersion int64 `json:"latest_version"`
}

// TrimResponse reports the version the server journal was trimmed through.
// Zero means no trim happened because some node's horizon is unknown.
type TrimResponse struct {
	TrimmedThrough int64 `json:"trimmed_through"`
}
