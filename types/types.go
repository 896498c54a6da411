package types

// FreshIDsResponse answers GET /freshIds/:party.
type FreshIDsResponse struct {
	LinkageIDs []string `json:"linkageIds"`
}

// ShareResult is one party's XOR share of the comparator output.
type ShareResult struct {
	Match          bool   `json:"match"`
	TentativeMatch bool   `json:"tentative_match"`
	BestID         string `json:"bestId"`
}

// ShareRequest is the body of POST /linkageResult/:local/:remote.
type ShareRequest struct {
	Role   string       `json:"role"`
	Result *ShareResult `json:"result"`
}

type LinkageResponse struct {
	LinkageID string `json:"linkageId"`
}

type PendingResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type StatusResponse struct {
	Status          string   `json:"status"`
	Parties         []string `json:"parties"`
	ServerPublicKey string   `json:"serverPublicKey,omitempty"`
}

type ConnectionResponse struct {
	Party  string `json:"party"`
	Pad    int    `json:"pad"`
	Scheme string `json:"scheme"`
}

type ChallengeResponse struct {
	Token           string `json:"token"`
	ServerPublicKey string `json:"serverPublicKey"`
}

type CredentialResponse struct {
	Party        string `json:"party"`
	Organization string `json:"organization"`
	Credential   string `json:"credential"`
}

// Error kinds outside the linkage package.
const (
	KindNoBody       = "NoBody"
	KindBadRequest   = "BadRequest"
	KindUnauthorized = "Unauthorized"
	KindInternal     = "Internal"
)

const StatusPending = "pending"
