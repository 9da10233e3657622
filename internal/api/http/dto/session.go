package dto

// SignedRequest is the envelope for device-authenticated endpoints: the
// signature covers METHOD\nPATH\ntimestamp\nnonce.
type SignedRequest struct {
	DeviceID  string `json:"device_id" binding:"required"`
	Timestamp string `json:"timestamp" binding:"required"`
	Nonce     string `json:"nonce" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

type SessionResponse struct {
	Token string `json:"token"`
}

type WorkerJoinTokenResponse struct {
	JoinToken string `json:"join_token"`
}

type WorkerJoinRequest struct {
	JoinToken       string `json:"join_token" binding:"required"`
	WorkerPublicKey string `json:"worker_public_key" binding:"required"`
}

type WorkerJoinResponse struct {
	WorkerID   string `json:"worker_id"`
	Credential string `json:"credential"`
}
