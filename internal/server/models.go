package server

import "time"

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Org      string `json:"org"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// MeResponse returns the current caller.
type MeResponse struct {
	UserID string `json:"user_id,omitempty"`
	Org    string `json:"org"`
}

// BeginRunRequest starts a run.
type BeginRunRequest struct {
	Query    string   `json:"query"`
	Mode     string   `json:"mode"`
	Backends []string `json:"backends"`
	ThreadID string   `json:"thread_id"`
}

// ResumeRunRequest answers a checkpoint. Decision is accept, edit or cancel.
type ResumeRunRequest struct {
	Decision   string `json:"decision"`
	EditedText string `json:"edited_text"`
}

// CancelResponse acknowledges a cancel request.
type CancelResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// RunSummary is one row of the archived run listing.
type RunSummary struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Query       string     `json:"query"`
	Mode        string     `json:"mode"`
	State       string     `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ProviderKeyRequest stores an organisation key for a backend.
type ProviderKeyRequest struct {
	Key string `json:"key"`
}

// ProvidersResponse lists the backends an organisation has keys for.
type ProvidersResponse struct {
	Providers []string `json:"providers"`
}
