package authority

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	AccessToken  string
	RefreshToken string

	UserID   string
	Username string
	Email    string
	Role     string
	Admin    bool
}

// TokenPair is the outcome of a successful refresh.
//
// RefreshToken may be empty: the authority is allowed to keep the old
// refresh credential valid and only rotate the access token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Validity reports the remaining lifetime of an access token.
type Validity struct {
	Valid                bool
	TimeRemainingSeconds float64
}

// RawPermissionRecord is the authority's backing row for a role grant.
// Its identifiers are cross-checked by the claims verifier.
type RawPermissionRecord struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// RoleResult is the authority's answer to the current-role query.
type RoleResult struct {
	Success     bool                `json:"success"`
	UserID      string              `json:"user_id"`
	Role        string              `json:"user_role"`
	Permissions map[string]bool     `json:"permissions"`
	Raw         RawPermissionRecord `json:"raw_permission_data"`
}

// ---- wire bodies ----

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
		Role     string `json:"role"`
		IsAdmin  bool   `json:"is_admin"`
	} `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type checkResponse struct {
	Valid                bool    `json:"valid"`
	TimeRemainingSeconds float64 `json:"time_remaining_seconds"`
}
