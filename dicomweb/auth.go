package dicomweb

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// Auth type names as they appear in inference request connection details.
const (
	AuthTypeNone   = "None"
	AuthTypeBasic  = "Basic"
	AuthTypeBearer = "Bearer"
)

// Auth is the per-service credential configuration.
type Auth struct {
	Type string
	// ID is "user:pass" for Basic and the token for Bearer.
	ID string
}

// NewAuth builds an Auth from connection details; an empty type means None.
func NewAuth(authType, authID string) Auth {
	if authType == "" {
		authType = AuthTypeNone
	}
	return Auth{Type: authType, ID: authID}
}

// Apply sets the Authorization header on an outbound request.
func (a Auth) Apply(req *http.Request) {
	switch {
	case strings.EqualFold(a.Type, AuthTypeBasic):
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(a.ID)))
	case strings.EqualFold(a.Type, AuthTypeBearer):
		req.Header.Set("Authorization", "Bearer "+a.ID)
	}
}
