package source

import (
	"github.com/maxpert/changerelay/cfg"
)

// Credentials is one of URLCredentials, TokenCredentials or PasswordCredentials
type Credentials interface {
	// Method names the credential set for logging, never its secrets
	Method() string
	sealed()
}

// URLCredentials is a pre-authorized connection URL of the form
// force://<clientId>:<clientSecret>:<refreshToken>@<host>
type URLCredentials struct {
	URL string
}

// TokenCredentials is an instance URL with an existing access token
type TokenCredentials struct {
	InstanceURL string
	AccessToken string
}

// PasswordCredentials logs in with a username and password. LoginURL is
// optional.
type PasswordCredentials struct {
	Username string
	Password string
	LoginURL string
}

func (URLCredentials) Method() string      { return "connection URL" }
func (TokenCredentials) Method() string    { return "access token" }
func (PasswordCredentials) Method() string { return "username & password" }

func (URLCredentials) sealed()      {}
func (TokenCredentials) sealed()    {}
func (PasswordCredentials) sealed() {}

// ResolveCredentials picks the first satisfiable credential set, in priority
// order URL, token, password. Returns ErrNoCredentials when none is.
func ResolveCredentials(c cfg.SourceConfiguration) (Credentials, error) {
	switch {
	case c.URL != "":
		return URLCredentials{URL: c.URL}, nil
	case c.InstanceURL != "" && c.AccessToken != "":
		return TokenCredentials{InstanceURL: c.InstanceURL, AccessToken: c.AccessToken}, nil
	case c.Username != "" && c.Password != "":
		return PasswordCredentials{Username: c.Username, Password: c.Password, LoginURL: c.LoginURL}, nil
	default:
		return nil, ErrNoCredentials
	}
}
