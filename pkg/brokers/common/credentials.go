package common

// Credentials is a read-only copy of a broker's secrets handed out by the vault.
// Which fields are populated depends on the venue.
type Credentials struct {
	BrokerID    string            `json:"broker_id"`
	UserID      string            `json:"user_id,omitempty"` // empty for system-level secrets
	APIKey      string            `json:"api_key,omitempty"`
	APISecret   string            `json:"api_secret,omitempty"`
	Username    string            `json:"username,omitempty"`
	Password    string            `json:"password,omitempty"`
	AccessToken string            `json:"access_token,omitempty"`
	AccountID   string            `json:"account_id,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// SystemLevel reports whether the secrets are shared across users.
func (c Credentials) SystemLevel() bool { return c.UserID == "" }

// Get returns an Extra value.
func (c Credentials) Get(key string) string {
	if c.Extra == nil {
		return ""
	}
	return c.Extra[key]
}

// Clone returns a deep copy so adapters cannot mutate the vault's value.
func (c Credentials) Clone() Credentials {
	out := c
	if c.Extra != nil {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
