package domain

import "time"

// AuthorizationContext carries everything known about one access attempt.
// It is built per request and treated as read-only during evaluation.
type AuthorizationContext struct {
	// PrincipalID identifies the already-authenticated principal
	PrincipalID string `json:"principal_id"`

	// Attributes are the principal's attributes (role, department, ...)
	Attributes map[string]string `json:"attributes,omitempty"`

	// Resource is the target resource name
	Resource string `json:"resource"`

	// Action is the attempted action
	Action string `json:"action"`

	// IPAddress is the client address, possibly with a port
	IPAddress string `json:"ip_address,omitempty"`

	// Timestamp is when the request was made; zero means "now"
	Timestamp time.Time `json:"timestamp"`

	// Additional holds extra facts for custom conditions
	Additional map[string]any `json:"additional,omitempty"`
}

// Attribute returns a principal attribute and whether it was present.
func (c *AuthorizationContext) Attribute(key string) (string, bool) {
	if c == nil || c.Attributes == nil {
		return "", false
	}
	v, ok := c.Attributes[key]
	return v, ok
}

// Fact returns an additional fact and whether it was present.
func (c *AuthorizationContext) Fact(key string) (any, bool) {
	if c == nil || c.Additional == nil {
		return nil, false
	}
	v, ok := c.Additional[key]
	return v, ok
}

// TimeOr returns the request timestamp, or fallback when unset.
func (c *AuthorizationContext) TimeOr(fallback time.Time) time.Time {
	if c == nil || c.Timestamp.IsZero() {
		return fallback
	}
	return c.Timestamp
}
