package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrConfiguration indicates the client or the server-advertised auth
// configuration is incomplete (missing base address, provider server URL or
// redirect URL). It is fatal for the acquisition attempt that observed it.
var ErrConfiguration = errors.New("auth: configuration error")

// ErrServerResponse indicates the server's auth configuration endpoint could
// not be reached or returned a missing or malformed payload.
var ErrServerResponse = errors.New("auth: invalid server response")

// ErrUnauthorized indicates the remote server rejected the attached credential.
var ErrUnauthorized = errors.New("auth: unauthorized")

// ErrClosed is returned by operations attempted on a closed component.
var ErrClosed = errors.New("auth: closed")

// Method is the authentication method advertised by the remote server.
type Method int

const (
	// MethodAnonymous means the server accepts requests without credentials.
	MethodAnonymous Method = iota
	// MethodInteractive means credentials come from an identity provider and
	// may require an interactive login.
	MethodInteractive
)

func (m Method) String() string {
	switch m {
	case MethodAnonymous:
		return "Anonymous"
	case MethodInteractive:
		return "Interactive"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod maps the server's method name onto a Method. Matching is case
// insensitive. Identity-provider backed methods all map to MethodInteractive.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "anonymous":
		return MethodAnonymous, nil
	case "interactive", "openidconnect", "oidc":
		return MethodInteractive, nil
	case "":
		return 0, fmt.Errorf("%w: missing auth method", ErrServerResponse)
	default:
		return 0, fmt.Errorf("%w: unknown auth method %q", ErrServerResponse, s)
	}
}

func (m Method) MarshalJSON() ([]byte, error) { return json.Marshal(m.String()) }

func (m *Method) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: auth method: %v", ErrServerResponse, err)
	}
	parsed, err := ParseMethod(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
