package auth

import "time"

// State is the outcome of an acquisition attempt. It is a closed union of
// Anonymous, Authorized and Unauthorized; callers are expected to switch on
// all three. A State is immutable once constructed.
type State interface {
	// Method reports the server-advertised authentication method.
	Method() Method
	isState()
}

// Anonymous is produced when the server does not require credentials.
type Anonymous struct{}

// Authorized carries the token obtained from the identity provider.
type Authorized struct {
	AuthMethod Method
	Token      TokenInfo
}

// Unauthorized is produced when no token is available and the caller did not
// allow an interactive login. It is not an error.
type Unauthorized struct {
	AuthMethod Method
}

func (Anonymous) Method() Method      { return MethodAnonymous }
func (a Authorized) Method() Method   { return a.AuthMethod }
func (u Unauthorized) Method() Method { return u.AuthMethod }

func (Anonymous) isState()    {}
func (Authorized) isState()   {}
func (Unauthorized) isState() {}

var (
	_ State = Anonymous{}
	_ State = Authorized{}
	_ State = Unauthorized{}
)

// IsAuthorized reports whether requests may proceed with s at now: always
// for Anonymous, for Authorized only while its token is usable.
func IsAuthorized(s State, now time.Time) bool {
	switch v := s.(type) {
	case Anonymous:
		return true
	case Authorized:
		return v.Token.Usable(now)
	case Unauthorized:
		return false
	default:
		return false
	}
}

// TokenOf returns the token carried by s, if any.
func TokenOf(s State) (TokenInfo, bool) {
	if v, ok := s.(Authorized); ok {
		return v.Token, true
	}
	return TokenInfo{}, false
}

// HeaderOf derives the Bearer header for s. Anonymous and Unauthorized states
// produce no header.
func HeaderOf(s State) (Header, bool) {
	tok, ok := TokenOf(s)
	if !ok || tok.AccessToken == "" {
		return Header{}, false
	}
	return BearerHeader(tok.AccessToken), true
}
