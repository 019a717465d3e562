// Package auth holds the data model shared by the authflight packages: the
// server-advertised authentication Method, the TokenInfo obtained from an
// identity provider, the State produced by an acquisition attempt and the
// Header attached to outgoing requests.
//
// # States
//
// State is a closed union with three variants:
//
//   - Anonymous: the server does not require credentials.
//   - Authorized: a token was obtained (silently or through a login).
//   - Unauthorized: no token is available and prompting was not allowed.
//
// IsAuthorized folds a State into a single yes/no answer:
//
//	switch st := s.(type) {
//	case auth.Anonymous:
//	    // no header needed
//	case auth.Authorized:
//	    req.Header.Set("Authorization", auth.BearerHeader(st.Token.AccessToken).String())
//	case auth.Unauthorized:
//	    // ask the user to log in
//	}
//
// # Errors
//
// ErrConfiguration and ErrServerResponse classify fatal acquisition failures;
// they are wrapped with additional context so callers should use errors.Is.
// Cancellation is reported with the context package's own errors and is never
// wrapped into one of these sentinels.
package auth
