package auth

import (
	"net/http"
	"strings"
)

// Cookie names issued by the gateway.
const (
	APIKeyCookieName = "queuegate_api_key"
	CSRFCookieName   = "queuegate_csrf"
)

// CSRFHeaderName is the header carrying the double-submit CSRF token.
const CSRFHeaderName = "X-CSRF"

// QueryAPIKeyParam is the query parameter accepted as an API key.
const QueryAPIKeyParam = "api_key"

// Credential is the winning credential extracted from a request. At most
// one of APIKey and AccessToken is set; both empty means the request is
// anonymous.
type Credential struct {
	APIKey      string
	AccessToken string

	// FromQuery marks an API key that arrived as a query parameter, so
	// the middleware can re-deliver it to the client as a cookie.
	FromQuery bool

	// FromCookie marks an API key that arrived as a cookie; state-changing
	// requests authenticated this way must pass the CSRF check.
	FromCookie bool
}

// ExtractCredential pulls the winning credential from a request. When
// several are present the precedence is: API key in the query string, API
// key in an "Authorization: Apikey" header, API key in a cookie, bearer
// token in an "Authorization: Bearer" header. An Authorization header with
// any other scheme is a bad request.
func ExtractCredential(r *http.Request) (*Credential, error) {
	scheme, param := parseAuthorization(r.Header.Get("Authorization"))

	if key := r.URL.Query().Get(QueryAPIKeyParam); key != "" {
		return &Credential{APIKey: key, FromQuery: true}, nil
	}
	switch scheme {
	case "apikey":
		return &Credential{APIKey: param}, nil
	case "", "bearer":
	default:
		return nil, &BadRequestError{Message: "Authorization header must include the authorization type " +
			"followed by a space and then the secret, as in 'Bearer SECRET' or 'Apikey SECRET'."}
	}
	if c, err := r.Cookie(APIKeyCookieName); err == nil && c.Value != "" {
		return &Credential{APIKey: c.Value, FromCookie: true}, nil
	}
	if scheme == "bearer" {
		return &Credential{AccessToken: param}, nil
	}
	return &Credential{}, nil
}

// parseAuthorization splits an Authorization header into its
// case-insensitive scheme and parameter.
func parseAuthorization(header string) (scheme, param string) {
	if header == "" {
		return "", ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return strings.ToLower(parts[0]), ""
	}
	return strings.ToLower(parts[0]), strings.TrimSpace(parts[1])
}
