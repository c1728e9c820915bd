package transport

import (
	"fmt"
	"net/url"
)

// ServicePath is the completion endpoint below the server's WebSocket base URL.
const ServicePath = "inline-completion"

// CompletionURL derives the completion endpoint from a server base URL.
// http and https bases are mapped to ws and wss. When appendToken is set and
// token is non-empty the token is added as a query parameter.
func CompletionURL(baseURL, token string, appendToken bool) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}

	u = u.JoinPath(ServicePath)
	if appendToken && token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
