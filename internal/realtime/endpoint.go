package realtime

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidEndpoint = errors.New("realtime: invalid endpoint")

// Target is one bound channel: the document it serves and the URL dialed
// for it. A Target never changes while an attempt is in flight.
type Target struct {
	EntityID string
	URL      string
}

func (t Target) IsZero() bool { return t == Target{} }

// Resolve maps a server base URL and a document id to the channel target.
// http and https bases are rewritten to ws and wss; any path on the base is
// kept as a prefix in front of /ws/{id}.
func Resolve(baseURL, entityID string) (Target, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return Target{}, fmt.Errorf("%w: empty document id", ErrInvalidEndpoint)
	}
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return Target{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return Target{}, fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}

	prefix := strings.TrimRight(u.EscapedPath(), "/")
	origin := url.URL{Scheme: u.Scheme, Host: u.Host}
	return Target{
		EntityID: entityID,
		URL:      origin.String() + prefix + "/ws/" + url.PathEscape(entityID),
	}, nil
}
