package download

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL validates a media URL against the scheme gate and strips a
// playlist redirect hint (metafile=m3u): only direct media streams are
// fetched, the playlist is never followed.
func (m *Manager) NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty url", ErrUnsupportedURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http":
		if !m.cfg.AllowHTTP {
			return "", fmt.Errorf("%w: http disabled", ErrUnsupportedURL)
		}
	case "https":
		if !m.cfg.AllowHTTPS {
			return "", fmt.Errorf("%w: https disabled", ErrUnsupportedURL)
		}
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrUnsupportedURL, u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrUnsupportedURL)
	}

	u.RawQuery = stripPlaylistHint(u.RawQuery)

	return u.String(), nil
}

// stripPlaylistHint drops metafile=m3u pairs from a raw query. Every other
// pair keeps its order and escaping, since signed URLs depend on both.
func stripPlaylistHint(raw string) string {
	if raw == "" {
		return raw
	}
	pairs := strings.Split(raw, "&")
	kept := pairs[:0]
	for _, pair := range pairs {
		key, val, _ := strings.Cut(pair, "=")
		k, kerr := url.QueryUnescape(key)
		v, verr := url.QueryUnescape(val)
		if kerr == nil && verr == nil && k == "metafile" && strings.EqualFold(v, "m3u") {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}
