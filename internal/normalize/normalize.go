// Package normalize computes the canonical form of scan targets. Two inputs
// that normalize to the same string are the same target for dedup purposes.
package normalize

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"github.com/JakeFAU/scanengine/internal/scan"
)

var (
	appIDPattern     = regexp.MustCompile(`^([a-z][a-z0-9_]*(\.[a-z0-9_]+)+|(id)?[0-9]{5,15})$`)
	evmAddrPattern   = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	otherAddrPattern = regexp.MustCompile(`^[A-Za-z0-9]{20,100}$`)
	slashRun         = regexp.MustCompile(`/{2,}`)
	leadingScheme    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)
)

// Normalize returns the canonical form of raw for the given target type.
func Normalize(t scan.TargetType, raw string) (string, error) {
	switch t {
	case scan.TargetURL:
		return URL(raw)
	case scan.TargetApp:
		return App(raw)
	case scan.TargetAddress:
		return Address(raw)
	default:
		return "", fmt.Errorf("%w: unknown target type %q", scan.ErrInvalidTarget, t)
	}
}

// URL canonicalizes a web address. Scheme-less input is treated as https,
// and http and https targets collapse to https.
func URL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", invalid("empty url")
	}
	if !leadingScheme.MatchString(s) {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", invalid("unparseable url")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", invalid("unsupported scheme %q", u.Scheme)
	}
	if u.User != nil {
		return "", invalid("credentials not allowed in url")
	}
	if u.Opaque != "" {
		return "", invalid("opaque url")
	}

	host, err := canonicalHost(u.Hostname())
	if err != nil {
		return "", err
	}
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		n, convErr := strconv.Atoi(port)
		if convErr != nil || n < 1 || n > 65535 {
			return "", invalid("bad port %q", port)
		}
		host = host + ":" + port
	}

	var b strings.Builder
	b.WriteString("https://")
	b.WriteString(host)
	b.WriteString(canonicalPath(u.EscapedPath()))
	if q := u.Query(); len(q) > 0 {
		b.WriteString("?")
		b.WriteString(q.Encode())
	}
	return b.String(), nil
}

func canonicalHost(hostname string) (string, error) {
	host := strings.TrimSuffix(strings.ToLower(hostname), ".")
	if host == "" {
		return "", invalid("missing host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() == nil {
			return "[" + ip.String() + "]", nil
		}
		return ip.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", invalid("bad host %q", hostname)
	}
	if ascii != "localhost" && !strings.Contains(ascii, ".") {
		return "", invalid("host %q is not fully qualified", hostname)
	}
	return ascii, nil
}

func canonicalPath(p string) string {
	p = slashRun.ReplaceAllString(p, "/")
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			return "/"
		}
	}
	return p
}

// App canonicalizes a reverse-DNS package name or numeric store id.
func App(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if !appIDPattern.MatchString(s) {
		return "", invalid("bad app id %q", raw)
	}
	return s, nil
}

// Address canonicalizes a chain address. EVM hex addresses are lowercased;
// other encodings are case sensitive and kept as given.
func Address(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch {
	case evmAddrPattern.MatchString(s):
		return strings.ToLower(s), nil
	case strings.HasPrefix(strings.ToLower(s), "0x"):
		return "", invalid("bad hex address %q", raw)
	case otherAddrPattern.MatchString(s):
		return s, nil
	default:
		return "", invalid("bad address %q", raw)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", scan.ErrInvalidTarget, fmt.Sprintf(format, args...))
}
