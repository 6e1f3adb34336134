package enrich

import (
	"context"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/mjl-/reportview/mlog"
)

// A minimal whois client for IP addresses, not for domains. Queries start
// at ARIN, which answers with a referral to the registry actually holding
// the address block; referrals are followed a bounded number of times.

const (
	whoisRootServer = "whois.arin.net:43"
	whoisRootQuery  = "n + $addr\r\n"
	whoisQuery      = "$addr\r\n"
	whoisMaxFollows = 3
)

// Referral lines as the various registries spell them.
var whoisReferralRegexp = regexp.MustCompile(`(ReferralServer|Registrar Whois|Whois Server|WHOIS Server|Registrar WHOIS Server):[^\S\n]*(r?whois://)?(.*)`)

// Whois caches whois registration text per IP.
type Whois struct {
	*Cache[string]
}

// NewWhois returns a whois cache. An empty rootServer selects the ARIN
// server; tests pass their own address.
func NewWhois(log *mlog.Log, rootServer string, timeout time.Duration) *Whois {
	if rootServer == "" {
		rootServer = whoisRootServer
	}
	lookup := func(ctx context.Context, ip string) (string, Status) {
		text, err := whoisLookup(ctx, rootServer, ip, timeout)
		if err != nil {
			log.Debugx("whois lookup", err, mlog.Field("ip", ip))
			return "", Unavailable
		}
		if strings.TrimSpace(text) == "" {
			return "", NotFound
		}
		return text, Found
	}
	return &Whois{NewCache("whois", lookup)}
}

func whoisLookup(ctx context.Context, rootServer, ip string, timeout time.Duration) (string, error) {
	addr := rootServer
	text, err := whoisQueryServer(ctx, addr, strings.Replace(whoisRootQuery, "$addr", ip, 1), timeout)
	if err != nil {
		return "", fmt.Errorf("querying root whois server: %w", err)
	}
	for follow := 0; follow < whoisMaxFollows; follow++ {
		m := whoisReferralRegexp.FindStringSubmatch(text)
		if m == nil {
			break
		}
		next, err := whoisServerAddr(m[3])
		if err != nil || next == addr {
			break
		}
		addr = next
		text, err = whoisQueryServer(ctx, addr, strings.Replace(whoisQuery, "$addr", ip, 1), timeout)
		if err != nil {
			return "", fmt.Errorf("querying referred whois server %s: %w", addr, err)
		}
	}
	return text, nil
}

// whoisServerAddr normalizes a referral target to host:port, with 43 as
// the default port.
func whoisServerAddr(s string) (string, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "/"))
	if s == "" {
		return "", fmt.Errorf("empty referral server")
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return net.JoinHostPort(s, "43"), nil
	}
	return net.JoinHostPort(host, port), nil
}

func whoisQueryServer(ctx context.Context, addr, query string, timeout time.Duration) (string, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("connecting: %v", err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", fmt.Errorf("setting deadline: %v", err)
	}
	if _, err := conn.Write([]byte(query)); err != nil {
		return "", fmt.Errorf("sending query: %v", err)
	}
	buf, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("reading response: %v", err)
	}
	return string(buf), nil
}
