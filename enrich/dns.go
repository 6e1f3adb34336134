package enrich

import (
	"context"
	"strings"
	"time"

	"github.com/mjl-/reportview/dns"
	"github.com/mjl-/reportview/mlog"
)

// Reverse caches reverse DNS names for source IPs.
type Reverse struct {
	*Cache[string]
}

// NewReverse returns a reverse DNS cache resolving through resolver.
func NewReverse(log *mlog.Log, resolver dns.Resolver, timeout time.Duration) *Reverse {
	lookup := func(ctx context.Context, ip string) (string, Status) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		names, _, err := resolver.LookupAddr(ctx, ip)
		if err != nil {
			if dns.IsNotFound(err) {
				return "", NotFound
			}
			log.Debugx("reverse dns lookup", err, mlog.Field("ip", ip))
			return "", Unavailable
		}
		if len(names) == 0 {
			return "", NotFound
		}
		return strings.TrimSuffix(names[0], "."), Found
	}
	return &Reverse{NewCache("dns", lookup)}
}
