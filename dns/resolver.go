// Package dns does reverse lookups for report source IPs.
package dns

import (
	"context"
	"errors"
	"time"

	"github.com/mjl-/adns"

	"github.com/mjl-/reportview/mlog"
)

func init() {
	adns.DefaultResolver.StrictErrors = true
}

// Resolver is the part of the resolver the enrichment cache needs.
type Resolver interface {
	// LookupAddr returns the names for an IP address. Names are absolute,
	// with trailing dot.
	LookupAddr(ctx context.Context, addr string) ([]string, adns.Result, error)
}

// StrictResolver resolves through adns. The zero value is usable and
// resolves with the default resolver.
type StrictResolver struct {
	Resolver *adns.Resolver // Nil means adns.DefaultResolver.
	Log      *mlog.Log      // Nil means no lookup logging.
}

var _ Resolver = StrictResolver{}

func (r StrictResolver) resolver() *adns.Resolver {
	if r.Resolver == nil {
		return adns.DefaultResolver
	}
	return r.Resolver
}

func (r StrictResolver) LookupAddr(ctx context.Context, addr string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		if r.Log != nil {
			r.Log.Debugx("dns lookup result", err,
				mlog.Field("type", "addr"),
				mlog.Field("addr", addr),
				mlog.Field("resp", resp),
				mlog.Field("duration", time.Since(start)))
		}
	}()
	resp, result, err = r.resolver().LookupAddr(ctx, addr)
	return
}

// IsNotFound tells whether the error is a definitive answer that there is
// no name for the address, as opposed to a temporary failure.
func IsNotFound(err error) bool {
	var dnsErr *adns.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
