// Package web serves the JSON API over the current snapshot.
//
// All read endpoints operate on the snapshot that is current when the
// request starts, so a sync cycle finishing mid-request cannot change what
// a handler sees. Endpoints under /ips/ trigger on-demand enrichment
// lookups with process-lifetime caching.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/reportview/config"
	"github.com/mjl-/reportview/enrich"
	"github.com/mjl-/reportview/mlog"
	"github.com/mjl-/reportview/store"
	"github.com/mjl-/reportview/summary"
)

// Server answers API requests from the current snapshot and the
// enrichment caches.
type Server struct {
	Log     *mlog.Log
	Store   *store.Store
	Reverse *enrich.Reverse
	Geo     *enrich.Geo
	Whois   *enrich.Whois
	Version string

	username string
	password string
}

// NewServer wires the handlers. Basic authentication is enabled when the
// config has credentials.
func NewServer(log *mlog.Log, st *store.Store, reverse *enrich.Reverse, geo *enrich.Geo, whois *enrich.Whois, cfg config.HTTP, version string) *Server {
	return &Server{
		Log:      log,
		Store:    st,
		Reverse:  reverse,
		Geo:      geo,
		Whois:    whois,
		Version:  version,
		username: cfg.BasicAuthUsername,
		password: cfg.BasicAuthPassword,
	}
}

// Handler returns the routed handler for the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(s.basicAuth)

	r.Get("/summary", s.getSummary)
	r.Get("/sources", s.getSources)

	r.Get("/errors", s.listErrors)

	r.Get("/mails", s.listMails)
	r.Get("/mails/{id}", s.getMail)
	r.Get("/mails/{id}/errors", s.getMailErrors)

	r.Get("/dmarc-reports", s.listDMARCReports)
	r.Get("/dmarc-reports/{id}", s.getReport)
	r.Get("/dmarc-reports/{id}/json", s.getReportJSON)
	r.Get("/dmarc-reports/{id}/xml", s.getReportRaw("text/xml"))
	r.Get("/tls-reports", s.listTLSReports)
	r.Get("/tls-reports/{id}", s.getReport)
	r.Get("/tls-reports/{id}/json", s.getReportRaw("application/json"))

	r.Get("/ips/{ip}/dns", s.ipDNS)
	r.Post("/ips/dns/batch", s.ipDNSBatch)
	r.Get("/ips/{ip}/location", s.ipLocation)
	r.Get("/ips/{ip}/whois", s.ipWhois)

	r.Get("/version", s.getVersion)
	r.Method("GET", "/metrics", promhttp.Handler())
	return r
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.username == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="reportview"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(log *mlog.Log, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugx("writing json response", err)
	}
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.Log, w, map[string]string{"version": s.Version})
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filters summary.Filters
	if v := q.Get("time_span"); v != "" {
		hours, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			http.Error(w, "invalid time_span", http.StatusBadRequest)
			return
		}
		filters.TimeSpan = time.Duration(hours) * time.Hour
	}
	filters.Domain = q.Get("domain")
	snap := s.Store.Current()
	writeJSON(s.Log, w, summary.Compute(snap, time.Now(), filters))
}

func (s *Server) getSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.Log, w, summary.Sources(s.Store.Current()))
}

// requestIP parses the ip path parameter, writing a 400 response when it
// is not a valid address.
func requestIP(w http.ResponseWriter, r *http.Request) (string, bool) {
	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		http.Error(w, "invalid ip", http.StatusBadRequest)
		return "", false
	}
	return ip, true
}

func (s *Server) ipDNS(w http.ResponseWriter, r *http.Request) {
	ip, ok := requestIP(w, r)
	if !ok {
		return
	}
	o := s.Reverse.Lookup(r.Context(), ip)
	switch o.Status {
	case enrich.Found:
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(o.Value))
	case enrich.NotFound:
		http.Error(w, "n/a", http.StatusNotFound)
	default:
		http.Error(w, "dns lookup failed", http.StatusInternalServerError)
	}
}

// maxBatchIPs bounds one dns batch request.
const maxBatchIPs = 100

func (s *Server) ipDNSBatch(w http.ResponseWriter, r *http.Request) {
	var ips []string
	if err := json.NewDecoder(r.Body).Decode(&ips); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(ips) > maxBatchIPs {
		http.Error(w, "too many ips in one request", http.StatusBadRequest)
		return
	}
	names := map[string]*string{}
	for _, ip := range ips {
		if net.ParseIP(ip) == nil {
			http.Error(w, "invalid ip", http.StatusBadRequest)
			return
		}
		if o := s.Reverse.Lookup(r.Context(), ip); o.Status == enrich.Found {
			v := o.Value
			names[ip] = &v
		} else {
			names[ip] = nil
		}
	}
	writeJSON(s.Log, w, names)
}

func (s *Server) ipLocation(w http.ResponseWriter, r *http.Request) {
	ip, ok := requestIP(w, r)
	if !ok {
		return
	}
	o := s.Geo.Lookup(r.Context(), ip)
	switch o.Status {
	case enrich.Found:
		writeJSON(s.Log, w, o.Value)
	case enrich.NotFound:
		http.Error(w, "n/a", http.StatusNotFound)
	default:
		http.Error(w, "location lookup failed", http.StatusInternalServerError)
	}
}

func (s *Server) ipWhois(w http.ResponseWriter, r *http.Request) {
	ip, ok := requestIP(w, r)
	if !ok {
		return
	}
	o := s.Whois.Lookup(r.Context(), ip)
	switch o.Status {
	case enrich.Found:
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(o.Value))
	case enrich.NotFound:
		http.Error(w, "n/a", http.StatusNotFound)
	default:
		http.Error(w, "whois lookup failed", http.StatusInternalServerError)
	}
}
