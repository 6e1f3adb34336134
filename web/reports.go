package web

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mjl-/reportview/store"
)

// ReportHeader is the list view of a report, without the parsed document.
type ReportHeader struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	MailID    string   `json:"mail_id"`
	Org       string   `json:"org"`
	Domains   []string `json:"domains"`
	DateBegin int64    `json:"date_begin"`
	DateEnd   int64    `json:"date_end"`
	Records   int      `json:"records"`

	FlaggedDKIM  bool `json:"flagged_dkim"`
	FlaggedSPF   bool `json:"flagged_spf"`
	FlaggedDMARC bool `json:"flagged_dmarc"`
	FlaggedSTS   bool `json:"flagged_sts"`
	FlaggedTLSA  bool `json:"flagged_tlsa"`
}

func header(r *store.Report) ReportHeader {
	begin, end := r.Period()
	return ReportHeader{
		ID:           r.ID,
		Kind:         string(r.Kind),
		MailID:       r.MailID,
		Org:          r.Org(),
		Domains:      r.Domains(),
		DateBegin:    begin,
		DateEnd:      end,
		Records:      r.Records(),
		FlaggedDKIM:  r.FlaggedDKIM,
		FlaggedSPF:   r.FlaggedSPF,
		FlaggedDMARC: r.FlaggedDMARC,
		FlaggedSTS:   r.FlaggedSTS,
		FlaggedTLSA:  r.FlaggedTLSA,
	}
}

// reportFilters narrow a report listing. All set filters must match.
type reportFilters struct {
	mailID       string
	flagged      bool
	flaggedDKIM  bool
	flaggedSPF   bool
	flaggedDMARC bool
	flaggedSTS   bool
	flaggedTLSA  bool
	domain       string // Lower-cased.
	org          string
	ip           string
}

func parseReportFilters(r *http.Request) reportFilters {
	q := r.URL.Query()
	return reportFilters{
		mailID:       q.Get("id"),
		flagged:      q.Has("flagged"),
		flaggedDKIM:  q.Has("flagged_dkim"),
		flaggedSPF:   q.Has("flagged_spf"),
		flaggedDMARC: q.Has("flagged_dmarc"),
		flaggedSTS:   q.Has("flagged_sts"),
		flaggedTLSA:  q.Has("flagged_tlsa"),
		domain:       strings.ToLower(q.Get("domain")),
		org:          q.Get("org"),
		ip:           q.Get("ip"),
	}
}

func (f reportFilters) matches(rep *store.Report) bool {
	if f.mailID != "" && rep.MailID != f.mailID {
		return false
	}
	if f.flagged && !rep.Flagged() {
		return false
	}
	if f.flaggedDKIM && !rep.FlaggedDKIM {
		return false
	}
	if f.flaggedSPF && !rep.FlaggedSPF {
		return false
	}
	if f.flaggedDMARC && !rep.FlaggedDMARC {
		return false
	}
	if f.flaggedSTS && !rep.FlaggedSTS {
		return false
	}
	if f.flaggedTLSA && !rep.FlaggedTLSA {
		return false
	}
	if f.domain != "" {
		ok := false
		for _, d := range rep.Domains() {
			if strings.ToLower(d) == f.domain {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.org != "" && rep.Org() != f.org {
		return false
	}
	if f.ip != "" {
		ok := false
		for _, ip := range store.ReportIPs(rep) {
			if ip == f.ip {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request, kind store.Kind) {
	filters := parseReportFilters(r)
	headers := []ReportHeader{}
	for _, rep := range s.Store.Current().Reports {
		if rep.Kind != kind || !filters.matches(rep) {
			continue
		}
		headers = append(headers, header(rep))
	}
	writeJSON(s.Log, w, headers)
}

func (s *Server) listDMARCReports(w http.ResponseWriter, r *http.Request) {
	s.listReports(w, r, store.DMARC)
}

func (s *Server) listTLSReports(w http.ResponseWriter, r *http.Request) {
	s.listReports(w, r, store.TLSRPT)
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) *store.Report {
	rep := s.Store.Current().Report(chi.URLParam(r, "id"))
	if rep == nil {
		http.Error(w, "no such report", http.StatusNotFound)
	}
	return rep
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	rep := s.report(w, r)
	if rep == nil {
		return
	}
	writeJSON(s.Log, w, rep)
}

func (s *Server) getReportJSON(w http.ResponseWriter, r *http.Request) {
	rep := s.report(w, r)
	if rep == nil {
		return
	}
	var doc any
	if rep.DMARC != nil {
		doc = rep.DMARC
	} else {
		doc = rep.TLS
	}
	writeJSON(s.Log, w, doc)
}

// getReportRaw serves the stored original document bytes.
func (s *Server) getReportRaw(contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := s.report(w, r)
		if rep == nil {
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(rep.Raw)
	}
}

// mailFilters narrow a mail listing.
type mailFilters struct {
	sender     string
	attachment string // "dmarc", "tls" or "none".
	oversized  bool
	errors     bool
}

func (f mailFilters) matches(m *store.Mail) bool {
	if f.sender != "" && m.Sender != f.sender {
		return false
	}
	switch f.attachment {
	case "dmarc":
		if m.XMLFiles == 0 {
			return false
		}
	case "tls":
		if m.JSONFiles == 0 {
			return false
		}
	case "none":
		if m.XMLFiles > 0 || m.JSONFiles > 0 {
			return false
		}
	}
	if f.oversized && !m.Oversized {
		return false
	}
	if f.errors && m.XMLParsingErrors == 0 && m.JSONParsingErrors == 0 {
		return false
	}
	return true
}

func (s *Server) listMails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := mailFilters{
		sender:     q.Get("sender"),
		attachment: q.Get("attachment"),
		oversized:  q.Has("oversized"),
		errors:     q.Has("errors"),
	}
	switch filters.attachment {
	case "", "dmarc", "tls", "none":
	default:
		http.Error(w, "invalid attachment filter", http.StatusBadRequest)
		return
	}
	mails := []*store.Mail{}
	for _, m := range s.Store.Current().Mails {
		if filters.matches(m) {
			mails = append(mails, m)
		}
	}
	writeJSON(s.Log, w, mails)
}

func (s *Server) getMail(w http.ResponseWriter, r *http.Request) {
	m := s.Store.Current().Mail(chi.URLParam(r, "id"))
	if m == nil {
		http.Error(w, "no such mail", http.StatusNotFound)
		return
	}
	writeJSON(s.Log, w, m)
}

// listErrors returns all parsing errors of the current snapshot.
func (s *Server) listErrors(w http.ResponseWriter, r *http.Request) {
	errs := s.Store.Current().Errors
	if errs == nil {
		errs = []*store.ParsingError{}
	}
	writeJSON(s.Log, w, errs)
}

func (s *Server) getMailErrors(w http.ResponseWriter, r *http.Request) {
	snap := s.Store.Current()
	id := chi.URLParam(r, "id")
	if snap.Mail(id) == nil {
		http.Error(w, "no such mail", http.StatusNotFound)
		return
	}
	errs := map[string][]*store.ParsingError{
		"xml":  {},
		"json": {},
	}
	for _, e := range snap.MailErrors(id) {
		if e.Kind == store.DMARC {
			errs["xml"] = append(errs["xml"], e)
		} else {
			errs["json"] = append(errs["json"], e)
		}
	}
	writeJSON(s.Log, w, errs)
}
