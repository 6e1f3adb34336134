// Package store holds the in-memory dataset the web layer serves from.
//
// One sync cycle produces one immutable Snapshot via a Builder. The Store
// publishes a finished Snapshot with an atomic pointer swap, so readers
// always see either the complete previous dataset or the complete new one,
// never a partially built state. There is no persistence, a restart begins
// with an empty Snapshot until the first cycle completes.
package store

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mjl-/reportview/dmarcrpt"
	"github.com/mjl-/reportview/tlsrpt"
)

// Kind is the type of a report or report document.
type Kind string

const (
	DMARC  Kind = "dmarc"
	TLSRPT Kind = "tlsrpt"
)

// Mail is the metadata of one fetched message, with counters filled in
// during extraction and parsing.
type Mail struct {
	ID        string `json:"id"` // Short hash over account, folder and uid.
	UID       uint32 `json:"uid"`
	Account   string `json:"account"`
	Folder    string `json:"folder"`
	Size      int64  `json:"size"`
	Oversized bool   `json:"oversized"`
	Date      int64  `json:"date"` // Unix seconds.
	Subject   string `json:"subject"`
	Sender    string `json:"sender"`
	To        string `json:"to"`

	XMLFiles          int `json:"xml_files"`
	JSONFiles         int `json:"json_files"`
	XMLParsingErrors  int `json:"xml_parsing_errors"`
	JSONParsingErrors int `json:"json_parsing_errors"`

	// Hashes of reports in this mail that turned out to be redeliveries of
	// a report first seen in another mail.
	DMARCDuplicates []string `json:"dmarc_duplicates"`
	TLSDuplicates   []string `json:"tls_duplicates"`
}

// MailID returns the identifier of a mail, stable across cycles for the
// same mailbox position.
func MailID(account, folder string, uid uint32) string {
	return hash(account, "\x00", folder, "\x00", uitoa(uid))
}

func uitoa(v uint32) string {
	var buf [10]byte
	i := len(buf)
	for {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	return string(buf[i:])
}

// ParsingError is a document that could not be parsed, kept with its raw
// text for inspection.
type ParsingError struct {
	MailID string `json:"mail_id"`
	Kind   Kind   `json:"kind"`
	Error  string `json:"error"`
	Raw    string `json:"raw"`
}

// Report is one canonical, deduplicated report. Exactly one of DMARC and
// TLS is set, matching Kind.
type Report struct {
	// Content hash over normalized fields, also the display ID. Cosmetic
	// differences between redeliveries of the same report collapse to the
	// same hash.
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	MailID string `json:"mail_id"` // Mail of the first occurrence.

	DMARC *dmarcrpt.Feedback `json:"dmarc,omitempty"`
	TLS   *tlsrpt.Report     `json:"tls,omitempty"`

	// Original document bytes, XML for DMARC and JSON for TLS, served on
	// the raw export endpoints.
	Raw []byte `json:"-"`

	// Mails that delivered another copy of this report.
	DuplicateMailIDs []string `json:"duplicate_mail_ids,omitempty"`

	FlaggedDKIM  bool `json:"flagged_dkim"`
	FlaggedSPF   bool `json:"flagged_spf"`
	FlaggedDMARC bool `json:"flagged_dmarc"`
	FlaggedSTS   bool `json:"flagged_sts"`
	FlaggedTLSA  bool `json:"flagged_tlsa"`
}

// Flagged tells whether any dimension of the report shows a problem.
func (r *Report) Flagged() bool {
	return r.FlaggedDKIM || r.FlaggedSPF || r.FlaggedDMARC || r.FlaggedSTS || r.FlaggedTLSA
}

// Org returns the reporting organization.
func (r *Report) Org() string {
	if r.DMARC != nil {
		return r.DMARC.ReportMetadata.OrgName
	}
	return r.TLS.OrganizationName
}

// Domains returns the sorted, deduplicated domains the report is about. A
// DMARC report covers one domain, a TLS report one per policy.
func (r *Report) Domains() []string {
	if r.DMARC != nil {
		return []string{r.DMARC.PolicyPublished.Domain}
	}
	m := map[string]bool{}
	for _, p := range r.TLS.Policies {
		m[p.Policy.Domain] = true
	}
	l := make([]string, 0, len(m))
	for d := range m {
		l = append(l, d)
	}
	sort.Strings(l)
	return l
}

// Records returns the number of records (DMARC) or policies (TLS) in the
// report.
func (r *Report) Records() int {
	if r.DMARC != nil {
		return len(r.DMARC.Records)
	}
	return len(r.TLS.Policies)
}

// Period returns the reporting interval in unix seconds.
func (r *Report) Period() (begin, end int64) {
	if r.DMARC != nil {
		return r.DMARC.ReportMetadata.DateRange.Begin, r.DMARC.ReportMetadata.DateRange.End
	}
	return r.TLS.DateRange.Start.Unix(), r.TLS.DateRange.End.Unix()
}

// Snapshot is one cycle's complete dataset with derived indices. Snapshots
// are immutable after Builder.Snapshot returns them.
type Snapshot struct {
	Mails   []*Mail
	Reports []*Report
	Errors  []*ParsingError

	// Time the cycle finished, unix seconds. Zero for the empty snapshot
	// before the first completed cycle.
	LastUpdate int64

	mailByID   map[string]*Mail
	reportByID map[string]*Report
	byDomain   map[string][]*Report // Lower-cased domain.
	byOrg      map[string][]*Report
	byIP       map[string][]*Report // Source IPs from DMARC records and TLS failure details.
}

// Mail returns the mail with the given ID, or nil.
func (s *Snapshot) Mail(id string) *Mail { return s.mailByID[id] }

// Report returns the report with the given ID, or nil.
func (s *Snapshot) Report(id string) *Report { return s.reportByID[id] }

// ByDomain returns the reports about a domain, matched case-insensitively.
func (s *Snapshot) ByDomain(domain string) []*Report {
	return s.byDomain[strings.ToLower(domain)]
}

// ByOrg returns the reports sent by an organization.
func (s *Snapshot) ByOrg(org string) []*Report { return s.byOrg[org] }

// ByIP returns the reports that mention ip as a source.
func (s *Snapshot) ByIP(ip string) []*Report { return s.byIP[ip] }

// MailErrors returns the parsing errors of one mail.
func (s *Snapshot) MailErrors(mailID string) []*ParsingError {
	var l []*ParsingError
	for _, e := range s.Errors {
		if e.MailID == mailID {
			l = append(l, e)
		}
	}
	return l
}

// Store hands out the current Snapshot to readers and accepts a new one
// from the sync cycle. Publication is an atomic pointer swap, readers never
// block the sync task and vice versa.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore returns a store holding an empty snapshot.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(NewBuilder().Snapshot(time.Time{}))
	return s
}

// Current returns the snapshot that is current at call time. The returned
// snapshot stays valid after later publishes.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Publish replaces the current snapshot. Called once per successful cycle;
// a failed cycle publishes nothing and the previous snapshot stays
// authoritative.
func (s *Store) Publish(snap *Snapshot) {
	s.current.Store(snap)
}
