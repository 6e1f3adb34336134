package store

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/reportview/dmarcrpt"
	"github.com/mjl-/reportview/tlsrpt"
)

// Builder assembles one cycle's fetch results into a Snapshot. It is not
// safe for concurrent use; one cycle drives one builder. Nothing in a
// previously published Snapshot is touched.
type Builder struct {
	mails   []*Mail
	reports []*Report
	errors  []*ParsingError

	mailByID   map[string]*Mail
	reportByID map[string]*Report
}

func NewBuilder() *Builder {
	return &Builder{
		mailByID:   map[string]*Mail{},
		reportByID: map[string]*Report{},
	}
}

// AddMail registers a mail and returns it for counter updates during
// extraction and parsing.
func (b *Builder) AddMail(m Mail) *Mail {
	if m.ID == "" {
		m.ID = MailID(m.Account, m.Folder, m.UID)
	}
	nm := &m
	b.mails = append(b.mails, nm)
	b.mailByID[nm.ID] = nm
	return nm
}

// AddDMARC adds a parsed DMARC report found in the given mail. If the same
// report content was seen earlier this cycle, no new report is created:
// the canonical report gets a duplicate back-reference and the mail a
// forward-reference.
func (b *Builder) AddDMARC(mail *Mail, raw []byte, f *dmarcrpt.Feedback) *Report {
	id := dmarcHash(f)
	if dup := b.reportByID[id]; dup != nil {
		dup.DuplicateMailIDs = append(dup.DuplicateMailIDs, mail.ID)
		mail.DMARCDuplicates = append(mail.DMARCDuplicates, id)
		return dup
	}
	r := &Report{
		ID:     id,
		Kind:   DMARC,
		MailID: mail.ID,
		DMARC:  f,
		Raw:    raw,
	}
	r.FlaggedDKIM, r.FlaggedSPF, r.FlaggedDMARC = dmarcFlags(f)
	b.reports = append(b.reports, r)
	b.reportByID[id] = r
	return r
}

// AddTLS adds a parsed TLS report, deduplicating like AddDMARC.
func (b *Builder) AddTLS(mail *Mail, raw []byte, t *tlsrpt.Report) *Report {
	id := tlsHash(t)
	if dup := b.reportByID[id]; dup != nil {
		dup.DuplicateMailIDs = append(dup.DuplicateMailIDs, mail.ID)
		mail.TLSDuplicates = append(mail.TLSDuplicates, id)
		return dup
	}
	r := &Report{
		ID:     id,
		Kind:   TLSRPT,
		MailID: mail.ID,
		TLS:    t,
		Raw:    raw,
	}
	r.FlaggedSTS, r.FlaggedTLSA = tlsFlags(t)
	b.reports = append(b.reports, r)
	b.reportByID[id] = r
	return r
}

// AddError records a document that failed to parse, keeping its raw text.
func (b *Builder) AddError(mail *Mail, kind Kind, raw []byte, err error) {
	b.errors = append(b.errors, &ParsingError{
		MailID: mail.ID,
		Kind:   kind,
		Error:  err.Error(),
		Raw:    string(raw),
	})
	if kind == DMARC {
		mail.XMLParsingErrors++
	} else {
		mail.JSONParsingErrors++
	}
}

// Snapshot finalizes the builder into an immutable Snapshot with derived
// indices, with now as the update time.
func (b *Builder) Snapshot(now time.Time) *Snapshot {
	snap := &Snapshot{
		Mails:      b.mails,
		Reports:    b.reports,
		Errors:     b.errors,
		mailByID:   b.mailByID,
		reportByID: b.reportByID,
		byDomain:   map[string][]*Report{},
		byOrg:      map[string][]*Report{},
		byIP:       map[string][]*Report{},
	}
	if !now.IsZero() {
		snap.LastUpdate = now.Unix()
	}

	sort.Slice(snap.Mails, func(i, j int) bool {
		m, n := snap.Mails[i], snap.Mails[j]
		if m.Folder != n.Folder {
			return m.Folder < n.Folder
		}
		return m.UID < n.UID
	})
	sort.Slice(snap.Reports, func(i, j int) bool {
		bi, _ := snap.Reports[i].Period()
		bj, _ := snap.Reports[j].Period()
		if bi != bj {
			return bi > bj
		}
		return snap.Reports[i].ID < snap.Reports[j].ID
	})

	for _, r := range snap.Reports {
		for _, d := range r.Domains() {
			d = strings.ToLower(d)
			snap.byDomain[d] = append(snap.byDomain[d], r)
		}
		org := r.Org()
		snap.byOrg[org] = append(snap.byOrg[org], r)
		for _, ip := range ReportIPs(r) {
			snap.byIP[ip] = append(snap.byIP[ip], r)
		}
	}
	return snap
}

// ReportIPs returns the distinct source IPs a report mentions, sorted.
func ReportIPs(r *Report) []string {
	m := map[string]bool{}
	if r.DMARC != nil {
		for _, rec := range r.DMARC.Records {
			m[rec.Row.SourceIP] = true
		}
	} else {
		for _, p := range r.TLS.Policies {
			for _, fd := range p.FailureDetails {
				if fd.SendingMTAIP != "" {
					m[fd.SendingMTAIP] = true
				}
			}
		}
	}
	l := make([]string, 0, len(m))
	for ip := range m {
		l = append(l, ip)
	}
	sort.Strings(l)
	return l
}

// dmarcHash computes the content hash of a DMARC report over normalized
// fields instead of raw bytes, so redeliveries with cosmetic differences
// (whitespace, attribute order) still collapse. Organization, report ID and
// domain are compared case-insensitively.
func dmarcHash(f *dmarcrpt.Feedback) string {
	var total int64
	for _, rec := range f.Records {
		total += rec.Row.Count
	}
	return hash(
		string(DMARC), "\x00",
		strings.ToLower(f.ReportMetadata.OrgName), "\x00",
		strings.ToLower(f.ReportMetadata.ReportID), "\x00",
		strings.ToLower(f.PolicyPublished.Domain), "\x00",
		strconv.FormatInt(f.ReportMetadata.DateRange.Begin, 10), "\x00",
		strconv.FormatInt(f.ReportMetadata.DateRange.End, 10), "\x00",
		strconv.Itoa(len(f.Records)), "\x00",
		strconv.FormatInt(total, 10),
	)
}

func tlsHash(t *tlsrpt.Report) string {
	domains := map[string]bool{}
	var success, failure int64
	for _, p := range t.Policies {
		domains[strings.ToLower(p.Policy.Domain)] = true
		success += p.Summary.TotalSuccessfulSessionCount
		failure += p.Summary.TotalFailureSessionCount
	}
	dl := make([]string, 0, len(domains))
	for d := range domains {
		dl = append(dl, d)
	}
	sort.Strings(dl)
	return hash(
		string(TLSRPT), "\x00",
		strings.ToLower(t.OrganizationName), "\x00",
		strings.ToLower(t.ReportID), "\x00",
		strings.Join(dl, ","), "\x00",
		strconv.FormatInt(t.DateRange.Start.Unix(), 10), "\x00",
		strconv.FormatInt(t.DateRange.End.Unix(), 10), "\x00",
		strconv.FormatInt(success, 10), "\x00",
		strconv.FormatInt(failure, 10),
	)
}

// dmarcFlags reports DKIM, SPF and DMARC issues across the records. DKIM
// and SPF are flagged on any non-passing policy evaluation or auth result
// in their dimension. The DMARC flag means a record passed neither aligned
// DKIM nor aligned SPF.
func dmarcFlags(f *dmarcrpt.Feedback) (dkim, spf, dmarc bool) {
	for _, rec := range f.Records {
		pe := rec.Row.PolicyEvaluated
		if pe.DKIM != dmarcrpt.DMARCAbsent && pe.DKIM != dmarcrpt.DMARCPass {
			dkim = true
		}
		if pe.SPF != dmarcrpt.DMARCAbsent && pe.SPF != dmarcrpt.DMARCPass {
			spf = true
		}
		if pe.DKIM != dmarcrpt.DMARCPass && pe.SPF != dmarcrpt.DMARCPass {
			dmarc = true
		}
		for _, d := range rec.AuthResults.DKIM {
			if d.Result != dmarcrpt.DKIMPass {
				dkim = true
			}
		}
		for _, s := range rec.AuthResults.SPF {
			if s.Result != dmarcrpt.SPFPass {
				spf = true
			}
		}
	}
	return
}

// tlsFlags reports MTA-STS and DANE issues: any failed sessions under a
// policy flag that policy's dimension.
func tlsFlags(t *tlsrpt.Report) (sts, tlsa bool) {
	for _, p := range t.Policies {
		if p.Summary.TotalFailureSessionCount <= 0 {
			continue
		}
		switch p.Policy.Type {
		case tlsrpt.PolicySTS:
			sts = true
		case tlsrpt.PolicyTLSA:
			tlsa = true
		}
	}
	return
}
