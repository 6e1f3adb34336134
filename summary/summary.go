// Package summary computes aggregated views over a snapshot.
//
// All functions are pure reads: they take the snapshot to aggregate and
// never mutate it, so they can run concurrently with a publish of the next
// snapshot.
package summary

import (
	"sort"
	"strings"
	"time"

	"github.com/mjl-/reportview/dmarcrpt"
	"github.com/mjl-/reportview/store"
	"github.com/mjl-/reportview/tlsrpt"
)

// Filters restricts which reports contribute to a summary.
type Filters struct {
	// Only reports whose interval ends within the last TimeSpan are
	// counted. Zero disables the filter.
	TimeSpan time.Duration

	// Only reports about this domain are counted, compared
	// case-insensitively. Empty disables the filter.
	Domain string
}

// DMARCSummary aggregates the DMARC reports. All counters except Files and
// Reports are weighted by record message count, so a record representing 50
// messages weighs 50.
type DMARCSummary struct {
	Files             int                              `json:"files"`
	Reports           int                              `json:"reports"`
	Flagged           int                              `json:"flagged"`
	Orgs              map[string]int64                 `json:"orgs"`
	Domains           map[string]int64                 `json:"domains"`
	SPFPolicyResults  map[dmarcrpt.DMARCResult]int64   `json:"spf_policy_results"`
	DKIMPolicyResults map[dmarcrpt.DMARCResult]int64   `json:"dkim_policy_results"`
	SPFAuthResults    map[dmarcrpt.SPFResult]int64     `json:"spf_auth_results"`
	DKIMAuthResults   map[dmarcrpt.DKIMResult]int64    `json:"dkim_auth_results"`
}

// TLSSummary aggregates the TLS reports. Orgs and Domains are weighted by
// total session count, policy results count sessions under the "successful"
// and "failure" keys, failure types count failed sessions per result type.
type TLSSummary struct {
	Files             int                         `json:"files"`
	Reports           int                         `json:"reports"`
	Flagged           int                         `json:"flagged"`
	Orgs              map[string]int64            `json:"orgs"`
	Domains           map[string]int64            `json:"domains"`
	PolicyTypes       map[tlsrpt.PolicyType]int64 `json:"policy_types"`
	STSPolicyResults  map[string]int64            `json:"sts_policy_results"`
	TLSAPolicyResults map[string]int64            `json:"tlsa_policy_results"`
	STSFailureTypes   map[tlsrpt.ResultType]int64 `json:"sts_failure_types"`
	TLSAFailureTypes  map[tlsrpt.ResultType]int64 `json:"tlsa_failure_types"`
}

// Summary is the combined answer of the summary endpoint. The mail and
// file totals cover the whole snapshot, the per-kind breakdowns honor the
// filters.
type Summary struct {
	Mails      int          `json:"mails"`
	LastUpdate int64        `json:"last_update"`
	DMARC      DMARCSummary `json:"dmarc"`
	TLS        TLSSummary   `json:"tls"`
}

// Compute aggregates snap into a Summary, evaluating the time span filter
// relative to now.
func Compute(snap *store.Snapshot, now time.Time, filters Filters) Summary {
	s := Summary{
		Mails:      len(snap.Mails),
		LastUpdate: snap.LastUpdate,
		DMARC: DMARCSummary{
			Orgs:              map[string]int64{},
			Domains:           map[string]int64{},
			SPFPolicyResults:  map[dmarcrpt.DMARCResult]int64{},
			DKIMPolicyResults: map[dmarcrpt.DMARCResult]int64{},
			SPFAuthResults:    map[dmarcrpt.SPFResult]int64{},
			DKIMAuthResults:   map[dmarcrpt.DKIMResult]int64{},
		},
		TLS: TLSSummary{
			Orgs:              map[string]int64{},
			Domains:           map[string]int64{},
			PolicyTypes:       map[tlsrpt.PolicyType]int64{},
			STSPolicyResults:  map[string]int64{},
			TLSAPolicyResults: map[string]int64{},
			STSFailureTypes:   map[tlsrpt.ResultType]int64{},
			TLSAFailureTypes:  map[tlsrpt.ResultType]int64{},
		},
	}
	for _, m := range snap.Mails {
		s.DMARC.Files += m.XMLFiles
		s.TLS.Files += m.JSONFiles
	}

	var threshold int64
	if filters.TimeSpan > 0 {
		threshold = now.Add(-filters.TimeSpan).Unix()
	}
	domain := strings.ToLower(filters.Domain)

	for _, r := range snap.Reports {
		if r.DMARC != nil {
			s.DMARC.Reports++
		} else {
			s.TLS.Reports++
		}
		if threshold != 0 {
			if _, end := r.Period(); end < threshold {
				continue
			}
		}
		if domain != "" && !reportHasDomain(r, domain) {
			continue
		}
		if r.DMARC != nil {
			if r.Flagged() {
				s.DMARC.Flagged++
			}
			addDMARC(&s.DMARC, r.DMARC)
		} else {
			if r.Flagged() {
				s.TLS.Flagged++
			}
			addTLS(&s.TLS, r.TLS)
		}
	}
	return s
}

func reportHasDomain(r *store.Report, lower string) bool {
	for _, d := range r.Domains() {
		if strings.ToLower(d) == lower {
			return true
		}
	}
	return false
}

func addDMARC(s *DMARCSummary, f *dmarcrpt.Feedback) {
	for _, rec := range f.Records {
		n := rec.Row.Count
		s.Domains[f.PolicyPublished.Domain] += n
		s.Orgs[f.ReportMetadata.OrgName] += n
		for _, r := range rec.AuthResults.SPF {
			s.SPFAuthResults[r.Result] += n
		}
		for _, r := range rec.AuthResults.DKIM {
			s.DKIMAuthResults[r.Result] += n
		}
		pe := rec.Row.PolicyEvaluated
		if pe.SPF != dmarcrpt.DMARCAbsent {
			s.SPFPolicyResults[pe.SPF] += n
		}
		if pe.DKIM != dmarcrpt.DMARCAbsent {
			s.DKIMPolicyResults[pe.DKIM] += n
		}
	}
}

func addTLS(s *TLSSummary, t *tlsrpt.Report) {
	for _, p := range t.Policies {
		sessions := p.Summary.TotalSuccessfulSessionCount + p.Summary.TotalFailureSessionCount
		s.Orgs[t.OrganizationName] += sessions
		s.Domains[p.Policy.Domain] += sessions
		s.PolicyTypes[p.Policy.Type]++

		var results map[string]int64
		var failures map[tlsrpt.ResultType]int64
		switch p.Policy.Type {
		case tlsrpt.PolicySTS:
			results, failures = s.STSPolicyResults, s.STSFailureTypes
		case tlsrpt.PolicyTLSA:
			results, failures = s.TLSAPolicyResults, s.TLSAFailureTypes
		default:
			continue
		}
		results["successful"] += p.Summary.TotalSuccessfulSessionCount
		results["failure"] += p.Summary.TotalFailureSessionCount
		for _, fd := range p.FailureDetails {
			failures[fd.ResultType] += fd.FailedSessionCount
		}
	}
}

// Issue is a category of problem observed for a source IP.
type Issue string

const (
	IssueSPFPolicy   Issue = "spf_policy"
	IssueDKIMPolicy  Issue = "dkim_policy"
	IssueSPFAuth     Issue = "spf_auth"
	IssueDKIMAuth    Issue = "dkim_auth"
	IssueCertificate Issue = "tls_certificate"
	IssueValidation  Issue = "tls_validation"
)

// Source is the aggregate for one sending IP across all reports. Count is
// the total DMARC record count plus TLS failed session count attributed to
// the IP.
type Source struct {
	IP     string       `json:"ip"`
	Count  int64        `json:"count"`
	Domain string       `json:"domain"` // Domain of the first report the IP appeared in.
	Kinds  []store.Kind `json:"kinds"`
	Issues []Issue      `json:"issues"`
}

// Sources returns the per-IP aggregates of a snapshot, sorted by
// descending count.
func Sources(snap *store.Snapshot) []Source {
	type src struct {
		Source
		kinds  map[store.Kind]bool
		issues map[Issue]bool
	}
	m := map[string]*src{}
	get := func(ip, domain string) *src {
		v := m[ip]
		if v == nil {
			v = &src{Source: Source{IP: ip, Domain: domain}, kinds: map[store.Kind]bool{}, issues: map[Issue]bool{}}
			m[ip] = v
		}
		return v
	}

	for _, r := range snap.Reports {
		if r.DMARC != nil {
			domain := r.DMARC.PolicyPublished.Domain
			for _, rec := range r.DMARC.Records {
				v := get(rec.Row.SourceIP, domain)
				v.Count += rec.Row.Count
				v.kinds[store.DMARC] = true
				dmarcIssues(rec, v.issues)
			}
			continue
		}
		for _, p := range r.TLS.Policies {
			for _, fd := range p.FailureDetails {
				if fd.SendingMTAIP == "" {
					continue
				}
				v := get(fd.SendingMTAIP, p.Policy.Domain)
				v.Count += fd.FailedSessionCount
				v.kinds[store.TLSRPT] = true
				v.issues[tlsIssue(fd.ResultType)] = true
			}
		}
	}

	l := make([]Source, 0, len(m))
	for _, v := range m {
		for k := range v.kinds {
			v.Kinds = append(v.Kinds, k)
		}
		sort.Slice(v.Kinds, func(i, j int) bool { return v.Kinds[i] < v.Kinds[j] })
		for i := range v.issues {
			v.Issues = append(v.Issues, i)
		}
		sort.Slice(v.Issues, func(i, j int) bool { return v.Issues[i] < v.Issues[j] })
		l = append(l, v.Source)
	}
	sort.Slice(l, func(i, j int) bool {
		if l[i].Count != l[j].Count {
			return l[i].Count > l[j].Count
		}
		return l[i].IP < l[j].IP
	})
	return l
}

func dmarcIssues(rec dmarcrpt.ReportRecord, issues map[Issue]bool) {
	pe := rec.Row.PolicyEvaluated
	if pe.DKIM != dmarcrpt.DMARCAbsent && pe.DKIM != dmarcrpt.DMARCPass {
		issues[IssueDKIMPolicy] = true
	}
	if pe.SPF != dmarcrpt.DMARCAbsent && pe.SPF != dmarcrpt.DMARCPass {
		issues[IssueSPFPolicy] = true
	}
	for _, d := range rec.AuthResults.DKIM {
		if d.Result != dmarcrpt.DKIMPass {
			issues[IssueDKIMAuth] = true
		}
	}
	for _, s := range rec.AuthResults.SPF {
		if s.Result != dmarcrpt.SPFPass {
			issues[IssueSPFAuth] = true
		}
	}
}

func tlsIssue(rt tlsrpt.ResultType) Issue {
	switch rt {
	case tlsrpt.ResultCertificateHostMismatch, tlsrpt.ResultCertificateExpired, tlsrpt.ResultCertificateNotTrusted:
		return IssueCertificate
	}
	return IssueValidation
}
