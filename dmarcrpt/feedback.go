package dmarcrpt

import "encoding/xml"

// Feedback is a DMARC aggregate report, see RFC 7489, appendix C.
type Feedback struct {
	XMLName         xml.Name        `xml:"feedback" json:"-"`
	Version         string          `xml:"version,omitempty" json:"version,omitempty"`
	ReportMetadata  ReportMetadata  `xml:"report_metadata" json:"report_metadata"`
	PolicyPublished PolicyPublished `xml:"policy_published" json:"policy_published"`
	Records         []ReportRecord  `xml:"record" json:"records"`
}

type ReportMetadata struct {
	OrgName          string    `xml:"org_name" json:"org_name"`
	Email            string    `xml:"email" json:"email"`
	ExtraContactInfo string    `xml:"extra_contact_info,omitempty" json:"extra_contact_info,omitempty"`
	ReportID         string    `xml:"report_id" json:"report_id"`
	DateRange        DateRange `xml:"date_range" json:"date_range"`
	Errors           []string  `xml:"error,omitempty" json:"errors,omitempty"`
}

// DateRange is the time range in UTC covered by the report, in seconds
// since epoch.
type DateRange struct {
	Begin int64 `xml:"begin" json:"begin"`
	End   int64 `xml:"end" json:"end"`
}

type PolicyPublished struct {
	Domain          string      `xml:"domain" json:"domain"`
	ADKIM           Alignment   `xml:"adkim,omitempty" json:"adkim,omitempty"`
	ASPF            Alignment   `xml:"aspf,omitempty" json:"aspf,omitempty"`
	Policy          Disposition `xml:"p,omitempty" json:"p,omitempty"`
	SubdomainPolicy Disposition `xml:"sp,omitempty" json:"sp,omitempty"`
	Percentage      int         `xml:"pct,omitempty" json:"pct,omitempty"`
	ReportingOptions string     `xml:"fo,omitempty" json:"fo,omitempty"`
}

// Alignment is the identifier alignment mode for DKIM and SPF.
type Alignment string

const (
	AlignmentRelaxed Alignment = "r"
	AlignmentStrict  Alignment = "s"
)

// Disposition is a policy action, p= or sp= in a DMARC record, or the
// action applied to the messages of a record.
type Disposition string

const (
	DispositionAbsent     Disposition = ""
	DispositionNone       Disposition = "none"
	DispositionQuarantine Disposition = "quarantine"
	DispositionReject     Disposition = "reject"
	// Not in the RFC, but some report generators use it.
	DispositionPass Disposition = "pass"
)

// DMARCResult is the DMARC-aligned authentication result for one policy
// dimension of one record.
type DMARCResult string

const (
	DMARCAbsent DMARCResult = ""
	DMARCPass   DMARCResult = "pass"
	DMARCFail   DMARCResult = "fail"
)

// PolicyOverride is a reason the requested policy was not applied.
type PolicyOverride string

const (
	PolicyOverrideForwarded        PolicyOverride = "forwarded"
	PolicyOverrideSampledOut       PolicyOverride = "sampled_out"
	PolicyOverrideTrustedForwarder PolicyOverride = "trusted_forwarder"
	PolicyOverrideMailingList      PolicyOverride = "mailing_list"
	PolicyOverrideLocalPolicy      PolicyOverride = "local_policy"
	PolicyOverrideOther            PolicyOverride = "other"
)

type PolicyOverrideReason struct {
	Type    PolicyOverride `xml:"type" json:"type"`
	Comment string         `xml:"comment,omitempty" json:"comment,omitempty"`
}

type PolicyEvaluated struct {
	Disposition Disposition            `xml:"disposition" json:"disposition"`
	DKIM        DMARCResult            `xml:"dkim,omitempty" json:"dkim,omitempty"`
	SPF         DMARCResult            `xml:"spf,omitempty" json:"spf,omitempty"`
	Reasons     []PolicyOverrideReason `xml:"reason,omitempty" json:"reasons,omitempty"`
}

type Row struct {
	// SourceIP is a textual IPv4 or IPv6 address.
	SourceIP        string          `xml:"source_ip" json:"source_ip"`
	Count           int64           `xml:"count" json:"count"`
	PolicyEvaluated PolicyEvaluated `xml:"policy_evaluated" json:"policy_evaluated"`
}

type Identifiers struct {
	EnvelopeTo   string `xml:"envelope_to,omitempty" json:"envelope_to,omitempty"`
	EnvelopeFrom string `xml:"envelope_from,omitempty" json:"envelope_from,omitempty"`
	HeaderFrom   string `xml:"header_from" json:"header_from"`
}

// DKIMResult is a DKIM verification result, RFC 7001, section 2.6.1.
type DKIMResult string

const (
	DKIMNone      DKIMResult = "none"
	DKIMPass      DKIMResult = "pass"
	DKIMFail      DKIMResult = "fail"
	DKIMPolicy    DKIMResult = "policy"
	DKIMNeutral   DKIMResult = "neutral"
	DKIMTemperror DKIMResult = "temperror"
	DKIMPermerror DKIMResult = "permerror"
)

type DKIMAuthResult struct {
	Domain      string     `xml:"domain" json:"domain"`
	Selector    string     `xml:"selector,omitempty" json:"selector,omitempty"`
	Result      DKIMResult `xml:"result" json:"result"`
	HumanResult string     `xml:"human_result,omitempty" json:"human_result,omitempty"`
}

type SPFDomainScope string

const (
	SPFDomainScopeHelo     SPFDomainScope = "helo"
	SPFDomainScopeMailFrom SPFDomainScope = "mfrom"
)

// SPFResult is an SPF verification result.
type SPFResult string

const (
	SPFNone      SPFResult = "none"
	SPFNeutral   SPFResult = "neutral"
	SPFPass      SPFResult = "pass"
	SPFFail      SPFResult = "fail"
	SPFSoftfail  SPFResult = "softfail"
	SPFTemperror SPFResult = "temperror"
	SPFPermerror SPFResult = "permerror"
)

type SPFAuthResult struct {
	Domain string         `xml:"domain" json:"domain"`
	Scope  SPFDomainScope `xml:"scope,omitempty" json:"scope,omitempty"`
	Result SPFResult      `xml:"result" json:"result"`
}

type AuthResults struct {
	DKIM []DKIMAuthResult `xml:"dkim,omitempty" json:"dkim,omitempty"`
	SPF  []SPFAuthResult  `xml:"spf" json:"spf"`
}

type ReportRecord struct {
	Row         Row         `xml:"row" json:"row"`
	Identifiers Identifiers `xml:"identifiers" json:"identifiers"`
	AuthResults AuthResults `xml:"auth_results" json:"auth_results"`
}
