// Package tlsrpt parses SMTP TLS reports, RFC 8460.
package tlsrpt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Report is a TLSRPT report, transmitted in JSON format.
type Report struct {
	OrganizationName string    `json:"organization-name"`
	DateRange        DateRange `json:"date-range"`
	ContactInfo      string    `json:"contact-info"` // Email address.
	ReportID         string    `json:"report-id"`
	Policies         []Result  `json:"policies"`
}

type DateRange struct {
	Start time.Time `json:"start-datetime"`
	End   time.Time `json:"end-datetime"`
}

// UnmarshalJSON is defined on the date range, not the individual time.Time
// fields, so the unmodified fields are stored in the snapshot.
func (dr *DateRange) UnmarshalJSON(buf []byte) error {
	var v struct {
		Start xtime `json:"start-datetime"`
		End   xtime `json:"end-datetime"`
	}
	if err := json.Unmarshal(buf, &v); err != nil {
		return err
	}
	dr.Start = time.Time(v.Start)
	dr.End = time.Time(v.End)
	return nil
}

// xtime exists to work around an invalid date-time encoding seen in the
// wild: Microsoft sends reports with start-datetime/end-datetime without a
// timezone.
type xtime time.Time

func (x *xtime) UnmarshalJSON(buf []byte) error {
	var t time.Time
	err := t.UnmarshalJSON(buf)
	if err == nil {
		*x = xtime(t)
		return nil
	}
	var s string
	if err := json.Unmarshal(buf, &s); err != nil {
		return err
	}
	t, err = time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		return err
	}
	*x = xtime(t)
	return nil
}

// Result is the evaluation result for a single policy.
type Result struct {
	Policy         ResultPolicy     `json:"policy"`
	Summary        Summary          `json:"summary"`
	FailureDetails []FailureDetails `json:"failure-details,omitempty"`
}

// PolicyType is the type of policy that was applied by the sending domain.
type PolicyType string

const (
	// PolicySTS means the MTA-STS policy was applied.
	PolicySTS PolicyType = "sts"
	// PolicyTLSA means the DANE TLSA record was applied.
	PolicyTLSA PolicyType = "tlsa"
	// PolicyNone means neither a DANE nor an MTA-STS policy was found.
	PolicyNone PolicyType = "no-policy-found"
)

type ResultPolicy struct {
	Type   PolicyType `json:"policy-type"`
	String []string   `json:"policy-string,omitempty"`
	Domain string     `json:"policy-domain"`
	// Example in the RFC has errata, it originally was a single string,
	// see RFC 8460 erratum 6241.
	MXHost []string `json:"mx-host,omitempty"`
}

type Summary struct {
	TotalSuccessfulSessionCount int64 `json:"total-successful-session-count"`
	TotalFailureSessionCount    int64 `json:"total-failure-session-count"`
}

// ResultType represents a TLS failure.
// See https://www.iana.org/assignments/starttls-validation-result-types/
type ResultType string

const (
	ResultSTARTTLSNotSupported    ResultType = "starttls-not-supported"
	ResultCertificateHostMismatch ResultType = "certificate-host-mismatch"
	ResultCertificateExpired      ResultType = "certificate-expired"
	ResultCertificateNotTrusted   ResultType = "certificate-not-trusted"
	ResultValidationFailure       ResultType = "validation-failure" // Other error.
	ResultTLSAInvalid             ResultType = "tlsa-invalid"
	ResultDNSSECInvalid           ResultType = "dnssec-invalid"
	ResultDANERequired            ResultType = "dane-required"
	ResultSTSPolicyFetch          ResultType = "sts-policy-fetch-error"
	ResultSTSPolicyInvalid        ResultType = "sts-policy-invalid"
	ResultSTSWebPKIInvalid        ResultType = "sts-webpki-invalid"
)

type FailureDetails struct {
	ResultType            ResultType `json:"result-type"`
	SendingMTAIP          string     `json:"sending-mta-ip"`
	ReceivingMXHostname   string     `json:"receiving-mx-hostname"`
	ReceivingMXHelo       string     `json:"receiving-mx-helo,omitempty"`
	ReceivingIP           string     `json:"receiving-ip,omitempty"`
	FailedSessionCount    int64      `json:"failed-session-count"`
	AdditionalInformation string     `json:"additional-information,omitempty"`
	FailureReasonCode     string     `json:"failure-reason-code,omitempty"`
}

// Parse parses and validates a report.
func Parse(buf []byte) (*Report, error) {
	return ParseReport(bytes.NewReader(buf))
}

// ParseReport parses and validates a report. A missing failure-details
// array on a fully successful policy is valid, unknown policy or result
// types are not.
func ParseReport(r io.Reader) (*Report, error) {
	var report Report
	d := json.NewDecoder(r)
	if err := d.Decode(&report); err != nil {
		return nil, fmt.Errorf("decoding json: %v", err)
	}
	if err := validate(&report); err != nil {
		return nil, err
	}
	return &report, nil
}

func validate(report *Report) error {
	if report.OrganizationName == "" {
		return fmt.Errorf("missing organization-name")
	}
	if report.DateRange.Start.IsZero() || report.DateRange.End.IsZero() {
		return fmt.Errorf("missing date-range")
	}
	if len(report.Policies) == 0 {
		return fmt.Errorf("report without policies")
	}
	for i, p := range report.Policies {
		switch p.Policy.Type {
		case PolicySTS, PolicyTLSA, PolicyNone:
		default:
			return fmt.Errorf("policy %d: unknown policy-type %q", i, p.Policy.Type)
		}
		if p.Policy.Domain == "" {
			return fmt.Errorf("policy %d: missing policy-domain", i)
		}
		for j, fd := range p.FailureDetails {
			switch fd.ResultType {
			case ResultSTARTTLSNotSupported, ResultCertificateHostMismatch,
				ResultCertificateExpired, ResultCertificateNotTrusted,
				ResultValidationFailure, ResultTLSAInvalid, ResultDNSSECInvalid,
				ResultDANERequired, ResultSTSPolicyFetch, ResultSTSPolicyInvalid,
				ResultSTSWebPKIInvalid:
			default:
				return fmt.Errorf("policy %d: failure detail %d: unknown result-type %q", i, j, fd.ResultType)
			}
		}
	}
	return nil
}
