// Package dmarcrpt parses DMARC aggregate feedback reports.
//
// Reports from the wild deviate from the RFC in several known ways, e.g.
// empty subdomain policies, an invented disposition "pass" and the SPF
// result "hardfail". All such values are normalized here, at the parsing
// boundary, so the rest of the code only sees the canonical vocabulary.
package dmarcrpt

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"strings"
)

// Parse parses and normalizes an XML aggregate feedback report.
func Parse(buf []byte) (*Feedback, error) {
	return ParseReport(bytes.NewReader(buf))
}

// ParseReport parses and normalizes an XML aggregate feedback report.
func ParseReport(r io.Reader) (*Feedback, error) {
	var feedback Feedback
	d := xml.NewDecoder(r)
	if err := d.Decode(&feedback); err != nil {
		return nil, fmt.Errorf("decoding xml: %v", err)
	}
	if err := normalize(&feedback); err != nil {
		return nil, err
	}
	return &feedback, nil
}

func normalize(f *Feedback) error {
	var err error
	setErr := func(e error) {
		if err == nil {
			err = e
		}
	}

	f.PolicyPublished.Policy, err = disposition(f.PolicyPublished.Policy)
	if err != nil {
		return fmt.Errorf("policy published: %v", err)
	}
	// Some reports have an empty or missing sp field, accept it as absent.
	sp, e := disposition(f.PolicyPublished.SubdomainPolicy)
	if e != nil {
		return fmt.Errorf("policy published: subdomain %v", e)
	}
	f.PolicyPublished.SubdomainPolicy = sp

	for i := range f.Records {
		rec := &f.Records[i]
		if net.ParseIP(rec.Row.SourceIP) == nil {
			return fmt.Errorf("record %d: invalid source ip %q", i, rec.Row.SourceIP)
		}
		if rec.Row.Count < 0 {
			return fmt.Errorf("record %d: negative count %d", i, rec.Row.Count)
		}

		pe := &rec.Row.PolicyEvaluated
		d, e := disposition(pe.Disposition)
		if e != nil {
			setErr(fmt.Errorf("record %d: %v", i, e))
		}
		if d == DispositionAbsent {
			d = DispositionNone
		}
		pe.Disposition = d
		if pe.DKIM, e = dmarcResult(pe.DKIM); e != nil {
			setErr(fmt.Errorf("record %d: dkim %v", i, e))
		}
		if pe.SPF, e = dmarcResult(pe.SPF); e != nil {
			setErr(fmt.Errorf("record %d: spf %v", i, e))
		}

		for j := range rec.AuthResults.DKIM {
			dk := &rec.AuthResults.DKIM[j]
			if dk.Result, e = dkimResult(dk.Result); e != nil {
				setErr(fmt.Errorf("record %d: dkim auth %d: %v", i, j, e))
			}
		}
		for j := range rec.AuthResults.SPF {
			sf := &rec.AuthResults.SPF[j]
			if sf.Result, e = spfResult(sf.Result); e != nil {
				setErr(fmt.Errorf("record %d: spf auth %d: %v", i, j, e))
			}
		}
	}
	return err
}

func disposition(d Disposition) (Disposition, error) {
	switch Disposition(strings.ToLower(string(d))) {
	case DispositionAbsent:
		return DispositionAbsent, nil
	case DispositionNone:
		return DispositionNone, nil
	case DispositionQuarantine:
		return DispositionQuarantine, nil
	case DispositionReject:
		return DispositionReject, nil
	case DispositionPass:
		// Not in the RFC, seen in reports from the wild.
		return DispositionPass, nil
	}
	return d, fmt.Errorf("unknown disposition %q", d)
}

func dmarcResult(r DMARCResult) (DMARCResult, error) {
	switch DMARCResult(strings.ToLower(string(r))) {
	case DMARCAbsent:
		return DMARCAbsent, nil
	case DMARCPass:
		return DMARCPass, nil
	case DMARCFail:
		return DMARCFail, nil
	}
	return r, fmt.Errorf("unknown dmarc result %q", r)
}

func dkimResult(r DKIMResult) (DKIMResult, error) {
	switch DKIMResult(strings.ToLower(string(r))) {
	case DKIMNone, DKIMPass, DKIMFail, DKIMPolicy, DKIMNeutral, DKIMTemperror, DKIMPermerror:
		return DKIMResult(strings.ToLower(string(r))), nil
	}
	return r, fmt.Errorf("unknown dkim result %q", r)
}

func spfResult(r SPFResult) (SPFResult, error) {
	s := SPFResult(strings.ToLower(string(r)))
	// Non-standard alias used by some report generators.
	if s == "hardfail" {
		return SPFFail, nil
	}
	switch s {
	case SPFNone, SPFNeutral, SPFPass, SPFFail, SPFSoftfail, SPFTemperror, SPFPermerror:
		return s, nil
	}
	return r, fmt.Errorf("unknown spf result %q", r)
}
