package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/adns"

	"github.com/mjl-/reportview/config"
	"github.com/mjl-/reportview/dmarcrpt"
	"github.com/mjl-/reportview/enrich"
	"github.com/mjl-/reportview/mlog"
	"github.com/mjl-/reportview/store"
	"github.com/mjl-/reportview/summary"
	"github.com/mjl-/reportview/tlsrpt"
)

type fakeResolver struct {
	names map[string][]string
}

func (r fakeResolver) LookupAddr(ctx context.Context, addr string) ([]string, adns.Result, error) {
	if names, ok := r.names[addr]; ok {
		return names, adns.Result{}, nil
	}
	return nil, adns.Result{}, &adns.DNSError{Err: "no such host", Name: addr, IsNotFound: true}
}

// testSnapshot builds a small dataset: a DMARC report with one failing
// record, a TLS report with failed sessions, an oversized mail and a mail
// with a parsing error.
func testSnapshot() *store.Snapshot {
	b := store.NewBuilder()

	m1 := b.AddMail(store.Mail{Account: "reports", Folder: "Inbox", UID: 1, Sender: "noreply-dmarc-support@google.com", Size: 4096})
	m1.XMLFiles = 1
	feedback := &dmarcrpt.Feedback{
		ReportMetadata: dmarcrpt.ReportMetadata{
			OrgName:   "google.com",
			ReportID:  "17566652369607306477",
			DateRange: dmarcrpt.DateRange{Begin: 1706313600, End: 1706400000},
		},
		PolicyPublished: dmarcrpt.PolicyPublished{Domain: "example.org", Policy: dmarcrpt.DispositionReject},
		Records: []dmarcrpt.ReportRecord{
			{
				Row: dmarcrpt.Row{
					SourceIP: "5.6.7.8",
					Count:    3,
					PolicyEvaluated: dmarcrpt.PolicyEvaluated{
						Disposition: dmarcrpt.DispositionNone,
						DKIM:        dmarcrpt.DMARCFail,
						SPF:         dmarcrpt.DMARCPass,
					},
				},
				Identifiers: dmarcrpt.Identifiers{HeaderFrom: "example.org"},
				AuthResults: dmarcrpt.AuthResults{
					SPF: []dmarcrpt.SPFAuthResult{{Domain: "example.org", Result: dmarcrpt.SPFPass}},
				},
			},
		},
	}
	b.AddDMARC(m1, []byte("<?xml version=\"1.0\"?><feedback></feedback>"), feedback)

	m2 := b.AddMail(store.Mail{Account: "reports", Folder: "Inbox", UID: 2, Sender: "tlsrpt-noreply@microsoft.com", Size: 2048})
	m2.JSONFiles = 1
	tlsReport := &tlsrpt.Report{
		OrganizationName: "Microsoft Corporation",
		DateRange: tlsrpt.DateRange{
			Start: time.Date(2024, 1, 27, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 1, 28, 0, 0, 0, 0, time.UTC),
		},
		ReportID: "2024-01-27T00:00:00Z_example.org",
		Policies: []tlsrpt.Result{
			{
				Policy:  tlsrpt.ResultPolicy{Type: tlsrpt.PolicySTS, Domain: "example.org"},
				Summary: tlsrpt.Summary{TotalSuccessfulSessionCount: 10, TotalFailureSessionCount: 2},
				FailureDetails: []tlsrpt.FailureDetails{
					{ResultType: tlsrpt.ResultCertificateExpired, SendingMTAIP: "1.2.3.4", FailedSessionCount: 2},
				},
			},
		},
	}
	b.AddTLS(m2, []byte(`{"organization-name":"Microsoft Corporation"}`), tlsReport)

	m3 := b.AddMail(store.Mail{Account: "reports", Folder: "Inbox", UID: 3, Sender: "big@example.com", Size: 5 << 20, Oversized: true})
	_ = m3

	m4 := b.AddMail(store.Mail{Account: "reports", Folder: "Inbox", UID: 4, Sender: "broken@example.com", Size: 1024})
	m4.XMLFiles = 1
	b.AddError(m4, store.DMARC, []byte("<feedback>truncated"), fmt.Errorf("parsing report: unexpected EOF"))

	return b.Snapshot(time.Unix(1706486400, 0))
}

func testServer(t *testing.T, cfg config.HTTP) *Server {
	t.Helper()

	log := mlog.New("web")
	st := store.NewStore()
	st.Publish(testSnapshot())

	resolver := fakeResolver{names: map[string][]string{"5.6.7.8": {"mail.example.org."}}}
	reverse := enrich.NewReverse(log, resolver, time.Second)

	geo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/json/1.2.3.4") {
			fmt.Fprint(w, `{"country":"Netherlands","countryCode":"NL","query":"1.2.3.4"}`)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(geo.Close)

	// Nothing listens here, whois lookups fail.
	whois := enrich.NewWhois(log, "127.0.0.1:1", time.Second)

	return NewServer(log, st, reverse, enrich.NewGeo(log, geo.Client(), geo.URL), whois, cfg, "dev")
}

func httpGet(t *testing.T, h http.Handler, path string, expCode int) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	if rec.Code != expCode {
		t.Fatalf("got status %d, expected %d, for %s, body %q", rec.Code, expCode, path, rec.Body.String())
	}
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func TestSummaryEndpoint(t *testing.T) {
	h := testServer(t, config.HTTP{}).Handler()

	var sum summary.Summary
	decode(t, httpGet(t, h, "/summary", http.StatusOK), &sum)
	if sum.Mails != 4 || sum.DMARC.Reports != 1 || sum.TLS.Reports != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	decode(t, httpGet(t, h, "/summary?time_span=24&domain=example.org", http.StatusOK), &sum)
	httpGet(t, h, "/summary?time_span=soon", http.StatusBadRequest)

	var sources []summary.Source
	decode(t, httpGet(t, h, "/sources", http.StatusOK), &sources)
	if len(sources) != 2 {
		t.Fatalf("got %d sources, expected 2", len(sources))
	}
}

func TestMailEndpoints(t *testing.T) {
	h := testServer(t, config.HTTP{}).Handler()

	list := func(path string, exp int) []store.Mail {
		t.Helper()
		var mails []store.Mail
		decode(t, httpGet(t, h, path, http.StatusOK), &mails)
		if len(mails) != exp {
			t.Fatalf("got %d mails, expected %d, for %s", len(mails), exp, path)
		}
		return mails
	}

	list("/mails", 4)
	list("/mails?sender=big@example.com", 1)
	list("/mails?attachment=dmarc", 2)
	list("/mails?attachment=tls", 1)
	list("/mails?attachment=none", 1)
	list("/mails?oversized", 1)
	list("/mails?errors", 1)
	list("/mails?attachment=dmarc&errors", 1)
	httpGet(t, h, "/mails?attachment=pdf", http.StatusBadRequest)

	id := store.MailID("reports", "Inbox", 4)
	var m store.Mail
	decode(t, httpGet(t, h, "/mails/"+id, http.StatusOK), &m)
	if m.Sender != "broken@example.com" || m.XMLParsingErrors != 1 {
		t.Fatalf("unexpected mail %+v", m)
	}
	httpGet(t, h, "/mails/bogus", http.StatusNotFound)

	var errs map[string][]store.ParsingError
	decode(t, httpGet(t, h, "/mails/"+id+"/errors", http.StatusOK), &errs)
	if len(errs["xml"]) != 1 || len(errs["json"]) != 0 {
		t.Fatalf("unexpected errors %+v", errs)
	}
	httpGet(t, h, "/mails/bogus/errors", http.StatusNotFound)

	var all []store.ParsingError
	decode(t, httpGet(t, h, "/errors", http.StatusOK), &all)
	if len(all) != 1 || all[0].MailID != id {
		t.Fatalf("unexpected error list %+v", all)
	}
}

func TestReportEndpoints(t *testing.T) {
	h := testServer(t, config.HTTP{}).Handler()

	list := func(path string, exp int) []ReportHeader {
		t.Helper()
		var headers []ReportHeader
		decode(t, httpGet(t, h, path, http.StatusOK), &headers)
		if len(headers) != exp {
			t.Fatalf("got %d reports, expected %d, for %s", len(headers), exp, path)
		}
		return headers
	}

	dmarcID := list("/dmarc-reports", 1)[0].ID
	list("/dmarc-reports?flagged", 1)
	list("/dmarc-reports?flagged_dkim", 1)
	list("/dmarc-reports?flagged_spf", 0)
	list("/dmarc-reports?domain=EXAMPLE.ORG", 1)
	list("/dmarc-reports?org=google.com", 1)
	list("/dmarc-reports?org=nonesuch", 0)
	list("/dmarc-reports?ip=5.6.7.8", 1)
	list("/dmarc-reports?ip=9.9.9.9", 0)
	list("/dmarc-reports?id="+store.MailID("reports", "Inbox", 1), 1)
	list("/dmarc-reports?id=bogus", 0)

	tlsID := list("/tls-reports", 1)[0].ID
	list("/tls-reports?flagged_sts", 1)
	list("/tls-reports?flagged_tlsa", 0)
	list("/tls-reports?ip=1.2.3.4", 1)

	var rep store.Report
	decode(t, httpGet(t, h, "/dmarc-reports/"+dmarcID, http.StatusOK), &rep)
	if !rep.FlaggedDKIM || rep.DMARC == nil {
		t.Fatalf("unexpected report %+v", rep)
	}

	var feedback dmarcrpt.Feedback
	decode(t, httpGet(t, h, "/dmarc-reports/"+dmarcID+"/json", http.StatusOK), &feedback)
	if feedback.ReportMetadata.OrgName != "google.com" {
		t.Fatalf("unexpected parsed report %+v", feedback)
	}

	rec := httpGet(t, h, "/dmarc-reports/"+dmarcID+"/xml", http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("got content-type %q, expected text/xml", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "<?xml") {
		t.Fatalf("unexpected raw xml %q", rec.Body.String())
	}

	rec = httpGet(t, h, "/tls-reports/"+tlsID+"/json", http.StatusOK)
	if rec.Body.String() != `{"organization-name":"Microsoft Corporation"}` {
		t.Fatalf("raw json endpoint did not serve stored bytes, got %q", rec.Body.String())
	}

	httpGet(t, h, "/dmarc-reports/bogus", http.StatusNotFound)
	httpGet(t, h, "/tls-reports/bogus/json", http.StatusNotFound)
}

func TestIPEndpoints(t *testing.T) {
	h := testServer(t, config.HTTP{}).Handler()

	rec := httpGet(t, h, "/ips/5.6.7.8/dns", http.StatusOK)
	if rec.Body.String() != "mail.example.org" {
		t.Fatalf("got hostname %q, expected mail.example.org", rec.Body.String())
	}
	httpGet(t, h, "/ips/9.9.9.9/dns", http.StatusNotFound)
	httpGet(t, h, "/ips/not-an-ip/dns", http.StatusBadRequest)

	var loc enrich.Location
	decode(t, httpGet(t, h, "/ips/1.2.3.4/location", http.StatusOK), &loc)
	if loc.CountryCode != "NL" {
		t.Fatalf("unexpected location %+v", loc)
	}
	httpGet(t, h, "/ips/9.9.9.9/location", http.StatusNotFound)

	httpGet(t, h, "/ips/1.2.3.4/whois", http.StatusInternalServerError)

	post := func(body string, expCode int) *httptest.ResponseRecorder {
		t.Helper()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("POST", "/ips/dns/batch", strings.NewReader(body)))
		if rec.Code != expCode {
			t.Fatalf("got status %d, expected %d, body %q", rec.Code, expCode, rec.Body.String())
		}
		return rec
	}

	var names map[string]*string
	decode(t, post(`["5.6.7.8","9.9.9.9"]`, http.StatusOK), &names)
	host := "mail.example.org"
	exp := map[string]*string{"5.6.7.8": &host, "9.9.9.9": nil}
	if !reflect.DeepEqual(names, exp) {
		t.Fatalf("got batch result %v, expected %v", names, exp)
	}

	post(`["not-an-ip"]`, http.StatusBadRequest)
	post(`not json`, http.StatusBadRequest)
	ips := make([]string, 101)
	for i := range ips {
		ips[i] = fmt.Sprintf("10.0.0.%d", i)
	}
	big, _ := json.Marshal(ips)
	post(string(big), http.StatusBadRequest)
}

func TestBasicAuth(t *testing.T) {
	h := testServer(t, config.HTTP{BasicAuthUsername: "admin", BasicAuthPassword: "secret"}).Handler()

	rec := httpGet(t, h, "/summary", http.StatusUnauthorized)
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("missing WWW-Authenticate header")
	}

	req := httptest.NewRequest("GET", "/summary", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d with bad password, expected 401", rec.Code)
	}

	req = httptest.NewRequest("GET", "/summary", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d with good credentials, expected 200", rec.Code)
	}
}

func TestVersion(t *testing.T) {
	h := testServer(t, config.HTTP{}).Handler()
	var v map[string]string
	decode(t, httpGet(t, h, "/version", http.StatusOK), &v)
	if v["version"] != "dev" {
		t.Fatalf("got version %q, expected dev", v["version"])
	}
}
