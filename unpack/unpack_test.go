package unpack

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"
	"testing"

	"github.com/mjl-/reportview/mlog"
)

const xmlReport = `<?xml version="1.0" encoding="UTF-8" ?>
<feedback>
  <report_metadata>
    <org_name>google.com</org_name>
    <report_id>1</report_id>
  </report_metadata>
</feedback>
`

const jsonReport = `{"organization-name": "Company-X", "report-id": "1"}`

func gzipped(t *testing.T, data string) []byte {
	t.Helper()
	var b bytes.Buffer
	w := gzip.NewWriter(&b)
	if _, err := w.Write([]byte(data)); err != nil {
		t.Fatalf("gzip: %s", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %s", err)
	}
	return b.Bytes()
}

func zipped(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var b bytes.Buffer
	w := zip.NewWriter(&b)
	for name, data := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip create: %s", err)
		}
		if _, err := f.Write([]byte(data)); err != nil {
			t.Fatalf("zip write: %s", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %s", err)
	}
	return b.Bytes()
}

// mail composes a multipart/mixed message with a plain text body and the
// given attachments, each base64-encoded.
func mail(t *testing.T, attachments map[string][]byte) []byte {
	t.Helper()
	var parts bytes.Buffer
	mw := multipart.NewWriter(&parts)

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: noreply-dmarc@mailer.example\r\n")
	fmt.Fprintf(&msg, "To: postmaster@example.org\r\n")
	fmt.Fprintf(&msg, "Subject: Report Domain: example.org\r\n")
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mw.Boundary())

	pw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}})
	if err != nil {
		t.Fatalf("creating text part: %s", err)
	}
	fmt.Fprintf(pw, "This is an aggregate report.\r\n")

	for name, data := range attachments {
		h := textproto.MIMEHeader{
			"Content-Type":              {fmt.Sprintf(`application/octet-stream; name=%q`, name)},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {fmt.Sprintf(`attachment; filename=%q`, name)},
		}
		pw, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("creating attachment part: %s", err)
		}
		fmt.Fprintln(pw, base64.StdEncoding.EncodeToString(data))
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart: %s", err)
	}
	msg.Write(parts.Bytes())
	return msg.Bytes()
}

func TestExtractGzip(t *testing.T) {
	log := mlog.New("unpack")
	body := mail(t, map[string][]byte{"google.com!example.org!1.xml.gz": gzipped(t, xmlReport)})

	docs, errs := Extract(log, body, 1024*1024)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
	if docs[0].Kind != DMARC {
		t.Fatalf("got kind %q, want dmarc", docs[0].Kind)
	}
	if docs[0].Filename != "google.com!example.org!1.xml" {
		t.Fatalf("got filename %q, gz suffix not stripped", docs[0].Filename)
	}
	if string(docs[0].Data) != xmlReport {
		t.Fatalf("got data %q", docs[0].Data)
	}
}

func TestExtractZip(t *testing.T) {
	log := mlog.New("unpack")
	body := mail(t, map[string][]byte{
		"reports.zip": zipped(t, map[string]string{
			"a.xml":      xmlReport,
			"readme.txt": "not a report",
		}),
	})

	docs, errs := Extract(log, body, 1024*1024)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1 (non-report zip entry must be skipped)", len(docs))
	}
	if docs[0].Filename != "a.xml" || docs[0].Kind != DMARC {
		t.Fatalf("got %q kind %q", docs[0].Filename, docs[0].Kind)
	}
}

func TestExtractPlainJSON(t *testing.T) {
	log := mlog.New("unpack")
	body := mail(t, map[string][]byte{"report.json": []byte(jsonReport)})

	docs, errs := Extract(log, body, 1024*1024)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(docs) != 1 || docs[0].Kind != TLSRPT {
		t.Fatalf("got %v, want one tlsrpt document", docs)
	}
}

// A declared content-type must not override what the bytes actually are.
func TestExtractMagicOverridesContentType(t *testing.T) {
	log := mlog.New("unpack")
	// Gzip data in a part declared as xml.
	body := mail(t, map[string][]byte{"report.xml": gzipped(t, xmlReport)})

	docs, errs := Extract(log, body, 1024*1024)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(docs) != 1 || string(docs[0].Data) != xmlReport {
		t.Fatalf("gzip attachment not decompressed, got %v", docs)
	}
}

// A broken attachment is reported as a part error without dropping the
// other parts.
func TestExtractPartErrorIsolated(t *testing.T) {
	log := mlog.New("unpack")
	truncated := gzipped(t, xmlReport)[:4]
	body := mail(t, map[string][]byte{
		"bad.xml.gz":  truncated,
		"good.xml.gz": gzipped(t, xmlReport),
	})

	docs, errs := Extract(log, body, 1024*1024)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(errs), errs)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
}

func TestExtractSizeLimit(t *testing.T) {
	log := mlog.New("unpack")
	big := xmlReport + strings.Repeat("<!-- padding -->\n", 1024)
	body := mail(t, map[string][]byte{"big.xml.gz": gzipped(t, big)})

	docs, errs := Extract(log, body, 128)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1 for oversized decompressed document", len(errs))
	}
	if len(docs) != 0 {
		t.Fatalf("unexpected documents: %v", docs)
	}
}

func TestClassify(t *testing.T) {
	check := func(data string, want Kind) {
		t.Helper()
		if got := Classify([]byte(data)); got != want {
			t.Fatalf("classify %q: got %q, want %q", data, got, want)
		}
	}

	check(xmlReport, DMARC)
	check("\uFEFF"+xmlReport, DMARC)
	check("  \r\n"+jsonReport, TLSRPT)
	check("<feedback><report_metadata/></feedback>", DMARC)
	check("<html><body>hi</body></html>", Unknown)
	check("plain text", Unknown)
	check("", Unknown)
}

func TestMergeNameParts(t *testing.T) {
	check := func(input, wantName string) {
		t.Helper()
		out := mergeNameParts(input)
		if !strings.Contains(out, fmt.Sprintf("name=%q", wantName)) {
			t.Fatalf("merging %q: got %q, want name %q", input, out, wantName)
		}
	}

	check("application/octet-stream;  name*0=amazonses.com!x!1745884800!1745971200.xm;  name*1=l.gz",
		"amazonses.com!x!1745884800!1745971200.xml.gz")
	check("application/octet-stream;  name*0=foo;  name*1=bar;  name*2=.jpeg", "foobar.jpeg")
	check(`application/octet-stream; name*0="foo"; name*1="bar"; name*2=".jpeg"`, "foobar.jpeg")
}
