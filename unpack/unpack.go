// Package unpack extracts report documents from the MIME structure of a mail.
//
// Reporters deliver reports in many shapes: a gzipped XML attachment, a ZIP
// with one or more XML files, a bare JSON part, sometimes with a generic
// application/octet-stream content-type. We walk all parts, detect
// compression by magic bytes instead of trusting the declared type, and
// classify the resulting payload by sniffing its content.
package unpack

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding/charmap"

	"github.com/mjl-/reportview/mlog"
	"github.com/mjl-/reportview/moxio"
)

func init() {
	// Charsets seen in report mails that go-message does not register itself.
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
}

// Kind is the detected document type.
type Kind string

const (
	DMARC   Kind = "dmarc"  // DMARC aggregate report, XML.
	TLSRPT  Kind = "tlsrpt" // SMTP TLS report, JSON.
	Unknown Kind = ""
)

// Document is a single extracted, decompressed report document.
type Document struct {
	Kind     Kind
	Filename string // From the MIME part, possibly empty. ".gz" suffix stripped.
	Data     []byte
}

// PartError is a decode failure scoped to one MIME part. Other parts of the
// same mail are still processed.
type PartError struct {
	Part int // Index of the leaf part, in walk order.
	Err  error
}

func (e PartError) Error() string {
	return fmt.Sprintf("part %d: %s", e.Part, e.Err)
}

// Extract walks the MIME structure of a raw mail body, returning the report
// documents found plus a PartError for each part that could not be decoded.
// maxSize bounds the decompressed size of each document.
func Extract(log *mlog.Log, body []byte, maxSize int64) ([]Document, []PartError) {
	m, err := message.Read(bytes.NewReader(body))
	if message.IsUnknownCharset(err) {
		log.Debugx("unknown charset in mail, continuing", err)
	} else if err != nil {
		return nil, []PartError{{0, fmt.Errorf("parsing mime message: %v", err)}}
	}

	w := &walker{log: log, maxSize: maxSize}
	w.entity(m)
	return w.docs, w.errs
}

type walker struct {
	log     *mlog.Log
	maxSize int64
	part    int
	docs    []Document
	errs    []PartError
}

func (w *walker) entity(m *message.Entity) {
	mr := m.MultipartReader()
	if mr == nil {
		w.leaf(m)
		return
	}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if message.IsUnknownCharset(err) {
			w.log.Debugx("unknown charset in part, continuing", err)
		} else if err != nil {
			w.errs = append(w.errs, PartError{w.part, fmt.Errorf("reading next mime part: %v", err)})
			break
		}
		w.entity(p)
	}
}

func (w *walker) leaf(m *message.Entity) {
	part := w.part
	w.part++

	filename := partFilename(m.Header)

	// go-message already decoded the content-transfer-encoding.
	buf, err := io.ReadAll(&moxio.LimitReader{R: m.Body, Limit: w.maxSize})
	if err != nil {
		w.errs = append(w.errs, PartError{part, fmt.Errorf("decoding part body: %v", err)})
		return
	}

	switch {
	case bytes.HasPrefix(buf, []byte{0x1f, 0x8b}):
		w.log.Debug("gzip attachment", mlog.Field("part", part), mlog.Field("filename", filename))
		data, err := w.gunzip(buf)
		if err != nil {
			w.errs = append(w.errs, PartError{part, fmt.Errorf("decompressing gzip attachment: %v", err)})
			return
		}
		w.add(part, strings.TrimSuffix(filename, ".gz"), data)

	case bytes.HasPrefix(buf, []byte("PK\x03\x04")):
		w.log.Debug("zip attachment", mlog.Field("part", part), mlog.Field("filename", filename))
		zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
		if err != nil {
			w.errs = append(w.errs, PartError{part, fmt.Errorf("opening zip attachment: %v", err)})
			return
		}
		if len(zr.File) == 0 {
			w.log.Info("zip attachment without files", mlog.Field("part", part))
		}
		for _, f := range zr.File {
			data, err := w.unzipFile(f)
			if err != nil {
				w.errs = append(w.errs, PartError{part, fmt.Errorf("extracting %q from zip attachment: %v", f.Name, err)})
				continue
			}
			w.add(part, f.Name, data)
		}

	default:
		w.add(part, filename, buf)
	}
}

// add classifies data and records a document when it looks like a report.
// Unrecognized content, like the human-readable mail body, is skipped
// silently.
func (w *walker) add(part int, filename string, data []byte) {
	kind := Classify(data)
	if kind == Unknown {
		w.log.Debug("skipping unrecognized part", mlog.Field("part", part), mlog.Field("filename", filename))
		return
	}
	w.docs = append(w.docs, Document{Kind: kind, Filename: filename, Data: data})
}

func (w *walker) gunzip(buf []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(&moxio.LimitReader{R: gz, Limit: w.maxSize})
}

func (w *walker) unzipFile(f *zip.File) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(&moxio.LimitReader{R: r, Limit: w.maxSize})
}

var bom = []byte{0xef, 0xbb, 0xbf}

// Classify sniffs whether data is a DMARC aggregate report (XML) or an SMTP
// TLS report (JSON). Detection is on content, not file extension: a leading
// XML declaration or feedback root element means XML, a leading object open
// brace means JSON. HTML mail bodies start with "<html" or "<!doctype" and
// match neither.
func Classify(data []byte) Kind {
	s := bytes.TrimLeft(bytes.TrimPrefix(data, bom), " \t\r\n")
	switch {
	case bytes.HasPrefix(s, []byte("<?xml")), bytes.HasPrefix(s, []byte("<feedback")):
		return DMARC
	case bytes.HasPrefix(s, []byte("{")):
		return TLSRPT
	}
	return Unknown
}

// partFilename returns the filename declared on a part, from the
// content-disposition or content-type parameters. Long names split over
// RFC 2231 parameter continuations are reassembled.
func partFilename(h message.Header) string {
	if disp, params, err := h.ContentDisposition(); err == nil && disp == "attachment" {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	_, params, err := h.ContentType()
	if err == nil {
		if name := params["name"]; name != "" {
			return name
		}
	}
	// Some senders emit continuations the strict parser rejects, e.g.
	// "name*0=...xm;\n name*1=l.gz" without charset info. Merge the segments
	// ourselves and retry.
	if raw := h.Get("Content-Type"); raw != "" {
		if _, params, err := mime.ParseMediaType(mergeNameParts(raw)); err == nil {
			if name := params["name"]; name != "" {
				return name
			}
		}
	}
	return ""
}

// mergeNameParts merges "name*0=", "name*1=", ... parameter continuations in
// a content-type header value into a single quoted "name" parameter.
func mergeNameParts(v string) string {
	var out, name strings.Builder
	next := 0
	for _, seg := range strings.Split(strings.TrimSpace(v), "; ") {
		seg = strings.TrimSpace(seg)
		if cand, ok := strings.CutPrefix(seg, fmt.Sprintf("name*%d=", next)); ok {
			next++
			cand = strings.TrimSuffix(cand, ";")
			if len(cand) > 2 && strings.HasPrefix(cand, `"`) && strings.HasSuffix(cand, `"`) {
				cand = cand[1 : len(cand)-1]
			}
			name.WriteString(cand)
		} else if out.Len() == 0 {
			out.WriteString(seg)
		} else {
			out.WriteString("; ")
			out.WriteString(seg)
		}
	}
	if name.Len() > 0 {
		fmt.Fprintf(&out, `; name="%s"`, name.String())
	}
	return out.String()
}
