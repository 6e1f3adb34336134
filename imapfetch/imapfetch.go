// Package imapfetch downloads report mails from the configured IMAP folders.
//
// One fetch run produces the complete set of mails in the folders. Metadata
// (uid, envelope, size) is fetched first for all mails, bodies follow in
// bounded batches because some servers reject overly large fetch requests.
// Mails above the configured maximum size keep their metadata but never get
// a body.
package imapfetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"mime"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/charset"

	"github.com/mjl-/reportview/config"
	"github.com/mjl-/reportview/mlog"
)

// Mail is one message from a report folder. Body is nil for oversized mails
// and for mails whose batch failed to fetch.
type Mail struct {
	UID       uint32
	Account   string
	Folder    string
	Kind      string // Report kind expected in this folder: dmarc, tlsrpt or both.
	Size      int64
	Oversized bool
	Date      time.Time
	Subject   string
	Sender    string
	To        string
	Body      []byte
}

// Fetch connects to the IMAP server and returns all mails from the
// configured folders. A returned error means the cycle must be abandoned;
// partial failures within a cycle, like one failing body batch, are logged
// and leave gaps in the result instead.
func Fetch(ctx context.Context, log *mlog.Log, cfg config.IMAP, timeout time.Duration) ([]Mail, error) {
	c, err := dial(cfg, timeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := c.Logout(); err != nil {
			log.Infox("imap logout", err)
		}
	}()

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		return nil, fmt.Errorf("imap login for %q: %v", cfg.Username, err)
	}
	log.Debug("imap login done", mlog.Field("host", cfg.Host), mlog.Field("username", cfg.Username))

	var mails []Mail
	for _, f := range cfg.Folders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fm, err := fetchFolder(ctx, log, c, cfg, f)
		if err != nil {
			return nil, err
		}
		mails = append(mails, fm...)
	}
	return mails, nil
}

func dial(cfg config.IMAP, timeout time.Duration) (*client.Client, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var tlsConfig *tls.Config
	if cfg.TLS != "plain" {
		roots, err := rootCAs(cfg.TLSCACertFile)
		if err != nil {
			return nil, err
		}
		tlsConfig = &tls.Config{ServerName: cfg.Host, RootCAs: roots}
	}

	var c *client.Client
	var err error
	switch cfg.TLS {
	case "tls":
		c, err = client.DialTLS(addr, tlsConfig)
	case "starttls", "plain":
		c, err = client.Dial(addr)
		if err == nil && cfg.TLS == "starttls" {
			err = c.StartTLS(tlsConfig)
		}
	default:
		return nil, fmt.Errorf("unknown imap tls mode %q", cfg.TLS)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to imap server %s: %v", addr, err)
	}
	c.Timeout = timeout
	return c, nil
}

func rootCAs(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tls ca cert file: %v", err)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %q", path)
	}
	return pool, nil
}

func fetchFolder(ctx context.Context, log *mlog.Log, c *client.Client, cfg config.IMAP, folder config.Folder) ([]Mail, error) {
	mbox, err := c.Select(folder.Name, false)
	if err != nil {
		return nil, fmt.Errorf("selecting folder %q: %v", folder.Name, err)
	}
	log.Debug("selected folder", mlog.Field("folder", folder.Name), mlog.Field("mails", mbox.Messages))
	if mbox.Messages == 0 {
		return nil, nil
	}

	// Metadata for all mails first, a single sequence range.
	seqset := new(imap.SeqSet)
	seqset.AddRange(1, mbox.Messages)
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchRFC822Size, imap.FetchUid}
	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	byUID := map[uint32]*Mail{}
	for msg := range messages {
		m := &Mail{
			UID:     msg.Uid,
			Account: cfg.Username,
			Folder:  folder.Name,
			Kind:    folder.Kind,
			Size:    int64(msg.Size),
		}
		m.Oversized = m.Size > cfg.MaxMailSize
		if env := msg.Envelope; env != nil {
			m.Date = env.Date
			m.Subject = decodeSubject(env.Subject)
			m.Sender = addresses(env.From)
			m.To = addresses(env.To)
		}
		byUID[m.UID] = m
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetching mail metadata from folder %q: %v", folder.Name, err)
	}

	uids := make([]uint32, 0, len(byUID))
	for uid, m := range byUID {
		if m.Oversized {
			log.Info("mail too large, skipping body", mlog.Field("folder", folder.Name), mlog.Field("uid", uid), mlog.Field("size", m.Size))
			continue
		}
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	section := &imap.BodySectionName{Peek: cfg.BodyPeek}
	for _, batch := range chunks(uids, cfg.ChunkSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := fetchBodies(c, byUID, batch, section); err != nil {
			// Keep what we have. Servers that reject large requests are the
			// common cause here.
			log.Errorx("fetching mail bodies, keeping mails fetched so far, a lower IMAP ChunkSize setting may help", err,
				mlog.Field("folder", folder.Name), mlog.Field("batchsize", len(batch)))
			break
		}
	}

	mails := make([]Mail, 0, len(byUID))
	for _, m := range byUID {
		mails = append(mails, *m)
	}
	sort.Slice(mails, func(i, j int) bool { return mails[i].UID < mails[j].UID })
	return mails, nil
}

func fetchBodies(c *client.Client, byUID map[uint32]*Mail, batch []uint32, section *imap.BodySectionName) error {
	uidset := new(imap.SeqSet)
	for _, uid := range batch {
		uidset.AddNum(uid)
	}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}
	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(uidset, items, messages)
	}()
	for msg := range messages {
		m := byUID[msg.Uid]
		if m == nil {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		buf, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("reading body of uid %d: %v", msg.Uid, err)
		}
		m.Body = buf
	}
	return <-done
}

// chunks splits uids into batches of at most size. A size of one means one
// request per mail, a size of at least len(uids) means a single batch.
func chunks(uids []uint32, size int) [][]uint32 {
	var out [][]uint32
	for len(uids) > size {
		out = append(out, uids[:size])
		uids = uids[size:]
	}
	if len(uids) > 0 {
		out = append(out, uids)
	}
	return out
}

var subjectDecoder = mime.WordDecoder{CharsetReader: charset.Reader}

// decodeSubject decodes RFC 2047 encoded words in a subject header,
// returning the input unchanged when decoding fails.
func decodeSubject(s string) string {
	d, err := subjectDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return d
}

func addresses(l []*imap.Address) string {
	var b strings.Builder
	for i, a := range l {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.Address())
	}
	return b.String()
}
