// Package decode turns raw RFC 5322 message bytes into structured content:
// sender address, decoded subject, flattened body text and PDF attachment
// payloads. A message that cannot be decoded fails as a unit; callers skip
// it and move on.
package decode

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

func init() {
	// Parts declare their own charsets; let go-message decode any label the
	// sniffer knows about.
	message.CharsetReader = func(cs string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(cs, input)
	}
}

// Message is the structured content extracted from one raw message.
type Message struct {
	// Address is the From header, verbatim.
	Address string
	// Subject is decoded fragment-by-fragment and NFC-normalized.
	Subject string
	// Text is the concatenated body text of all plain/HTML parts, with
	// markup stripped if any part was HTML.
	Text string
	// PDFs holds the decoded payloads of PDF-named attachments, in part
	// order.
	PDFs [][]byte
}

// Decoder extracts structured content from raw message bytes.
type Decoder struct {
	detector Detector
	logger   *slog.Logger
}

// Option customizes decoder behavior.
type Option func(*Decoder)

// WithDetector overrides the charset detection strategy.
func WithDetector(detector Detector) Option {
	return func(d *Decoder) {
		if detector != nil {
			d.detector = detector
		}
	}
}

// NewDecoder creates a decoder with the default sniffing detector.
func NewDecoder(logger *slog.Logger, opts ...Option) *Decoder {
	d := &Decoder{
		detector: SniffDetector{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode extracts sender, subject, body text and PDF payloads from one raw
// message.
func (d *Decoder) Decode(raw []byte) (*Message, error) {
	mr, outer, err := d.openReader(raw)
	if err != nil {
		return nil, err
	}
	defer mr.Close()

	msg := &Message{
		Address: mr.Header.Get("From"),
		Subject: d.decodeSubject(mr.Header.Get("Subject"), outer),
	}

	var texts []string
	var sawHTML bool

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, params, _ := h.ContentType()
			if name := params["name"]; isPDFName(name) {
				payload, err := io.ReadAll(part.Body)
				if err != nil {
					return nil, fmt.Errorf("read inline attachment: %w", err)
				}
				msg.PDFs = append(msg.PDFs, payload)
				continue
			}
			switch mediaType {
			case "text/plain", "text/html":
				body, err := io.ReadAll(part.Body)
				if err != nil {
					return nil, fmt.Errorf("read text part: %w", err)
				}
				texts = append(texts, string(body))
				if mediaType == "text/html" {
					sawHTML = true
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			if !isPDFName(filename) {
				continue
			}
			payload, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("read attachment %s: %w", filename, err)
			}
			msg.PDFs = append(msg.PDFs, payload)
		}
	}

	msg.Text = strings.Join(texts, "")
	if sawHTML {
		msg.Text = htmlToText(msg.Text)
	}
	return msg, nil
}

// DecodeHeaders is the light path for cache population: it decodes only the
// sender address and subject, leaving body and attachments untouched.
func (d *Decoder) DecodeHeaders(raw []byte) (address, subject string, err error) {
	mr, outer, err := d.openReader(raw)
	if err != nil {
		return "", "", err
	}
	defer mr.Close()

	return mr.Header.Get("From"), d.decodeSubject(mr.Header.Get("Subject"), outer), nil
}

// openReader detects the message's byte encoding, decodes the raw bytes
// through it and opens a MIME reader over the result. Detection failure
// falls back to UTF-8; a decode failure is a hard stop for the message.
func (d *Decoder) openReader(raw []byte) (*mail.Reader, encoding.Encoding, error) {
	enc, name, certain := d.detector.Detect(raw)
	if !certain {
		d.logger.Debug("uncertain charset guess", "charset", name)
	}

	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", name, err)
	}

	mr, err := mail.CreateReader(strings.NewReader(string(decoded)))
	if err != nil {
		return nil, nil, fmt.Errorf("parse message: %w", err)
	}
	return mr, enc, nil
}

// decodeSubject decodes an RFC 2047 subject fragment by fragment. Each
// fragment's declared charset wins; unknown labels fall back to the outer
// detected encoding, then to the bytes as-is (UTF-8).
func (d *Decoder) decodeSubject(rawSubject string, outer encoding.Encoding) string {
	dec := &mime.WordDecoder{
		CharsetReader: func(cs string, input io.Reader) (io.Reader, error) {
			if r, err := htmlcharset.NewReaderLabel(cs, input); err == nil && r != nil {
				return r, nil
			}
			if outer != nil {
				return transform.NewReader(input, outer.NewDecoder()), nil
			}
			return input, nil
		},
	}
	subject, err := dec.DecodeHeader(rawSubject)
	if err != nil {
		d.logger.Debug("subject decode failed, keeping raw", "error", err)
		subject = rawSubject
	}
	return norm.NFC.String(subject)
}

// isPDFName reports whether a part filename marks a PDF attachment. The
// match is a case-insensitive substring, not an extension check.
func isPDFName(filename string) bool {
	return filename != "" && strings.Contains(strings.ToLower(filename), "pdf")
}
