package decode

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testDecoder() *Decoder {
	return NewDecoder(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// crlf joins message lines with CRLF line endings.
func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestDecodePlainTextNoAttachments(t *testing.T) {
	raw := crlf(
		"From: Acme Billing <invoices@billing.acme.com>",
		"To: ap@example.com",
		"Subject: Invoice 7",
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"utf-8\"",
		"",
		"Please find the invoice attached.",
		"",
	)

	msg, err := testDecoder().Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "Acme Billing <invoices@billing.acme.com>", msg.Address)
	require.Equal(t, "Invoice 7", msg.Subject)
	require.Contains(t, msg.Text, "Please find the invoice attached.")
	require.Empty(t, msg.PDFs)
}

func TestDecodeSubjectFragments(t *testing.T) {
	raw := crlf(
		"From: a@b.c",
		"Subject: =?iso-8859-1?Q?Rechnu?= =?us-ascii?Q?ng_=2342?=",
		"Content-Type: text/plain",
		"",
		"body",
		"",
	)

	msg, err := testDecoder().Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "Rechnung #42", msg.Subject)
}

func TestDecodeSubjectLatin1Umlaut(t *testing.T) {
	raw := crlf(
		"From: a@b.c",
		"Subject: =?iso-8859-1?Q?Gesch=E4ftsbericht?=",
		"Content-Type: text/plain",
		"",
		"body",
		"",
	)

	msg, err := testDecoder().Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "Geschäftsbericht", msg.Subject)
}

func TestDecodeHTMLBodyAndTwoPDFs(t *testing.T) {
	// base64 of "%PDF-1.4 one" / "%PDF-1.4 two"
	raw := crlf(
		"From: Acme Billing <invoices@billing.acme.com>",
		"Subject: Invoices",
		"MIME-Version: 1.0",
		"Content-Type: multipart/mixed; boundary=\"frontier\"",
		"",
		"--frontier",
		"Content-Type: text/html; charset=\"utf-8\"",
		"",
		"<html><body><p>Two invoices <b>attached</b>.</p></body></html>",
		"--frontier",
		"Content-Type: application/pdf; name=\"invoice-1.pdf\"",
		"Content-Disposition: attachment; filename=\"invoice-1.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		"JVBERi0xLjQgb25l",
		"--frontier",
		"Content-Type: application/pdf; name=\"invoice-2.pdf\"",
		"Content-Disposition: attachment; filename=\"invoice-2.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		"JVBERi0xLjQgdHdv",
		"--frontier--",
		"",
	)

	msg, err := testDecoder().Decode(raw)
	require.NoError(t, err)

	require.Len(t, msg.PDFs, 2)
	require.Equal(t, []byte("%PDF-1.4 one"), msg.PDFs[0])
	require.Equal(t, []byte("%PDF-1.4 two"), msg.PDFs[1])

	require.Equal(t, "Two invoices attached.", msg.Text)
	require.NotContains(t, msg.Text, "<")
}

func TestDecodeAttachmentMatchIsSubstring(t *testing.T) {
	// The filename match is a permissive substring: "pdfinvoice.txt" counts.
	raw := crlf(
		"From: a@b.c",
		"Subject: s",
		"MIME-Version: 1.0",
		"Content-Type: multipart/mixed; boundary=\"frontier\"",
		"",
		"--frontier",
		"Content-Type: text/plain",
		"",
		"body",
		"--frontier",
		"Content-Type: text/plain; name=\"PDFinvoice.txt\"",
		"Content-Disposition: attachment; filename=\"PDFinvoice.txt\"",
		"",
		"not really a pdf",
		"--frontier",
		"Content-Type: application/octet-stream; name=\"notes.txt\"",
		"Content-Disposition: attachment; filename=\"notes.txt\"",
		"",
		"ignored",
		"--frontier--",
		"",
	)

	msg, err := testDecoder().Decode(raw)
	require.NoError(t, err)
	require.Len(t, msg.PDFs, 1)
	require.Equal(t, []byte("not really a pdf"), msg.PDFs[0])
}

func TestDecodeMultipleTextPartsConcatenated(t *testing.T) {
	raw := crlf(
		"From: a@b.c",
		"Subject: s",
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=\"frontier\"",
		"",
		"--frontier",
		"Content-Type: text/plain; charset=\"utf-8\"",
		"",
		"plain half ",
		"--frontier",
		"Content-Type: text/html; charset=\"utf-8\"",
		"",
		"<p>html half</p>",
		"--frontier--",
		"",
	)

	msg, err := testDecoder().Decode(raw)
	require.NoError(t, err)
	require.Contains(t, msg.Text, "plain half")
	require.Contains(t, msg.Text, "html half")
	require.NotContains(t, msg.Text, "<p>")
}

func TestDecodeHeuristicEncodingFallback(t *testing.T) {
	// Undeclared 8-bit body: 0xE4 is ä in windows-1252/latin-1, which the
	// sniffer falls back to.
	lines := crlf(
		"From: a@b.c",
		"Subject: s",
		"Content-Type: text/plain",
		"",
		"Gesch\xe4ftsbericht",
		"",
	)

	msg, err := testDecoder().Decode(lines)
	require.NoError(t, err)
	require.Contains(t, msg.Text, "Geschäftsbericht")
}

func TestDecodeGarbageIsHardError(t *testing.T) {
	_, err := testDecoder().Decode([]byte("not an rfc5322 message at all\x00"))
	require.Error(t, err)
}

func TestDecodeHeadersLightPath(t *testing.T) {
	raw := crlf(
		"From: Acme Billing <invoices@billing.acme.com>",
		"Subject: =?iso-8859-1?Q?Rechnu?= =?us-ascii?Q?ng_=2342?=",
		"MIME-Version: 1.0",
		"Content-Type: multipart/mixed; boundary=\"frontier\"",
		"",
		"--frontier",
		"Content-Type: text/plain",
		"",
		"body is not read on this path",
		"--frontier--",
		"",
	)

	address, subject, err := testDecoder().DecodeHeaders(raw)
	require.NoError(t, err)
	require.Equal(t, "Acme Billing <invoices@billing.acme.com>", address)
	require.Equal(t, "Rechnung #42", subject)
}

func TestIsPDFName(t *testing.T) {
	require.True(t, isPDFName("invoice.pdf"))
	require.True(t, isPDFName("INVOICE.PDF"))
	require.True(t, isPDFName("pdfinvoice.txt"))
	require.False(t, isPDFName("invoice.txt"))
	require.False(t, isPDFName(""))
}
