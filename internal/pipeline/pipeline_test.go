package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/require"

	"github.com/openbilling/mailsync/internal/decode"
)

type fakeLister struct {
	uids []imap.UID
	err  error
}

func (f *fakeLister) ListNew() ([]imap.UID, error) { return f.uids, f.err }

type fakeFetcher struct {
	bodies map[imap.UID][]byte
	errs   map[imap.UID]error
	order  []imap.UID
}

func (f *fakeFetcher) FetchRaw(uid imap.UID) ([]byte, error) {
	f.order = append(f.order, uid)
	if err := f.errs[uid]; err != nil {
		return nil, err
	}
	return f.bodies[uid], nil
}

type fakeDecoder struct {
	msgs map[string]*decode.Message
	errs map[string]error
}

func (f *fakeDecoder) Decode(raw []byte) (*decode.Message, error) {
	if err := f.errs[string(raw)]; err != nil {
		return nil, err
	}
	if msg, ok := f.msgs[string(raw)]; ok {
		return msg, nil
	}
	return nil, fmt.Errorf("unexpected raw %q", raw)
}

func testPipeline(lister Lister, fetcher Fetcher, decoder Decoder) *Pipeline {
	return New(lister, fetcher, decoder, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSyncNoNewMessages(t *testing.T) {
	p := testPipeline(&fakeLister{}, &fakeFetcher{}, &fakeDecoder{})

	report, err := p.Sync(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Records)
	require.Empty(t, report.Failures)
}

func TestSyncListingFailure(t *testing.T) {
	p := testPipeline(&fakeLister{err: errors.New("search broke")}, &fakeFetcher{}, &fakeDecoder{})

	_, err := p.Sync(context.Background())
	require.ErrorContains(t, err, "listing")
}

func TestSyncOneRecordPerAttachment(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[imap.UID][]byte{7: []byte("msg7")}}
	decoder := &fakeDecoder{msgs: map[string]*decode.Message{
		"msg7": {
			Address: "invoices@billing.acme.com",
			Subject: "Invoices",
			Text:    "two attached",
			PDFs:    [][]byte{[]byte("pdf-a"), []byte("pdf-b")},
		},
	}}
	p := testPipeline(&fakeLister{uids: []imap.UID{7}}, fetcher, decoder)

	report, err := p.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Records, 2)

	require.Equal(t, []byte("pdf-a"), report.Records[0].Attachment)
	require.Equal(t, []byte("pdf-b"), report.Records[1].Attachment)
	require.Equal(t, 0, report.Records[0].Index)
	require.Equal(t, 1, report.Records[1].Index)

	for _, rec := range report.Records {
		require.Equal(t, imap.UID(7), rec.UID)
		require.Equal(t, "billing", rec.Business)
		require.Equal(t, "Invoices", rec.Subject)
		require.Equal(t, "two attached", rec.Text)
		require.Equal(t, []byte("msg7"), rec.Raw)
	}
}

func TestSyncNoAttachmentsSingleRecord(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[imap.UID][]byte{3: []byte("msg3")}}
	decoder := &fakeDecoder{msgs: map[string]*decode.Message{
		"msg3": {Address: "a@b.example", Subject: "hi", Text: "no attachment"},
	}}
	p := testPipeline(&fakeLister{uids: []imap.UID{3}}, fetcher, decoder)

	report, err := p.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Records, 1)
	require.Nil(t, report.Records[0].Attachment)
	require.Equal(t, "b", report.Records[0].Business)
}

func TestSyncDecodeFailureDoesNotHaltBatch(t *testing.T) {
	uids := []imap.UID{1, 2, 3, 4, 5}
	fetcher := &fakeFetcher{bodies: map[imap.UID][]byte{}}
	decoder := &fakeDecoder{msgs: map[string]*decode.Message{}, errs: map[string]error{}}
	for _, uid := range uids {
		raw := fmt.Sprintf("msg%d", uid)
		fetcher.bodies[uid] = []byte(raw)
		if uid == 3 {
			decoder.errs[raw] = errors.New("mangled mime")
			continue
		}
		decoder.msgs[raw] = &decode.Message{Address: "a@b.example", Subject: "s", Text: "t"}
	}
	p := testPipeline(&fakeLister{uids: uids}, fetcher, decoder)

	report, err := p.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Records, 4)
	require.Len(t, report.Failures, 1)
	require.Equal(t, imap.UID(3), report.Failures[0].UID)
	require.Equal(t, StageDecode, report.Failures[0].Stage)
}

func TestSyncFetchFailureRecorded(t *testing.T) {
	fetcher := &fakeFetcher{
		bodies: map[imap.UID][]byte{2: []byte("msg2")},
		errs:   map[imap.UID]error{1: errors.New("timeout")},
	}
	decoder := &fakeDecoder{msgs: map[string]*decode.Message{
		"msg2": {Address: "a@b.example", Subject: "s", Text: "t"},
	}}
	p := testPipeline(&fakeLister{uids: []imap.UID{1, 2}}, fetcher, decoder)

	report, err := p.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Records, 1)
	require.Len(t, report.Failures, 1)
	require.Equal(t, StageFetch, report.Failures[0].Stage)
}

func TestSyncAscendingUIDOrder(t *testing.T) {
	uids := []imap.UID{10, 11, 12}
	fetcher := &fakeFetcher{bodies: map[imap.UID][]byte{}}
	decoder := &fakeDecoder{msgs: map[string]*decode.Message{}}
	for _, uid := range uids {
		raw := fmt.Sprintf("msg%d", uid)
		fetcher.bodies[uid] = []byte(raw)
		decoder.msgs[raw] = &decode.Message{Address: "a@b.example"}
	}
	p := testPipeline(&fakeLister{uids: uids}, fetcher, decoder)

	report, err := p.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, uids, fetcher.order)
	for i, rec := range report.Records {
		require.Equal(t, uids[i], rec.UID)
	}
}

func TestSyncStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := &fakeFetcher{bodies: map[imap.UID][]byte{1: []byte("msg1")}}
	p := testPipeline(&fakeLister{uids: []imap.UID{1}}, fetcher, &fakeDecoder{})

	report, err := p.Sync(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, report.Records)
	require.Empty(t, fetcher.order)
}
