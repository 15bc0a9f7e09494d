package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/types"
)

type putCall struct {
	bucket string
	key    string
	body   []byte
	meta   map[string]string
}

type mockS3 struct {
	calls []putCall
	err   error
}

func (m *mockS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(params.Body)
	m.calls = append(m.calls, putCall{
		bucket: *params.Bucket,
		key:    *params.Key,
		body:   body,
		meta:   params.Metadata,
	})
	if m.err != nil {
		return nil, m.err
	}
	return &s3.PutObjectOutput{}, nil
}

type countingSink struct {
	calls int
	items int
	err   error
}

func (c *countingSink) Store(_ context.Context, _ types.SyncKey, items []types.RemoteItem) (int, error) {
	c.calls++
	if c.err != nil {
		return 0, c.err
	}
	c.items += len(items)
	return len(items), nil
}

var testKey = types.SyncKey{AccountID: "acc_1", Category: types.CategoryOrders}

func testItems() []types.RemoteItem {
	return []types.RemoteItem{
		{ExternalID: "o-1", Payload: json.RawMessage(`{"total":10}`)},
		{ExternalID: "o-2", Payload: json.RawMessage(`{"total":20}`)},
	}
}

func decompress(t *testing.T, body []byte) []byte {
	t.Helper()
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	out, err := dec.DecodeAll(body, nil)
	require.NoError(t, err)
	return out
}

func TestArchiveSink_WritesCompressedNDJSONThenStores(t *testing.T) {
	s3c := &mockS3{}
	next := &countingSink{}
	sink := NewArchiveSink(next, s3c, "archive-bucket", "", nil)

	n, err := sink.Store(context.Background(), testKey, testItems())
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, 1, next.calls)
	require.Len(t, s3c.calls, 1)

	call := s3c.calls[0]
	assert.Equal(t, "archive-bucket", call.bucket)
	assert.True(t, strings.HasPrefix(call.key, "raw/acc_1/orders/"), call.key)
	assert.True(t, strings.HasSuffix(call.key, ".ndjson.zst"), call.key)
	assert.Equal(t, "2", call.meta["item-count"])

	var ids []string
	scanner := bufio.NewScanner(bytes.NewReader(decompress(t, call.body)))
	for scanner.Scan() {
		var item types.RemoteItem
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &item))
		ids = append(ids, item.ExternalID)
	}
	assert.Equal(t, []string{"o-1", "o-2"}, ids)
}

func TestArchiveSink_RedeliveryReusesObjectKey(t *testing.T) {
	s3c := &mockS3{}
	sink := NewArchiveSink(&countingSink{}, s3c, "b", "pages", nil)

	_, err := sink.Store(context.Background(), testKey, testItems())
	require.NoError(t, err)
	_, err = sink.Store(context.Background(), testKey, testItems())
	require.NoError(t, err)

	other := testItems()
	other[1].ExternalID = "o-3"
	_, err = sink.Store(context.Background(), testKey, other)
	require.NoError(t, err)

	require.Len(t, s3c.calls, 3)
	assert.Equal(t, s3c.calls[0].key, s3c.calls[1].key)
	assert.NotEqual(t, s3c.calls[0].key, s3c.calls[2].key)
	assert.True(t, strings.HasPrefix(s3c.calls[0].key, "pages/"))
}

func TestArchiveSink_ArchiveFailureSkipsInnerSink(t *testing.T) {
	s3c := &mockS3{err: errors.New("slow down")}
	next := &countingSink{}
	sink := NewArchiveSink(next, s3c, "b", "", nil)

	_, err := sink.Store(context.Background(), testKey, testItems())

	assert.Equal(t, types.ErrCodeInternalSinkFailed, types.CodeOf(err))
	assert.Zero(t, next.calls)
}

func TestArchiveSink_InnerErrorPropagates(t *testing.T) {
	innerErr := types.NewAppError(types.ErrCodeInternalSinkFailed, "upsert failed", nil)
	sink := NewArchiveSink(&countingSink{err: innerErr}, &mockS3{}, "b", "", nil)

	_, err := sink.Store(context.Background(), testKey, testItems())
	assert.ErrorIs(t, err, innerErr)
}

func TestArchiveSink_EmptyPageSkipsArchive(t *testing.T) {
	s3c := &mockS3{}
	next := &countingSink{}
	sink := NewArchiveSink(next, s3c, "b", "", nil)

	n, err := sink.Store(context.Background(), testKey, nil)
	require.NoError(t, err)

	assert.Zero(t, n)
	assert.Empty(t, s3c.calls)
	assert.Equal(t, 1, next.calls)
}
