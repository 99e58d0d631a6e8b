package cdc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dspflow/process"
)

type item struct {
	process.Base
}

func (i item) StateName() string { return strconv.Itoa(i.State) }
func (i item) IsTerminal() bool { return false }

func decodeItem(row Row) (item, error) {
	b, err := DecodeBase(row)
	if err != nil {
		return item{}, err
	}
	return item{Base: b}, nil
}

type change struct {
	before *item
	after  item
}

type recordingListener struct {
	mu      sync.Mutex
	changes []change
	err     error
}

func (l *recordingListener) OnChange(_ context.Context, before *item, after item) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change{before: before, after: after})
	return l.err
}

func rowJSON(id string, state int) string {
	return fmt.Sprintf(`[
		{"name":"id","type":"text","value":%q},
		{"name":"role","type":"text","value":"CONSUMER"},
		{"name":"state","type":"integer","value":%d},
		{"name":"state_count","type":"integer","value":1},
		{"name":"state_timestamp","type":"timestamp with time zone","value":"2024-05-01 09:00:00.123456+00"},
		{"name":"pending","type":"boolean","value":false},
		{"name":"counter_party_requested","type":"boolean","value":true},
		{"name":"error_detail","type":"text","value":null}
	]`, id, state)
}

func updateRecord(id string, from, to int) []byte {
	return []byte(fmt.Sprintf(`{"action":"U","schema":"public","table":"items","columns":%s,"identity":%s}`,
		rowJSON(id, to), rowJSON(id, from)))
}

func insertRecord(id string, state int) []byte {
	return []byte(fmt.Sprintf(`{"action":"I","schema":"public","table":"items","columns":%s}`, rowJSON(id, state)))
}

func mustDecode(t *testing.T, data []byte) Record {
	t.Helper()
	rec, err := DecodeRecord(data)
	require.NoError(t, err)
	return rec
}

func TestDecodeRecord(t *testing.T) {
	rec := mustDecode(t, updateRecord("p1", 100, 200))

	assert.Equal(t, ActionUpdate, rec.Action)
	assert.Equal(t, "public.items", rec.Relation())
	assert.True(t, rec.IsChange())

	state, err := rec.Columns.Int("state")
	require.NoError(t, err)
	assert.Equal(t, 200, state)

	old, err := rec.Identity.Int("state")
	require.NoError(t, err)
	assert.Equal(t, 100, old)
}

func TestDecodeRecord_Framing(t *testing.T) {
	for _, raw := range []string{`{"action":"B"}`, `{"action":"C"}`, `{"action":"M","transactional":false,"prefix":"x","content":"y"}`} {
		rec := mustDecode(t, []byte(raw))
		assert.False(t, rec.IsChange(), raw)
	}

	_, err := DecodeRecord([]byte(`{"schema":"public"}`))
	assert.Error(t, err)
	_, err = DecodeRecord([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeBase(t *testing.T) {
	rec := mustDecode(t, insertRecord("p1", 50))
	b, err := DecodeBase(rec.Columns)
	require.NoError(t, err)

	assert.Equal(t, "p1", b.ID)
	assert.Equal(t, process.Consumer, b.Role)
	assert.Equal(t, 50, b.State)
	assert.True(t, b.CounterPartyRequested)
	assert.Empty(t, b.ErrorDetail)
	assert.Equal(t, 123456000, b.StateTimestamp.Nanosecond())
}

func TestRowJSON_QuotedAndInline(t *testing.T) {
	row := Row{
		"quoted": []byte(`"{\"type\":\"HttpData\"}"`),
		"inline": []byte(`{"type":"S3"}`),
		"null":   []byte(`null`),
	}

	var a, b, c struct{ Type string }
	ok, err := row.JSON("quoted", &a)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "HttpData", a.Type)

	ok, err = row.JSON("inline", &b)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "S3", b.Type)

	ok, err = row.JSON("null", &c)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRowBool_TextForms(t *testing.T) {
	row := Row{"a": []byte(`"t"`), "b": []byte(`false`), "c": []byte(`"maybe"`)}

	v, err := row.Bool("a")
	require.NoError(t, err)
	assert.True(t, v)
	v, err = row.Bool("b")
	require.NoError(t, err)
	assert.False(t, v)
	_, err = row.Bool("c")
	assert.Error(t, err)
}

func TestEntityConsumer_SameStateIsIgnored(t *testing.T) {
	l := &recordingListener{}
	c := NewEntityConsumer[item](decodeItem, nil, l)

	require.NoError(t, c.Consume(context.Background(), mustDecode(t, updateRecord("p1", 200, 200))))
	assert.Empty(t, l.changes)
}

func TestEntityConsumer_StateChange(t *testing.T) {
	l := &recordingListener{}
	c := NewEntityConsumer[item](decodeItem, nil, l)

	require.NoError(t, c.Consume(context.Background(), mustDecode(t, updateRecord("p1", 100, 200))))
	require.Len(t, l.changes, 1)
	require.NotNil(t, l.changes[0].before)
	assert.Equal(t, 100, l.changes[0].before.State)
	assert.Equal(t, 200, l.changes[0].after.State)
}

func TestEntityConsumer_InsertHasNoBefore(t *testing.T) {
	l := &recordingListener{}
	c := NewEntityConsumer[item](decodeItem, nil, l)

	require.NoError(t, c.Consume(context.Background(), mustDecode(t, insertRecord("p1", 50))))
	require.Len(t, l.changes, 1)
	assert.Nil(t, l.changes[0].before)
}

func TestEntityConsumer_DeleteAndTruncateIgnored(t *testing.T) {
	l := &recordingListener{}
	c := NewEntityConsumer[item](decodeItem, nil, l)

	del := mustDecode(t, []byte(fmt.Sprintf(`{"action":"D","schema":"public","table":"items","identity":%s}`, rowJSON("p1", 200))))
	trunc := mustDecode(t, []byte(`{"action":"T","schema":"public","table":"items"}`))

	require.NoError(t, c.Consume(context.Background(), del))
	require.NoError(t, c.Consume(context.Background(), trunc))
	assert.Empty(t, l.changes)
}

func TestEntityConsumer_AllListenersRunAndErrorsJoin(t *testing.T) {
	failing := &recordingListener{err: errors.New("bus down")}
	ok := &recordingListener{}
	c := NewEntityConsumer[item](decodeItem, nil, failing)
	c.Listen(ok)

	err := c.Consume(context.Background(), mustDecode(t, insertRecord("p1", 50)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus down")
	assert.Len(t, ok.changes, 1)
}

func TestRouter(t *testing.T) {
	var got []string
	r := NewRouter().
		Route("public.items", ConsumerFunc(func(_ context.Context, rec Record) error {
			got = append(got, rec.Table)
			return nil
		})).
		Route("public.aardvarks", ConsumerFunc(func(context.Context, Record) error { return nil }))

	require.NoError(t, r.Handle(context.Background(), mustDecode(t, insertRecord("p1", 50))))
	require.NoError(t, r.Handle(context.Background(), Record{Action: ActionInsert, Schema: "public", Table: "other"}))

	assert.Equal(t, []string{"items"}, got)
	assert.Equal(t, []string{"public.aardvarks", "public.items"}, r.Relations())
}
