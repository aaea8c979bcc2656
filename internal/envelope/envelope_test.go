package envelope

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeAllCompressions(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionGzip, CompressionSnappy, CompressionLz4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			env := New("svc.orders", map[string]string{HeaderType: "ADD", HeaderRoute: "svc.orders"}, []byte("payload"))
			env.From = "node-a"
			env.CorrelationID = "cid-1"

			frame, err := Encode(env, c)
			require.NoError(t, err)
			require.Equal(t, byte(c), frame[0])

			got, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, env.ID, got.ID)
			assert.Equal(t, "svc.orders", got.To)
			assert.Equal(t, "node-a", got.From)
			assert.Equal(t, "ADD", got.Type())
			assert.Equal(t, "cid-1", got.CorrelationID)
			body, ok := got.BodyBytes()
			require.True(t, ok)
			assert.Equal(t, []byte("payload"), body)
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	env := &Envelope{ID: "x", Headers: map[string]string{"b": "2", "a": "1", "c": "3"}}
	first, err := Encode(env, CompressionNone)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Encode(env, CompressionNone)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(first, again))
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = Decode([]byte{9, 1, 2})
	assert.ErrorIs(t, err, ErrUnknownCompression)

	_, err = Decode([]byte{0, 0xff, 0xff})
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"none", "gzip", "snappy", "lz4", "zstd"} {
		c, err := ParseCompression(name)
		require.NoError(t, err)
		assert.Equal(t, name, c.String())
	}
	_, err := ParseCompression("brotli")
	assert.True(t, errors.Is(err, ErrUnknownCompression))
}

func TestBodyHelpers(t *testing.T) {
	env := New("", nil, []string{"a", "b"})
	frame, err := Encode(env, CompressionNone)
	require.NoError(t, err)
	got, err := Decode(frame)
	require.NoError(t, err)

	list, err := got.BodyStrings()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, list)

	env = New("", nil, map[string]string{"svc.one": "WORKER"})
	frame, err = Encode(env, CompressionNone)
	require.NoError(t, err)
	got, err = Decode(frame)
	require.NoError(t, err)

	m, err := got.BodyStringMap()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"svc.one": "WORKER"}, m)

	_, err = New("", nil, 42).BodyStrings()
	assert.Error(t, err)
}

func TestEncodeBody(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		dataType string
		want     any
	}{
		{"bytes", []byte{1, 2}, DataBytes, []byte{1, 2}},
		{"text", "hello", DataText, "hello"},
		{"map", map[string]any{"k": "v"}, DataMap, map[string]any{"k": "v"}},
		{"list", []any{"x", "y"}, DataList, []any{"x", "y"}},
		{"number", 42, DataText, "42"},
		{"bool", true, DataText, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataType, data, err := EncodeBody(tt.body)
			require.NoError(t, err)
			assert.Equal(t, tt.dataType, dataType)

			got, err := DecodeBody(dataType, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCloneCopiesHeaders(t *testing.T) {
	env := New("a", map[string]string{"k": "v"}, nil)
	c := env.Clone()
	c.SetHeader("k", "changed")
	assert.Equal(t, "v", env.Header("k"))
}

func TestSplitAndAssemble(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 25)
	segments := Split(payload, 64)
	require.Len(t, segments, 4)
	for _, s := range segments {
		assert.Empty(t, s.To)
		assert.Equal(t, "4", s.Header(HeaderSegmentTotal))
	}

	a := NewAssembler(time.Minute)
	// Out of order, with a duplicate.
	order := []int{2, 0, 0, 3}
	for _, i := range order {
		out, done, err := a.Add(segments[i])
		require.NoError(t, err)
		assert.False(t, done)
		assert.Nil(t, out)
	}
	out, done, err := a.Add(segments[1])
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, payload, out)
	assert.Equal(t, 0, a.Pending())
}

func TestSplitSmallPayload(t *testing.T) {
	segments := Split([]byte("tiny"), 1024)
	require.Len(t, segments, 1)

	out, done, err := NewAssembler(time.Minute).Add(segments[0])
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []byte("tiny"), out)
}

func TestAssemblerExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	a := NewAssembler(time.Minute)
	a.now = func() time.Time { return now }

	segments := Split([]byte("abcdef"), 2)
	_, done, err := a.Add(segments[0])
	require.NoError(t, err)
	require.False(t, done)
	assert.Equal(t, 1, a.Pending())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, a.Expire())
	assert.Equal(t, 0, a.Pending())
}

func TestAssemblerRejectsBadSegments(t *testing.T) {
	a := NewAssembler(time.Minute)

	_, _, err := a.Add(New("", nil, []byte("x")))
	assert.ErrorIs(t, err, ErrInvalidSegment)

	seg := Split([]byte("abc"), 1)[0]
	seg.SetHeader(HeaderSegmentCount, "7")
	_, _, err = a.Add(seg)
	assert.ErrorIs(t, err, ErrInvalidSegment)
}
