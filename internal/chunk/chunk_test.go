package chunk

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/catalog-cache/internal/cacheerr"
)

func TestSplitProducesCeilChunks(t *testing.T) {
	s := New(10)
	data := bytes.Repeat([]byte("a"), 95)
	require.True(t, s.ShouldChunk(data))

	chunks := s.Split("movies", data)
	require.Len(t, chunks, 10)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, 10, c.Total)
		assert.Equal(t, Key("movies", i), c.Key)
	}
	assert.Len(t, chunks[9].Data, 5)
}

func TestSplitSmallPayloadIsSingleChunk(t *testing.T) {
	s := New(0)
	assert.Equal(t, DefaultSize, s.Size)
	chunks := s.Split("movies", []byte(`{"items":[1,2,3]}`))
	require.Len(t, chunks, 1)
	assert.Equal(t, 1, chunks[0].Total)
	assert.False(t, s.ShouldChunk(chunks[0].Data))
}

func TestMergeRestoresOriginalRegardlessOfOrder(t *testing.T) {
	s := New(7)
	data := []byte(`{"items":["alpha","beta","gamma","delta"]}`)
	chunks := s.Split("series", data)

	reversed := make([]Chunk, len(chunks))
	for i, c := range chunks {
		reversed[len(chunks)-1-i] = c
	}
	merged, err := Merge("series", reversed)
	require.NoError(t, err)
	assert.Equal(t, data, merged)
}

func TestMergeMissingChunkIsCorrupted(t *testing.T) {
	s := New(4)
	chunks := s.Split("series", []byte("0123456789ab"))
	require.Len(t, chunks, 3)

	_, err := Merge("series", []Chunk{chunks[0], chunks[2]})
	assert.ErrorIs(t, err, cacheerr.ErrCorruptedData)

	dup := []Chunk{chunks[0], chunks[0], chunks[2]}
	_, err = Merge("series", dup)
	assert.ErrorIs(t, err, cacheerr.ErrCorruptedData)

	_, err = Merge("series", nil)
	assert.ErrorIs(t, err, cacheerr.ErrCorruptedData)
}

func TestMergeMismatchedTotals(t *testing.T) {
	chunks := []Chunk{
		{Index: 0, Total: 2, Data: []byte("a")},
		{Index: 1, Total: 3, Data: []byte("b")},
	}
	_, err := Merge("x", chunks)
	assert.ErrorIs(t, err, cacheerr.ErrCorruptedData)
}

func TestParseKey(t *testing.T) {
	section, index, ok := ParseKey("live:tv:chunk:12")
	require.True(t, ok)
	assert.Equal(t, "live:tv", section)
	assert.Equal(t, 12, index)

	_, _, ok = ParseKey("movies")
	assert.False(t, ok)
	_, _, ok = ParseKey("movies:chunk:x")
	assert.False(t, ok)
	_, _, ok = ParseKey(":chunk:1")
	assert.False(t, ok)
}

func TestCheckName(t *testing.T) {
	for _, name := range []string{"movies", "产品目录", strings.Repeat("n", MaxNameLength)} {
		assert.NoError(t, CheckName(name), name)
	}
	for _, name := range []string{"", "a\tb", "movies" + Separator + "1", strings.Repeat("n", MaxNameLength+1), "\xff"} {
		assert.Error(t, CheckName(name), "%q", name)
	}
}
