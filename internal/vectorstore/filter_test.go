package vectorstore

import (
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqCondition(t *testing.T) {
	f := Must(Eq("source_type", "confluence"))
	require.NotNil(t, f)
	require.Len(t, f.Must, 1)

	field := f.Must[0].GetField()
	require.NotNil(t, field)
	assert.Equal(t, "source_type", field.Key)
	assert.Equal(t, "confluence", field.Match.GetKeyword())
}

func TestInCondition(t *testing.T) {
	cond := In("project_id", "p1", "p2")
	field := cond.GetField()
	require.NotNil(t, field)
	assert.Equal(t, []string{"p1", "p2"}, field.Match.GetKeywords().Strings)
}

func TestNestedCondition(t *testing.T) {
	cond := Nested("attachment", Eq("mime_type", "application/pdf"))
	nested := cond.GetNested()
	require.NotNil(t, nested)
	assert.Equal(t, "attachment", nested.Key)
	require.Len(t, nested.Filter.Must, 1)
	assert.Equal(t, "mime_type", nested.Filter.Must[0].GetField().Key)
}

func TestMustDropsNilAndEmpty(t *testing.T) {
	assert.Nil(t, Must())
	assert.Nil(t, Must(nil))
	f := Must(nil, Eq("a", "b"))
	require.NotNil(t, f)
	assert.Len(t, f.Must, 1)
}

func TestAndMergesClauses(t *testing.T) {
	merged := And(
		Must(Eq("project_id", "p1")),
		MustNot(EqBool("is_attachment", true)),
		nil,
	)
	require.NotNil(t, merged)
	assert.Len(t, merged.Must, 1)
	assert.Len(t, merged.MustNot, 1)
	assert.True(t, merged.MustNot[0].GetField().Match.GetBoolean())

	assert.Nil(t, And(nil, nil))
}

func TestProjectFilter(t *testing.T) {
	assert.Nil(t, ProjectFilter(nil))

	one := ProjectFilter([]string{"p1"})
	require.NotNil(t, one)
	assert.Equal(t, "p1", one.Must[0].GetField().Match.GetKeyword())

	many := ProjectFilter([]string{"p1", "p2"})
	assert.Equal(t, []string{"p1", "p2"}, many.Must[0].GetField().Match.GetKeywords().Strings)
}

func TestPointIDDeterministic(t *testing.T) {
	a := PointID("chunk-1")
	b := PointID("chunk-1")
	c := PointID("chunk-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}

func TestPayloadRoundTrip(t *testing.T) {
	payload := toPayload("c1", map[string]any{
		"content":       "body text",
		"document_id":   "d1",
		"chunk_index":   3,
		"is_attachment": true,
	})
	assert.Equal(t, "c1", payload["chunk_id"].GetStringValue())
	assert.Equal(t, int64(3), payload["chunk_index"].GetIntegerValue())

	sp := fromScored(payload, 0.5)
	assert.Equal(t, "c1", sp.ChunkID)
	assert.Equal(t, "d1", sp.DocumentID)
	assert.Equal(t, "body text", sp.Content)
	assert.Equal(t, "3", sp.Payload["chunk_index"])
	assert.Equal(t, "true", sp.Payload["is_attachment"])
	assert.Equal(t, float32(0.5), sp.Score)
}

func TestParseDistance(t *testing.T) {
	assert.Equal(t, pb.Distance_Cosine, parseDistance(""))
	assert.Equal(t, pb.Distance_Cosine, parseDistance("cosine"))
	assert.Equal(t, pb.Distance_Dot, parseDistance("Dot"))
	assert.Equal(t, pb.Distance_Euclid, parseDistance("euclid"))
}
