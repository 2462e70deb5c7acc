package pipelines

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelationNames(t *testing.T) {
	schema := RelationSchema{
		{Relation: "works_for", SubjectLabels: []string{"person"}, ObjectLabels: []string{"organization"}},
		{Relation: "founded", SubjectLabels: []string{"person"}, ObjectLabels: []string{"organization"}},
		{Relation: "works_for", SubjectLabels: []string{"organization"}, ObjectLabels: []string{"organization"}},
	}
	assert.Equal(t, []string{"works_for", "founded"}, relationNames(schema))
}

func TestDecodeRelations(t *testing.T) {
	james := Entity{Text: "James Bond", Label: "person", Start: 0, End: 10, Score: 0.9}
	mi6 := Entity{Text: "MI6", Label: "organization", Start: 20, End: 23, Score: 0.8}
	entities := []Entity{james, mi6}

	worksFor := RelationSchema{
		{Relation: "works_for", SubjectLabels: []string{"person"}, ObjectLabels: []string{"organization"}},
	}

	t.Run("DirectionGating", func(t *testing.T) {
		// pair 0 is james->mi6, pair 1 is mi6->james
		relLogits := [][]float32{{2}, {5}}

		relations, err := decodeRelations(relLogits, entities, worksFor, 0.5)
		assert.NoError(t, err)
		assert.Len(t, relations, 1)
		assert.Equal(t, "works_for", relations[0].Relation)
		assert.Equal(t, james, relations[0].Subject)
		assert.Equal(t, mi6, relations[0].Object)
		assert.InDelta(t, 0.881, relations[0].Score, 0.001)
	})

	t.Run("WildcardLabels", func(t *testing.T) {
		schema := RelationSchema{{Relation: "related_to"}}
		relLogits := [][]float32{{2}, {2}}

		relations, err := decodeRelations(relLogits, entities, schema, 0.5)
		assert.NoError(t, err)
		assert.Len(t, relations, 2)
	})

	t.Run("ThresholdFilters", func(t *testing.T) {
		relLogits := [][]float32{{-2}, {-2}}

		relations, err := decodeRelations(relLogits, entities, worksFor, 0.5)
		assert.NoError(t, err)
		assert.Empty(t, relations)
	})

	t.Run("DuplicateSchemaEntriesScoreOnce", func(t *testing.T) {
		schema := RelationSchema{
			{Relation: "works_for", SubjectLabels: []string{"person"}, ObjectLabels: []string{"organization"}},
			{Relation: "works_for", ObjectLabels: []string{"organization"}},
		}
		relLogits := [][]float32{{2}, {2}}

		relations, err := decodeRelations(relLogits, entities, schema, 0.5)
		assert.NoError(t, err)
		// james->mi6 matches both entries but is reported once,
		// mi6->mi6 does not exist and mi6->james fails the object constraint
		assert.Len(t, relations, 1)
	})

	t.Run("OrderedByScore", func(t *testing.T) {
		m := Entity{Text: "M", Label: "person", Start: 30, End: 31, Score: 0.7}
		three := []Entity{james, mi6, m}
		schema := RelationSchema{
			{Relation: "works_for", SubjectLabels: []string{"person"}, ObjectLabels: []string{"organization"}},
		}
		// pairs: 0 james->mi6, 1 james->m, 2 mi6->james, 3 mi6->m, 4 m->james, 5 m->mi6
		relLogits := [][]float32{{1}, {0}, {0}, {0}, {0}, {3}}

		relations, err := decodeRelations(relLogits, three, schema, 0.5)
		assert.NoError(t, err)
		assert.Len(t, relations, 2)
		assert.Equal(t, "M", relations[0].Subject.Text)
		assert.Equal(t, "James Bond", relations[1].Subject.Text)
	})

	t.Run("NoEntities", func(t *testing.T) {
		relations, err := decodeRelations(nil, nil, worksFor, 0.5)
		assert.NoError(t, err)
		assert.Empty(t, relations)
	})

	t.Run("MissingPairScores", func(t *testing.T) {
		schema := RelationSchema{{Relation: "related_to"}}
		// two entities produce two ordered pairs but only one is scored
		relLogits := [][]float32{{2}}

		_, err := decodeRelations(relLogits, entities, schema, 0.5)
		var decodeErr *DecodeError
		assert.True(t, errors.As(err, &decodeErr))
	})

	t.Run("MissingRelationScores", func(t *testing.T) {
		schema := RelationSchema{{Relation: "a"}, {Relation: "b"}}
		relLogits := [][]float32{{2}, {2}}

		_, err := decodeRelations(relLogits, entities, schema, 0.5)
		var decodeErr *DecodeError
		assert.True(t, errors.As(err, &decodeErr))
	})
}
