package pipelines

import (
	"fmt"
	"sort"
)

// RelationSchemaEntry constrains one relation type to the entity labels that
// may fill its subject and object slots. An empty label list acts as a
// wildcard for that slot.
type RelationSchemaEntry struct {
	Relation      string   `json:"relation"`
	SubjectLabels []string `json:"subjectLabels"`
	ObjectLabels  []string `json:"objectLabels"`
}

type RelationSchema []RelationSchemaEntry

// relationNames returns the unique relation names of a schema in first
// appearance order. That order defines the relation axis of the model's
// relation logits.
func relationNames(schema RelationSchema) []string {
	var names []string
	seen := make(map[string]bool)
	for _, entry := range schema {
		if !seen[entry.Relation] {
			seen[entry.Relation] = true
			names = append(names, entry.Relation)
		}
	}
	return names
}

func labelAllowed(label string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == label {
			return true
		}
	}
	return false
}

// decodeRelations scores the ordered entity pairs of one item against a
// relation schema. Pair p of the logits corresponds to the p-th (subject,
// object) pair produced by iterating subjects and objects in entity order,
// skipping the diagonal. Pairs matching no schema entry are never scored.
func decodeRelations(relLogits [][]float32, entities []Entity, schema RelationSchema, threshold float32) ([]Relation, error) {
	names := relationNames(schema)
	nameIdx := make(map[string]int, len(names))
	for i, name := range names {
		nameIdx[name] = i
	}

	type pairRelation struct {
		pair   int
		relIdx int
	}
	emitted := make(map[pairRelation]bool)

	var relations []Relation
	pairIdx := 0
	for i := range entities {
		for j := range entities {
			if i == j {
				continue
			}
			for _, entry := range schema {
				if !labelAllowed(entities[i].Label, entry.SubjectLabels) ||
					!labelAllowed(entities[j].Label, entry.ObjectLabels) {
					continue
				}
				relIdx := nameIdx[entry.Relation]
				key := pairRelation{pair: pairIdx, relIdx: relIdx}
				if emitted[key] {
					continue
				}
				emitted[key] = true

				if pairIdx >= len(relLogits) {
					return nil, &DecodeError{Reason: fmt.Sprintf("pair index %d exceeds %d scored pairs", pairIdx, len(relLogits))}
				}
				if relIdx >= len(relLogits[pairIdx]) {
					return nil, &DecodeError{Reason: fmt.Sprintf("relation index %d exceeds %d scored relations", relIdx, len(relLogits[pairIdx]))}
				}
				score := sigmoid(relLogits[pairIdx][relIdx])
				if score < threshold {
					continue
				}
				relations = append(relations, Relation{
					Relation: entry.Relation,
					Subject:  entities[i],
					Object:   entities[j],
					Score:    score,
				})
			}
			pairIdx++
		}
	}

	sort.SliceStable(relations, func(i, j int) bool {
		if relations[i].Score != relations[j].Score {
			return relations[i].Score > relations[j].Score
		}
		if relations[i].Subject.Start != relations[j].Subject.Start {
			return relations[i].Subject.Start < relations[j].Subject.Start
		}
		return relations[i].Object.Start < relations[j].Object.Start
	})
	return relations, nil
}
