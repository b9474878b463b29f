package knowledge

import "strings"

// ProjectionVersion identifies the output of [TextForEmbedding]. Bump it
// whenever the projection changes so persisted indexes built from the old
// text are rebuilt.
const ProjectionVersion = "v1"

// rerankConceptLimit caps how many key concepts [RerankText] includes.
const rerankConceptLimit = 5

// TextForEmbedding projects a point onto the text that is embedded: topic,
// description, key concepts and applications in that order, space separated.
// Output must stay byte-stable for a given [ProjectionVersion].
func TextForEmbedding(kp KnowledgePoint) string {
	return strings.Join([]string{
		kp.Topic,
		kp.Description,
		strings.Join(kp.KeyConcepts, " "),
		strings.Join(kp.CommonApplications, " "),
	}, " ")
}

// RerankText renders a point for the second-stage scorer as labelled fields
// joined by " | ". Empty fields are omitted.
func RerankText(kp KnowledgePoint) string {
	var parts []string
	if kp.Topic != "" {
		parts = append(parts, "Topic: "+kp.Topic)
	}
	if kp.Description != "" {
		parts = append(parts, "Description: "+kp.Description)
	}
	if len(kp.KeyConcepts) > 0 {
		concepts := kp.KeyConcepts
		if len(concepts) > rerankConceptLimit {
			concepts = concepts[:rerankConceptLimit]
		}
		parts = append(parts, "Key Concepts: "+strings.Join(concepts, ", "))
	}
	if kp.Category != "" {
		cat := kp.Category
		if kp.Subcategory != "" {
			cat += " - " + kp.Subcategory
		}
		parts = append(parts, "Category: "+cat)
	}
	return strings.Join(parts, " | ")
}
