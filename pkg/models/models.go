package models

// Chunk is one unit of extracted document text. Its ordinal is its position in
// the corpus and doubles as its identifier.
type Chunk struct {
	Ordinal int    `json:"ordinal"`
	Content string `json:"content"`
}

// SearchResult is a retrieved chunk with its similarity score in (0, 1].
type SearchResult struct {
	Ordinal int     `json:"ordinal"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

type QueryAnswer struct {
	Answer         string         `json:"answer"`
	Confidence     float64        `json:"confidence"`
	RelevantChunks []SearchResult `json:"relevant_chunks"`
}
