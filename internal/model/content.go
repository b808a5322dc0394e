package model

import "time"

// FieldTimes records when individual fields were last edited on the side that produced
// the payload. Merges use it to pick scalar values; it is optional.
type FieldTimes map[string]time.Time

// Category groups learning content.
type Category struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	ParentID    *int64     `json:"parentId,omitempty"`
	FieldTimes  FieldTimes `json:"fieldTimes,omitempty"`
}

// Example is a usage sentence.
type Example struct {
	Text        string `json:"text"`
	Translation string `json:"translation,omitempty"`
}

// Vocabulary is a dictionary word.
type Vocabulary struct {
	Term        string     `json:"term"`
	Reading     string     `json:"reading,omitempty"`
	Meanings    []string   `json:"meanings,omitempty"`
	Examples    []Example  `json:"examples,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	Level       string     `json:"level,omitempty"` // JLPT N5..N1
	CategoryIDs []int64    `json:"categoryIds,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	FieldTimes  FieldTimes `json:"fieldTimes,omitempty"`
}

// Kanji is a single character entry.
type Kanji struct {
	Character   string     `json:"character"`
	OnYomi      []string   `json:"onYomi,omitempty"`
	KunYomi     []string   `json:"kunYomi,omitempty"`
	Meanings    []string   `json:"meanings,omitempty"`
	StrokeCount int        `json:"strokeCount,omitempty"`
	JLPTLevel   string     `json:"jlptLevel,omitempty"`
	Grade       int        `json:"grade,omitempty"`
	Radical     string     `json:"radical,omitempty"`
	Examples    []Example  `json:"examples,omitempty"`
	FieldTimes  FieldTimes `json:"fieldTimes,omitempty"`
}

// Grammar is a grammar point.
type Grammar struct {
	Pattern    string     `json:"pattern"`
	Meaning    string     `json:"meaning,omitempty"`
	Structure  string     `json:"structure,omitempty"`
	Level      string     `json:"level,omitempty"`
	Examples   []Example  `json:"examples,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	FieldTimes FieldTimes `json:"fieldTimes,omitempty"`
}

// WordListEntry references a vocabulary item inside a personal list.
type WordListEntry struct {
	VocabularyID int64     `json:"vocabularyId"`
	Note         string    `json:"note,omitempty"`
	AddedAt      time.Time `json:"addedAt"`
}

// PersonalWordList is a user-curated list of vocabulary.
type PersonalWordList struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Entries     []WordListEntry `json:"entries,omitempty"`
	FieldTimes  FieldTimes      `json:"fieldTimes,omitempty"`
}
