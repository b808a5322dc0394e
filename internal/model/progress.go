package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Outcome of a single review.
type Outcome string

const (
	OutcomeCorrect   Outcome = "correct"
	OutcomeIncorrect Outcome = "incorrect"
)

// Skill is the dimension a review exercised.
type Skill string

const (
	SkillRecognition Skill = "recognition"
	SkillWriting     Skill = "writing"
	SkillListening   Skill = "listening"
	SkillSpeaking    Skill = "speaking"
)

// Review is one recorded answer.
type Review struct {
	Outcome        Outcome   `json:"outcome"`
	Difficulty     int       `json:"difficulty"` // 1..5
	Skill          Skill     `json:"skill,omitempty"`
	StudiedAt      time.Time `json:"studiedAt"`
	ResponseTimeMs int64     `json:"responseTimeMs,omitempty"`
}

// ProgressSubmission is what a client syncs for learning_progress: the answers it
// recorded offline plus the user-editable flags.
type ProgressSubmission struct {
	VocabularyID int64    `json:"vocabularyId"`
	Reviews      []Review `json:"reviews,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	IsBookmarked bool     `json:"isBookmarked,omitempty"`
	Priority     int      `json:"priority,omitempty"` // 1..5, 0 keeps the stored value
}

// LearningProgress is the SRS state of one (user, vocabulary) pair.
type LearningProgress struct {
	UserID       uuid.UUID `json:"userId"`
	VocabularyID int64     `json:"vocabularyId"`

	StudyCount           int `json:"studyCount"`
	CorrectCount         int `json:"correctCount"`
	IncorrectCount       int `json:"incorrectCount"`
	ConsecutiveCorrect   int `json:"consecutiveCorrect"`
	ConsecutiveIncorrect int `json:"consecutiveIncorrect"`
	ResetCount           int `json:"resetCount"`

	MemoryStrength int       `json:"memoryStrength"`
	EaseFactor     float64   `json:"easeFactor"`
	IntervalDays   int       `json:"intervalDays"`
	NextReviewDate time.Time `json:"nextReviewDate"`
	NeedsReview    bool      `json:"needsReview"`
	LastStudied    time.Time `json:"lastStudied"`

	RecognitionLevel float64    `json:"recognitionLevel"`
	WritingLevel     float64    `json:"writingLevel"`
	ListeningLevel   float64    `json:"listeningLevel"`
	SpeakingLevel    float64    `json:"speakingLevel"`
	MasteryLevel     int        `json:"masteryLevel"`
	IsMastered       bool       `json:"isMastered"`
	MasteredAt       *time.Time `json:"masteredAt,omitempty"`

	AverageResponseTimeMs float64 `json:"averageResponseTimeMs"`
	LastResponseTimeMs    int64   `json:"lastResponseTimeMs"`

	Notes        string `json:"notes,omitempty"`
	IsBookmarked bool   `json:"isBookmarked"`
	Priority     int    `json:"priority"`
}
