// Package srs implements the spaced-repetition schedule as pure state transitions.
package srs

import (
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/lexisync/internal/errs"
	"github.com/and161185/lexisync/internal/model"
)

const (
	MaxStrength      = 10
	MinEase          = 1.3
	MaxEase          = 2.5
	MaxLevel         = 10.0
	MasteryThreshold = 8
	DefaultPriority  = 3

	// maxInterval keeps NextReviewDate inside time.Duration range.
	maxInterval = 36500
)

// New returns the initial state created on the first study event of a pair.
func New(userID uuid.UUID, vocabularyID int64) model.LearningProgress {
	return model.LearningProgress{
		UserID:       userID,
		VocabularyID: vocabularyID,
		EaseFactor:   MaxEase,
		IntervalDays: 1,
		Priority:     DefaultPriority,
	}
}

// Advance records one answer. p is taken by value and returned updated; on error the
// returned state is p unchanged.
func Advance(p model.LearningProgress, outcome model.Outcome, difficulty int, skill model.Skill, now time.Time) (model.LearningProgress, error) {
	if difficulty < 1 || difficulty > 5 {
		return p, fmt.Errorf("difficulty %d outside [1,5]: %w", difficulty, errs.ErrScheduling)
	}
	var sign float64
	switch outcome {
	case model.OutcomeCorrect:
		sign = 1
	case model.OutcomeIncorrect:
		sign = -1
	default:
		return p, fmt.Errorf("outcome %q: %w", outcome, errs.ErrScheduling)
	}
	level, err := skillLevel(&p, skill)
	if err != nil {
		return p, err
	}

	next := p
	if sign > 0 {
		next.MemoryStrength = min(MaxStrength, p.MemoryStrength+1)
		if difficulty <= 2 {
			next.EaseFactor = math.Min(MaxEase, p.EaseFactor+0.1)
		}
		switch next.MemoryStrength {
		case 1:
			next.IntervalDays = 1
		case 2:
			next.IntervalDays = 6
		default:
			next.IntervalDays = min(maxInterval, int(math.Round(float64(p.IntervalDays)*next.EaseFactor)))
		}
		next.ConsecutiveCorrect++
		next.ConsecutiveIncorrect = 0
		next.CorrectCount++
	} else {
		next.MemoryStrength = max(0, p.MemoryStrength-2)
		next.EaseFactor = math.Max(MinEase, p.EaseFactor-0.2)
		next.IntervalDays = 1
		next.ConsecutiveIncorrect++
		next.ConsecutiveCorrect = 0
		next.IncorrectCount++
	}

	next.StudyCount++
	next.LastStudied = now
	next.NextReviewDate = now.AddDate(0, 0, next.IntervalDays)
	next.NeedsReview = false

	setSkill(&next, skill, clamp(level+sign*float64(difficulty)/3, 0, MaxLevel))

	next.MasteryLevel = Mastery(next)
	if next.MasteryLevel >= MasteryThreshold {
		if !next.IsMastered || next.MasteredAt == nil {
			at := now
			next.MasteredAt = &at
		}
		next.IsMastered = true
	} else {
		next.IsMastered = false
		next.MasteredAt = nil
	}
	return next, nil
}

// Apply runs Advance for a recorded review and folds in its response time.
func Apply(p model.LearningProgress, r model.Review) (model.LearningProgress, error) {
	next, err := Advance(p, r.Outcome, r.Difficulty, r.Skill, r.StudiedAt)
	if err != nil {
		return p, err
	}
	if r.ResponseTimeMs > 0 {
		next.LastResponseTimeMs = r.ResponseTimeMs
		n := float64(next.StudyCount)
		next.AverageResponseTimeMs = (p.AverageResponseTimeMs*(n-1) + float64(r.ResponseTimeMs)) / n
	}
	return next, nil
}

// Mastery derives the mastery level; it is never stored independently.
func Mastery(p model.LearningProgress) int {
	avgSkill := (p.RecognitionLevel + p.WritingLevel + p.ListeningLevel + p.SpeakingLevel) / 4
	var accuracy float64
	if p.StudyCount > 0 {
		accuracy = float64(p.CorrectCount) / float64(p.StudyCount) * 100
	}
	m := math.Round(avgSkill*0.5 + accuracy/10*0.3 + float64(p.MemoryStrength)*0.2)
	return int(clamp(m, 0, MaxLevel))
}

// Reset is the soft reset: schedule and skills go back to zero, history counters stay.
func Reset(p model.LearningProgress, now time.Time) model.LearningProgress {
	p.ResetCount++
	p.MemoryStrength = 0
	p.EaseFactor = MaxEase
	p.IntervalDays = 0
	p.NextReviewDate = now
	p.NeedsReview = true
	p.ConsecutiveCorrect = 0
	p.ConsecutiveIncorrect = 0
	p.RecognitionLevel, p.WritingLevel, p.ListeningLevel, p.SpeakingLevel = 0, 0, 0, 0
	p.MasteryLevel = 0
	p.IsMastered = false
	p.MasteredAt = nil
	return p
}

// Due reports whether the item should be flagged for review at now.
func Due(p model.LearningProgress, now time.Time) bool {
	return !p.NeedsReview && !p.NextReviewDate.IsZero() && !now.Before(p.NextReviewDate)
}

// Validate checks a state supplied from outside (custom conflict resolution).
func Validate(p model.LearningProgress) error {
	switch {
	case p.MemoryStrength < 0 || p.MemoryStrength > MaxStrength:
		return fmt.Errorf("memoryStrength %d outside [0,%d]: %w", p.MemoryStrength, MaxStrength, errs.ErrValidation)
	case p.EaseFactor < MinEase || p.EaseFactor > MaxEase:
		return fmt.Errorf("easeFactor %.2f outside [%.1f,%.1f]: %w", p.EaseFactor, MinEase, MaxEase, errs.ErrValidation)
	case p.IntervalDays < 0:
		return fmt.Errorf("negative intervalDays: %w", errs.ErrValidation)
	case p.Priority < 0 || p.Priority > 5:
		return fmt.Errorf("priority %d outside [1,5]: %w", p.Priority, errs.ErrValidation)
	}
	for _, l := range []float64{p.RecognitionLevel, p.WritingLevel, p.ListeningLevel, p.SpeakingLevel} {
		if l < 0 || l > MaxLevel {
			return fmt.Errorf("skill level %.2f outside [0,10]: %w", l, errs.ErrValidation)
		}
	}
	return nil
}

func skillLevel(p *model.LearningProgress, s model.Skill) (float64, error) {
	switch s {
	case model.SkillRecognition, "":
		return p.RecognitionLevel, nil
	case model.SkillWriting:
		return p.WritingLevel, nil
	case model.SkillListening:
		return p.ListeningLevel, nil
	case model.SkillSpeaking:
		return p.SpeakingLevel, nil
	}
	return 0, fmt.Errorf("skill %q: %w", s, errs.ErrScheduling)
}

func setSkill(p *model.LearningProgress, s model.Skill, v float64) {
	switch s {
	case model.SkillWriting:
		p.WritingLevel = v
	case model.SkillListening:
		p.ListeningLevel = v
	case model.SkillSpeaking:
		p.SpeakingLevel = v
	default:
		p.RecognitionLevel = v
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
