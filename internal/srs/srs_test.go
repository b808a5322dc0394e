package srs

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/lexisync/internal/errs"
	"github.com/and161185/lexisync/internal/model"
)

var now = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func state(ms int, ef float64, interval int) model.LearningProgress {
	p := New(uuid.Must(uuid.NewV4()), 42)
	p.MemoryStrength, p.EaseFactor, p.IntervalDays = ms, ef, interval
	return p
}

func TestAdvance_CorrectEasy(t *testing.T) {
	t.Parallel()
	got, err := Advance(state(1, 2.5, 1), model.OutcomeCorrect, 1, model.SkillRecognition, now)
	require.NoError(t, err)
	require.Equal(t, 2, got.MemoryStrength)
	require.Equal(t, 6, got.IntervalDays)
	require.InDelta(t, 2.5, got.EaseFactor, 1e-9)
	require.Equal(t, now.AddDate(0, 0, 6), got.NextReviewDate)
	require.Equal(t, 1, got.ConsecutiveCorrect)
	require.False(t, got.NeedsReview)
}

func TestAdvance_Incorrect(t *testing.T) {
	t.Parallel()
	in := state(1, 2.5, 1)
	in.ConsecutiveCorrect = 3
	got, err := Advance(in, model.OutcomeIncorrect, 3, model.SkillRecognition, now)
	require.NoError(t, err)
	require.Equal(t, 0, got.MemoryStrength)
	require.InDelta(t, 2.3, got.EaseFactor, 1e-9)
	require.Equal(t, 1, got.IntervalDays)
	require.Equal(t, 0, got.ConsecutiveCorrect)
	require.Equal(t, 1, got.ConsecutiveIncorrect)
	require.Equal(t, 1, got.IncorrectCount)
}

func TestAdvance_Bounds(t *testing.T) {
	t.Parallel()
	got, err := Advance(state(10, 1.3, 30), model.OutcomeCorrect, 5, model.SkillWriting, now)
	require.NoError(t, err)
	require.Equal(t, 10, got.MemoryStrength)
	require.InDelta(t, 1.3, got.EaseFactor, 1e-9, "hard answers do not raise ease")
	require.Equal(t, 39, got.IntervalDays)

	got, err = Advance(state(0, 1.3, 1), model.OutcomeIncorrect, 5, model.SkillWriting, now)
	require.NoError(t, err)
	require.Equal(t, 0, got.MemoryStrength)
	require.InDelta(t, 1.3, got.EaseFactor, 1e-9)
	require.Equal(t, 0.0, got.WritingLevel)
}

func TestAdvance_InvalidDifficultyLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	in := state(3, 2.0, 10)
	for _, d := range []int{0, 6, -1} {
		out, err := Advance(in, model.OutcomeCorrect, d, model.SkillRecognition, now)
		if !errors.Is(err, errs.ErrScheduling) {
			t.Fatalf("difficulty %d: want ErrScheduling, got %v", d, err)
		}
		if !reflect.DeepEqual(out, in) {
			t.Fatalf("difficulty %d: state mutated", d)
		}
	}
	if _, err := Advance(in, "maybe", 3, model.SkillRecognition, now); !errors.Is(err, errs.ErrScheduling) {
		t.Fatalf("want ErrScheduling on bad outcome, got %v", err)
	}
	if _, err := Advance(in, model.OutcomeCorrect, 3, "smell", now); !errors.Is(err, errs.ErrScheduling) {
		t.Fatalf("want ErrScheduling on bad skill, got %v", err)
	}
}

func TestAdvance_Deterministic(t *testing.T) {
	t.Parallel()
	in := state(4, 2.1, 12)
	a, _ := Advance(in, model.OutcomeCorrect, 2, model.SkillListening, now)
	b, _ := Advance(in, model.OutcomeCorrect, 2, model.SkillListening, now)
	require.Equal(t, a, b)
}

func TestAdvance_IntervalMonotonicOnCorrectRun(t *testing.T) {
	t.Parallel()
	p := New(uuid.Must(uuid.NewV4()), 1)
	at := now
	prev := p.IntervalDays
	for i := 0; i < 25; i++ {
		var err error
		p, err = Advance(p, model.OutcomeCorrect, 1+i%5, model.SkillRecognition, at)
		require.NoError(t, err)
		if p.IntervalDays < prev {
			t.Fatalf("step %d: interval dropped %d -> %d", i, prev, p.IntervalDays)
		}
		prev = p.IntervalDays
		at = p.NextReviewDate
	}
}

func TestAdvance_SkillAndMastery(t *testing.T) {
	t.Parallel()
	p := state(9, 2.5, 100)
	p.RecognitionLevel, p.WritingLevel, p.ListeningLevel, p.SpeakingLevel = 9, 9, 9, 9
	p.StudyCount, p.CorrectCount = 9, 9

	got, err := Advance(p, model.OutcomeCorrect, 3, model.SkillSpeaking, now)
	require.NoError(t, err)
	require.Equal(t, 10.0, got.SpeakingLevel)
	require.Equal(t, 10, got.MasteryLevel)
	require.True(t, got.IsMastered)
	require.NotNil(t, got.MasteredAt)
	require.Equal(t, now, *got.MasteredAt)

	later := now.Add(24 * time.Hour)
	again, err := Advance(got, model.OutcomeCorrect, 3, model.SkillSpeaking, later)
	require.NoError(t, err)
	require.Equal(t, now, *again.MasteredAt, "mastered timestamp is kept")

	lost := again
	for i := 0; i < 4; i++ {
		lost, err = Advance(lost, model.OutcomeIncorrect, 5, model.SkillRecognition, later)
		require.NoError(t, err)
	}
	require.Less(t, lost.MasteryLevel, MasteryThreshold)
	require.False(t, lost.IsMastered)
	require.Nil(t, lost.MasteredAt)
}

func TestMastery_Formula(t *testing.T) {
	t.Parallel()
	p := model.LearningProgress{
		RecognitionLevel: 4, WritingLevel: 2, ListeningLevel: 6, SpeakingLevel: 0,
		StudyCount: 10, CorrectCount: 5, MemoryStrength: 5,
	}
	// 3*0.5 + 5*0.3 + 5*0.2 = 4
	require.Equal(t, 4, Mastery(p))
	require.Equal(t, 0, Mastery(model.LearningProgress{}))
}

func TestApply_ResponseTimes(t *testing.T) {
	t.Parallel()
	p := New(uuid.Must(uuid.NewV4()), 3)
	p, err := Apply(p, model.Review{Outcome: model.OutcomeCorrect, Difficulty: 2, StudiedAt: now, ResponseTimeMs: 1000})
	require.NoError(t, err)
	p, err = Apply(p, model.Review{Outcome: model.OutcomeCorrect, Difficulty: 2, StudiedAt: now.Add(time.Hour), ResponseTimeMs: 3000})
	require.NoError(t, err)
	require.Equal(t, int64(3000), p.LastResponseTimeMs)
	require.InDelta(t, 2000, p.AverageResponseTimeMs, 1e-9)
	require.Equal(t, now.Add(time.Hour), p.LastStudied)
}

func TestReset_KeepsHistory(t *testing.T) {
	t.Parallel()
	p := state(6, 2.2, 40)
	p.StudyCount, p.CorrectCount, p.IncorrectCount = 12, 10, 2
	p.RecognitionLevel = 7
	at := now
	p.IsMastered, p.MasteredAt = true, &at

	r := Reset(p, now)
	require.Equal(t, 1, r.ResetCount)
	require.Equal(t, 0, r.MemoryStrength)
	require.Equal(t, 0, r.IntervalDays)
	require.Equal(t, 0.0, r.RecognitionLevel)
	require.False(t, r.IsMastered)
	require.Equal(t, 12, r.StudyCount)
	require.Equal(t, 10, r.CorrectCount)
	require.True(t, r.NeedsReview)
}

func TestDue(t *testing.T) {
	t.Parallel()
	p := state(2, 2.5, 6)
	p.NextReviewDate = now
	require.True(t, Due(p, now))
	require.False(t, Due(p, now.Add(-time.Second)))
	p.NeedsReview = true
	require.False(t, Due(p, now.Add(time.Hour)), "already flagged")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Validate(New(uuid.Nil, 1)))
	bad := New(uuid.Nil, 1)
	bad.EaseFactor = 3
	require.ErrorIs(t, Validate(bad), errs.ErrValidation)
	bad = New(uuid.Nil, 1)
	bad.SpeakingLevel = 11
	require.ErrorIs(t, Validate(bad), errs.ErrValidation)
}
