package service

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exam-session-backend/internal/model"
)

// Grade scores answers against the exam's answer key.
//
// Only questions that are part of the exam and present in the key count
// toward the totals. A question is correct when its selected option matches
// any of the key's correct options, ignoring case and surrounding space.
// Questions without a positive point value are worth one point.
func Grade(exam *model.Exam, key model.AnswerKey, answers []model.AnswerRecord, at time.Time) model.ScoreResult {
	selected := make(map[uuid.UUID]*string, len(answers))
	for _, a := range answers {
		selected[a.QuestionID] = a.SelectedOption
	}

	result := model.ScoreResult{
		ComputedAt: at,
		Items:      make([]model.ScoreItem, 0, len(exam.Questions)),
	}

	for _, q := range exam.Questions {
		entry, ok := key[q.ID]
		if !ok {
			continue
		}
		points := entry.Points
		if points <= 0 {
			points = 1
		}

		item := model.ScoreItem{
			QuestionID: q.ID,
			Selected:   selected[q.ID],
			Correct:    entry.Correct,
		}
		result.TotalQuestions++
		result.MaxPoints += points

		if item.Selected != nil {
			result.Answered++
			if matchesAny(*item.Selected, entry.Correct) {
				item.IsCorrect = true
				item.EarnedPoints = points
				result.Correct++
				result.EarnedPoints += points
			}
		}
		result.Items = append(result.Items, item)
	}

	if result.MaxPoints > 0 {
		result.Percentage = math.Round(result.EarnedPoints/result.MaxPoints*10000) / 100
	}
	result.Passed = result.Percentage >= float64(exam.PassMark())
	return result
}

func matchesAny(selected string, correct []string) bool {
	selected = strings.TrimSpace(selected)
	if selected == "" {
		return false
	}
	for _, c := range correct {
		if strings.EqualFold(strings.TrimSpace(c), selected) {
			return true
		}
	}
	return false
}
