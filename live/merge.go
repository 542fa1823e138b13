package live

import (
	"golang.org/x/exp/slices"
)

// Apply returns the collection after one change event.
// The input collection is never modified, so the same (collection, event) always
// yields the same result and old views stay valid.
//
// A created question whose id is already present replaces the existing entry in place.
// This keeps ids unique when a creation is seen twice, e.g. in the snapshot and on the channel.
func Apply(questions []*Question, event *ChangeEvent) []*Question {
	if event == nil || event.Question == nil {
		return questions
	}

	switch event.Kind {
	case ChangeKindCreated:
		if i := indexOfQuestion(questions, event.Question.Id); 0 <= i {
			return replaceAt(questions, i, event.Question)
		}
		nextQuestions := make([]*Question, 0, len(questions)+1)
		nextQuestions = append(nextQuestions, event.Question)
		nextQuestions = append(nextQuestions, questions...)
		return nextQuestions
	case ChangeKindUpdated:
		if i := indexOfQuestion(questions, event.Question.Id); 0 <= i {
			return replaceAt(questions, i, event.Question)
		}
		// updates for unknown questions are dropped
		return questions
	default:
		return questions
	}
}

func ApplyAll(questions []*Question, events ...*ChangeEvent) []*Question {
	for _, event := range events {
		questions = Apply(questions, event)
	}
	return questions
}

func replaceAt(questions []*Question, i int, question *Question) []*Question {
	nextQuestions := slices.Clone(questions)
	nextQuestions[i] = question
	return nextQuestions
}
