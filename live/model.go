package live

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"
)

type QuestionStatus string

const (
	StatusPending   QuestionStatus = "pending"
	StatusEscalated QuestionStatus = "escalated"
	StatusAnswered  QuestionStatus = "answered"
)

func (self QuestionStatus) IsValid() bool {
	switch self {
	case StatusPending, StatusEscalated, StatusAnswered:
		return true
	default:
		return false
	}
}

func ParseQuestionStatus(s string) (QuestionStatus, error) {
	status := QuestionStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}

// `created_at` values are kept as the server wrote them.
// The server emits naive iso-8601 (no zone), which is interpreted as utc.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("Unrecognized timestamp %q", s)
}

type Answer struct {
	Author    string `json:"author"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func (self *Answer) CreatedTime() (time.Time, error) {
	return parseTimestamp(self.CreatedAt)
}

// a question is identified by `Id`. All other fields are replaced wholesale by change events.
type Question struct {
	Id        string         `json:"_id"`
	Author    string         `json:"author"`
	Message   string         `json:"message"`
	Status    QuestionStatus `json:"status"`
	CreatedAt string         `json:"created_at"`
	Answers   []*Answer      `json:"answers"`
}

func (self *Question) CreatedTime() (time.Time, error) {
	return parseTimestamp(self.CreatedAt)
}

func (self *Question) validate() error {
	if self.Id == "" {
		return ErrMissingId
	}
	if !self.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, self.Status)
	}
	return nil
}

// deep copy so that published views never share memory with the owned collection
func (self *Question) Clone() *Question {
	question := *self
	question.Answers = make([]*Answer, len(self.Answers))
	for i, answer := range self.Answers {
		answerCopy := *answer
		question.Answers[i] = &answerCopy
	}
	return &question
}

func CloneQuestions(questions []*Question) []*Question {
	out := make([]*Question, len(questions))
	for i, question := range questions {
		out[i] = question.Clone()
	}
	return out
}

func indexOfQuestion(questions []*Question, questionId string) int {
	return slices.IndexFunc(questions, func(question *Question) bool {
		return question.Id == questionId
	})
}
