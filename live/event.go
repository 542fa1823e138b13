package live

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// wire discriminators on the push channel
const (
	MessageTypeNewQuestion     = "new_question"
	MessageTypeQuestionUpdated = "question_updated"
)

type ChangeKind int

const (
	// a message type this client does not know. Kept so newer servers can add kinds.
	ChangeKindIgnored ChangeKind = iota
	ChangeKindCreated
	ChangeKindUpdated
)

func (self ChangeKind) String() string {
	switch self {
	case ChangeKindCreated:
		return "created"
	case ChangeKindUpdated:
		return "updated"
	default:
		return "ignored"
	}
}

// a full replacement of one question. Never a delta.
type ChangeEvent struct {
	Kind ChangeKind
	// the wire discriminator as received
	Type     string
	Question *Question
}

func Created(question *Question) *ChangeEvent {
	return &ChangeEvent{
		Kind:     ChangeKindCreated,
		Type:     MessageTypeNewQuestion,
		Question: question,
	}
}

func Updated(question *Question) *ChangeEvent {
	return &ChangeEvent{
		Kind:     ChangeKindUpdated,
		Type:     MessageTypeQuestionUpdated,
		Question: question,
	}
}

func (self *ChangeEvent) String() string {
	if self.Question == nil {
		return fmt.Sprintf("%s(%s)", self.Kind, self.Type)
	}
	return fmt.Sprintf("%s(%s)", self.Kind, self.Question.Id)
}

type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func DecodeEvent(raw []byte) (*ChangeEvent, error) {
	// `null` unmarshals into the zero message without error
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, &DecodeError{
			Reason: "not an object",
			Raw:    raw,
		}
	}

	var message wireMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		return nil, &DecodeError{
			Reason: "parse",
			Raw:    raw,
			Err:    err,
		}
	}

	var kind ChangeKind
	switch message.Type {
	case MessageTypeNewQuestion:
		kind = ChangeKindCreated
	case MessageTypeQuestionUpdated:
		kind = ChangeKindUpdated
	default:
		// the payload of unknown kinds is not inspected
		return &ChangeEvent{
			Kind: ChangeKindIgnored,
			Type: message.Type,
		}, nil
	}

	if len(message.Data) == 0 || string(message.Data) == "null" {
		return nil, &DecodeError{
			Reason: "missing data",
			Raw:    raw,
		}
	}

	question := &Question{}
	if err := json.Unmarshal(message.Data, question); err != nil {
		return nil, &DecodeError{
			Reason: "data",
			Raw:    raw,
			Err:    err,
		}
	}
	if err := question.validate(); err != nil {
		return nil, &DecodeError{
			Reason: "data",
			Raw:    raw,
			Err:    err,
		}
	}
	if question.Answers == nil {
		question.Answers = []*Answer{}
	}

	return &ChangeEvent{
		Kind:     kind,
		Type:     message.Type,
		Question: question,
	}, nil
}

// the snapshot response body is a bare array of questions
func decodeQuestions(body []byte) ([]*Question, error) {
	questions := []*Question{}
	if err := json.Unmarshal(body, &questions); err != nil {
		return nil, err
	}
	for i, question := range questions {
		if question == nil {
			return nil, fmt.Errorf("Snapshot question %d is null.", i)
		}
		if err := question.validate(); err != nil {
			return nil, fmt.Errorf("Snapshot question %d: %w", i, err)
		}
		if question.Answers == nil {
			question.Answers = []*Answer{}
		}
	}
	return questions, nil
}
