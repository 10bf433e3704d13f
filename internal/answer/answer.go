package answer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrKindMismatch is returned when an answer's shape does not fit the item.
var ErrKindMismatch = errors.New("answer does not match item kind")

// CodeAnswer is the structured answer of a coding item.
type CodeAnswer struct {
	Code       string `json:"code"`
	LanguageID int    `json:"language_id"`
}

// Answer is the learner's value for one item.
// Text is used by quiz and essay items, Code by coding items.
type Answer struct {
	Text string      `json:"text,omitempty"`
	Code *CodeAnswer `json:"code,omitempty"`
}

// TextAnswer builds an answer for a quiz or essay item.
func TextAnswer(s string) Answer {
	return Answer{Text: s}
}

// CodingAnswer builds an answer for a coding item.
func CodingAnswer(code string, languageID int) Answer {
	return Answer{Code: &CodeAnswer{Code: code, LanguageID: languageID}}
}

// Fits reports whether the answer's shape is valid for the given kind.
func (a Answer) Fits(kind ItemKind) bool {
	switch kind {
	case KindCoding:
		return a.Code != nil
	case KindQuiz, KindEssay:
		return a.Code == nil
	default:
		return false
	}
}

// Encode serializes the answer the way the Gateway expects it:
// plain text for quiz/essay, a JSON object for coding.
func (a Answer) Encode() (string, error) {
	if a.Code == nil {
		return a.Text, nil
	}
	b, err := json.Marshal(a.Code)
	if err != nil {
		return "", fmt.Errorf("encode code answer: %w", err)
	}
	return string(b), nil
}

// Decode parses a wire value for an item of the given kind.
func Decode(kind ItemKind, raw json.RawMessage) (Answer, error) {
	switch kind {
	case KindCoding:
		var c CodeAnswer
		if err := json.Unmarshal(raw, &c); err != nil {
			return Answer{}, fmt.Errorf("decode code answer: %w", err)
		}
		return Answer{Code: &c}, nil
	case KindQuiz, KindEssay:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Answer{}, fmt.Errorf("decode text answer: %w", err)
		}
		return TextAnswer(s), nil
	default:
		return Answer{}, ErrKindMismatch
	}
}

// FromEncoded reverses Encode for an item of the given kind.
func FromEncoded(kind ItemKind, encoded string) (Answer, error) {
	switch kind {
	case KindCoding:
		return Decode(kind, json.RawMessage(encoded))
	case KindQuiz, KindEssay:
		return TextAnswer(encoded), nil
	default:
		return Answer{}, ErrKindMismatch
	}
}
