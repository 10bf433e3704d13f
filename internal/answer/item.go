package answer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ItemKind classifies the polymorphic payload of a test item.
type ItemKind string

const (
	KindQuiz    ItemKind = "quiz"
	KindCoding  ItemKind = "coding"
	KindEssay   ItemKind = "essay"
	KindUnknown ItemKind = "unknown"
)

// GetItemType maps a payload type tag to an ItemKind. Tags are matched by
// substring so that qualified names like "courses.CodingChallenge" resolve.
func GetItemType(tag string) ItemKind {
	switch {
	case strings.Contains(tag, "CodingChallenge"):
		return KindCoding
	case strings.Contains(tag, "QuizQuestion"):
		return KindQuiz
	case strings.Contains(tag, "EssayQuestion"):
		return KindEssay
	default:
		return KindUnknown
	}
}

// QuizOption is one selectable choice of a quiz question.
type QuizOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// QuizPayload is the content of a quiz item.
type QuizPayload struct {
	Question string       `json:"question"`
	Options  []QuizOption `json:"options"`
}

// Language is a programming language accepted by a coding item.
type Language struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// CodingPayload is the content of a coding challenge item.
type CodingPayload struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	StarterCode string     `json:"starter_code"`
	Languages   []Language `json:"languages"`
}

// EssayPayload is the content of an essay item.
type EssayPayload struct {
	Prompt   string `json:"prompt"`
	MinWords int    `json:"min_words,omitempty"`
}

// Item is one assessable unit of an attempt. Exactly one payload pointer is
// set for a known kind; unknown items carry only the raw content.
type Item struct {
	ID          string
	Points      float64
	Order       int
	ContentType string
	Kind        ItemKind
	Quiz        *QuizPayload
	Coding      *CodingPayload
	Essay       *EssayPayload
	Raw         json.RawMessage
}

// Answerable reports whether the learner can interact with this item.
func (it Item) Answerable() bool {
	return it.Kind != KindUnknown
}

// wireItem is the shape the Gateway sends for each item.
type wireItem struct {
	ID          json.RawMessage `json:"id"`
	Points      float64         `json:"points"`
	Order       int             `json:"order"`
	ContentType string          `json:"content_type"`
	Kind        ItemKind        `json:"kind,omitempty"`
	Content     json.RawMessage `json:"content"`
}

// MarshalJSON writes the wire shape back out, so a decoded item survives a
// round trip through the journal. Kind is informational for clients.
func (it Item) MarshalJSON() ([]byte, error) {
	id, err := json.Marshal(it.ID)
	if err != nil {
		return nil, err
	}
	content := it.Raw
	if len(content) == 0 {
		content = json.RawMessage("null")
	}
	return json.Marshal(wireItem{
		ID:          id,
		Points:      it.Points,
		Order:       it.Order,
		ContentType: it.ContentType,
		Kind:        it.Kind,
		Content:     content,
	})
}

// UnmarshalJSON decodes the wire shape. A content block that does not fit
// its declared kind degrades the item to KindUnknown instead of failing.
func (it *Item) UnmarshalJSON(data []byte) error {
	var w wireItem
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode item: %w", err)
	}

	id, err := decodeID(w.ID)
	if err != nil {
		return fmt.Errorf("decode item id: %w", err)
	}

	*it = Item{
		ID:          id,
		Points:      w.Points,
		Order:       w.Order,
		ContentType: w.ContentType,
		Raw:         w.Content,
	}
	it.Kind = GetItemType(w.ContentType)

	switch it.Kind {
	case KindQuiz:
		var p QuizPayload
		if decodePayload(w.Content, &p) {
			it.Quiz = &p
			return nil
		}
	case KindCoding:
		var p CodingPayload
		if decodePayload(w.Content, &p) {
			it.Coding = &p
			return nil
		}
	case KindEssay:
		var p EssayPayload
		if decodePayload(w.Content, &p) {
			it.Essay = &p
			return nil
		}
	default:
		return nil
	}

	it.Kind = KindUnknown
	return nil
}

// decodeID accepts both numeric and string identifiers.
func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("missing id")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func decodePayload(raw json.RawMessage, dst interface{}) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}
