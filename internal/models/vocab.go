package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMood is returned for a mood outside the fixed scale.
	ErrInvalidMood = errors.New("mood is not on the mood scale")

	// ErrInvalidGesture is returned for a touch message with an unknown gesture.
	ErrInvalidGesture = errors.New("unknown touch gesture")

	// ErrInvalidNoteColor is returned for a shared note color outside the palette.
	ErrInvalidNoteColor = errors.New("unknown note color")

	// ErrContentTooLong is returned for message or note text over MaxContentBytes.
	ErrContentTooLong = errors.New("content too long")
)

// MaxContentBytes caps message and shared note text. Changed rows travel as
// pg_notify payloads, which must stay under 8000 bytes after JSON escaping.
const MaxContentBytes = 3000

// CheckContentLength rejects text over MaxContentBytes
func CheckContentLength(content string) error {
	if len(content) > MaxContentBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrContentTooLong, len(content), MaxContentBytes)
	}
	return nil
}

// Mood is one step of the mood scale
type Mood struct {
	Label string `json:"label"`
	Emoji string `json:"emoji"`
	Color string `json:"color"`
}

// DefaultMoodIndex is the selector position used when no mood is set
const DefaultMoodIndex = 2

// moodScale is ordered: adjacent steps are closer moods.
var moodScale = [...]Mood{
	{Label: "Overwhelmed", Emoji: "😶‍🌫️", Color: "slate"},
	{Label: "Low", Emoji: "🌧️", Color: "blue"},
	{Label: "Okay", Emoji: "😌", Color: "green"},
	{Label: "Good", Emoji: "✨", Color: "orange"},
	{Label: "Loved", Emoji: "🥰", Color: "rose"},
}

// MoodScale returns a copy of the ordered mood scale
func MoodScale() []Mood {
	out := make([]Mood, len(moodScale))
	copy(out, moodScale[:])
	return out
}

// MoodAt returns the k-th step of the scale
func MoodAt(k int) (Mood, error) {
	if k < 0 || k >= len(moodScale) {
		return Mood{}, fmt.Errorf("%w: position %d", ErrInvalidMood, k)
	}
	return moodScale[k], nil
}

// MoodIndex returns the scale position of the mood with this label, or -1
func MoodIndex(label string) int {
	for i, m := range moodScale {
		if m.Label == label {
			return i
		}
	}
	return -1
}

// SelectorIndex returns the slider position for a possibly unset mood
func SelectorIndex(m *Mood) int {
	if m == nil {
		return DefaultMoodIndex
	}
	if i := MoodIndex(m.Label); i >= 0 {
		return i
	}
	return DefaultMoodIndex
}

// Validate checks that the mood is exactly one of the scale's steps
func (m Mood) Validate() error {
	i := MoodIndex(m.Label)
	if i < 0 || moodScale[i] != m {
		return fmt.Errorf("%w: %q", ErrInvalidMood, m.Label)
	}
	return nil
}

// MessageKind separates free text from touch gestures
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindTouch MessageKind = "touch"
)

// Touch gestures
const (
	GestureHeart = "heart"
	GestureKiss  = "kiss"
	GestureHug   = "hug"
)

// ValidGesture reports whether s is a known touch gesture
func ValidGesture(s string) bool {
	switch s {
	case GestureHeart, GestureKiss, GestureHug:
		return true
	}
	return false
}

// Shared note colors
const (
	NoteYellow = "yellow"
	NotePink   = "pink"
	NoteBlue   = "blue"
)

// ValidNoteColor reports whether s is in the note palette
func ValidNoteColor(s string) bool {
	switch s {
	case NoteYellow, NotePink, NoteBlue:
		return true
	}
	return false
}
