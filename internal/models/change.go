package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Table names carried by change notifications
type Table string

const (
	TableProfiles Table = "profiles"
	TableCouples  Table = "couples"
	TableMessages Table = "messages"
)

// Operation is the row operation that produced a change
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
)

// ErrUnknownChange is returned when a change has no typed event for its table
var ErrUnknownChange = errors.New("unknown change")

// Filter scopes a change stream to rows of one table whose column equals a value.
// An empty Column matches every row of the table.
type Filter struct {
	Table  Table     `json:"table"`
	Op     Operation `json:"event"`
	Column string    `json:"column,omitempty"`
	Value  string    `json:"value,omitempty"`
}

func (f Filter) String() string {
	if f.Column == "" {
		return fmt.Sprintf("%s:%s", f.Table, f.Op)
	}
	return fmt.Sprintf("%s:%s:%s=eq.%s", f.Table, f.Op, f.Column, f.Value)
}

// Change is a row change as delivered by the change feed. Record holds the new
// row encoded as JSON with storage column names.
type Change struct {
	Table  Table           `json:"table"`
	Op     Operation       `json:"op"`
	Record json.RawMessage `json:"record"`
}

// Event is a decoded change
type Event interface {
	event()
}

// ProfileUpdated carries the new state of a profile row
type ProfileUpdated struct {
	Profile Profile
}

// CoupleUpdated carries the new state of a couple row
type CoupleUpdated struct {
	Couple Couple
}

// MessageInserted carries a newly stored message
type MessageInserted struct {
	Message Message
}

func (ProfileUpdated) event()  {}
func (CoupleUpdated) event()   {}
func (MessageInserted) event() {}

// DecodeChange converts a raw change into its typed event
func DecodeChange(c Change) (Event, error) {
	switch {
	case c.Table == TableProfiles && c.Op == OpUpdate:
		var p Profile
		if err := json.Unmarshal(c.Record, &p); err != nil {
			return nil, fmt.Errorf("failed to decode profile change: %w", err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("failed to decode profile change: missing id")
		}
		return ProfileUpdated{Profile: p}, nil
	case c.Table == TableCouples && c.Op == OpUpdate:
		var cp Couple
		if err := json.Unmarshal(c.Record, &cp); err != nil {
			return nil, fmt.Errorf("failed to decode couple change: %w", err)
		}
		if cp.ID == "" {
			return nil, fmt.Errorf("failed to decode couple change: missing id")
		}
		return CoupleUpdated{Couple: cp}, nil
	case c.Table == TableMessages && c.Op == OpInsert:
		var m Message
		if err := json.Unmarshal(c.Record, &m); err != nil {
			return nil, fmt.Errorf("failed to decode message change: %w", err)
		}
		if m.ID == "" || m.SenderID == "" {
			return nil, fmt.Errorf("failed to decode message change: missing id or sender")
		}
		if m.Kind == "" {
			m.Kind = KindText
		}
		return MessageInserted{Message: m}, nil
	}
	return nil, fmt.Errorf("%w: %s %s", ErrUnknownChange, c.Op, c.Table)
}

// NewChange encodes a row into a change
func NewChange(table Table, op Operation, row any) (Change, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return Change{}, fmt.Errorf("failed to encode %s row: %w", table, err)
	}
	return Change{Table: table, Op: op, Record: data}, nil
}
