package models

import "time"

// Identity represents an authenticated individual
type Identity struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	PushToken *string   `json:"push_token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile represents the mutable public state of one identity
type Profile struct {
	ID          string     `json:"id"`
	Nickname    string     `json:"nickname"`
	AvatarURL   string     `json:"avatar_url"`
	CurrentMood *Mood      `json:"current_mood"`
	LastPulse   *time.Time `json:"last_pulse"`
	CoupleID    *string    `json:"couple_id"`
	PartnerID   *string    `json:"partner_id"`
}

// Paired reports whether both couple and partner references are set
func (p *Profile) Paired() bool {
	return p != nil && p.CoupleID != nil && p.PartnerID != nil
}

// Clone returns a deep copy of the profile
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	if p.CurrentMood != nil {
		m := *p.CurrentMood
		c.CurrentMood = &m
	}
	if p.LastPulse != nil {
		t := *p.LastPulse
		c.LastPulse = &t
	}
	if p.CoupleID != nil {
		s := *p.CoupleID
		c.CoupleID = &s
	}
	if p.PartnerID != nil {
		s := *p.PartnerID
		c.PartnerID = &s
	}
	return &c
}

// ProfilePatch lists the profile columns to overwrite; nil fields are left alone
type ProfilePatch struct {
	Nickname    *string
	AvatarURL   *string
	CurrentMood *Mood
	LastPulse   *time.Time
	CoupleID    *string
	PartnerID   *string
}

// Empty reports whether the patch changes nothing
func (p ProfilePatch) Empty() bool {
	return p.Nickname == nil && p.AvatarURL == nil && p.CurrentMood == nil &&
		p.LastPulse == nil && p.CoupleID == nil && p.PartnerID == nil
}

// Apply copies the set fields of the patch onto the profile
func (p ProfilePatch) Apply(profile *Profile) {
	if p.Nickname != nil {
		profile.Nickname = *p.Nickname
	}
	if p.AvatarURL != nil {
		profile.AvatarURL = *p.AvatarURL
	}
	if p.CurrentMood != nil {
		m := *p.CurrentMood
		profile.CurrentMood = &m
	}
	if p.LastPulse != nil {
		t := *p.LastPulse
		profile.LastPulse = &t
	}
	if p.CoupleID != nil {
		s := *p.CoupleID
		profile.CoupleID = &s
	}
	if p.PartnerID != nil {
		s := *p.PartnerID
		profile.PartnerID = &s
	}
}

// SharedNote is the sticky note both members of a couple can overwrite
type SharedNote struct {
	Content   string    `json:"content"`
	Color     string    `json:"color"`
	AuthorID  string    `json:"author_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Couple represents the shared context binding two identities
type Couple struct {
	ID          string      `json:"id"`
	PairingCode *string     `json:"pairing_code"`
	User1ID     string      `json:"user_1_id"`
	User2ID     *string     `json:"user_2_id"`
	SharedNote  *SharedNote `json:"sticky_note"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Formed reports whether the second member has joined
func (c *Couple) Formed() bool {
	return c.User2ID != nil
}

// PartnerOf returns the other member of the couple, or "" if there is none
func (c *Couple) PartnerOf(userID string) string {
	switch {
	case c.User1ID == userID && c.User2ID != nil:
		return *c.User2ID
	case c.User2ID != nil && *c.User2ID == userID:
		return c.User1ID
	}
	return ""
}

// Sender carries the display fields attached to a chat message
type Sender struct {
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatar_url"`
}

// Message represents one chat utterance within a couple
type Message struct {
	ID        string      `json:"id"`
	CoupleID  string      `json:"couple_id"`
	SenderID  string      `json:"sender_id"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
	Sender    *Sender     `json:"sender,omitempty"`
}

// JournalEntry represents a prompt answer recorded to a couple's timeline
type JournalEntry struct {
	ID        string    `json:"id"`
	CoupleID  string    `json:"couple_id"`
	AuthorID  string    `json:"user_id"`
	Prompt    *string   `json:"prompt"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Memory represents a photo moment; solo users have no couple
type Memory struct {
	ID         string     `json:"id"`
	CoupleID   *string    `json:"couple_id"`
	UserID     string     `json:"user_id"`
	PhotoURL   string     `json:"photo_url"`
	Caption    string     `json:"caption"`
	MomentDate *time.Time `json:"moment_date"`
	CreatedAt  time.Time  `json:"created_at"`
}
