package itemdesk

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

// RequestStatus indicates where a request is in its triage lifecycle.
type RequestStatus string

const (
	// RequestStatusPending is the initial status of a newly submitted request
	RequestStatusPending RequestStatus = "pending"

	// RequestStatusApproved is set when a moderator completes a request
	RequestStatusApproved RequestStatus = "approved"

	// RequestStatusRejected is set when a moderator rejects a request
	RequestStatusRejected RequestStatus = "rejected"
)

func (r RequestStatus) String() string {
	return string(r)
}

// IsFinal indicates whether the status reflects a triage decision
// (as opposed to a request still waiting in the queue).
func (r RequestStatus) IsFinal() bool {
	switch r {
	case RequestStatusApproved, RequestStatusRejected:
		return true
	default:
		return false
	}
}

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelStringID struct {
	ID string `gorm:"primaryKey" json:"id"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// StringList is an ordered list of strings stored as a JSON column.
// It implements the SQL Scanner and Valuer interfaces for GORM.
type StringList []string

// Scan implements the sql.Scanner interface.
func (s *StringList) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = nil
		return nil
	default:
		return fmt.Errorf("unexpected type for StringList: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		s = StringList{}
	}
	data, err := json.Marshal(s)
	return string(data), err
}

// GormDataType is used by GORM to determine the default data type for a field.
func (StringList) GormDataType() string {
	return "string"
}

// Contains reports whether the list contains v, compared case-insensitively.
func (s StringList) Contains(v string) bool {
	for _, item := range s {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// Request is a member's ask for item assignment under a project, with
// the set of technologies they want to work with. Created by a
// selection flow on submission, and mutated (status, technologies) by
// queue monitor action handlers. Only an explicit delete action
// removes one.
type Request struct {
	ModelStringID
	ModelUnixTime
	Project       string        `gorm:"index" json:"project"`
	Technologies  StringList    `json:"technologies"`
	RequesterName string        `json:"requester_name"`
	RequesterID   string        `gorm:"index" json:"requester_id"`
	Status        RequestStatus `gorm:"index" json:"status"`
}

func (r *Request) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		id, err := generateRandomHexString(idLength)
		if err != nil {
			return err
		}
		r.ID = id
	}
	if r.Status == "" {
		r.Status = RequestStatusPending
	}
	return nil
}

// NewRequest creates a Request in the pending state.
func NewRequest(
	project string,
	technologies []string,
	requesterName string,
	requesterID string,
) *Request {
	return &Request{
		Project:       project,
		Technologies:  technologies,
		RequesterName: requesterName,
		RequesterID:   requesterID,
		Status:        RequestStatusPending,
	}
}

// ReassignmentRequest asks for a specific already-assigned item to be
// reassigned to the requester. Keyed additionally by item number; a
// duplicate (project, item number, requester) is rejected at creation.
type ReassignmentRequest struct {
	ModelStringID
	ModelUnixTime
	Project       string        `gorm:"index" json:"project"`
	ItemNumber    string        `gorm:"index" json:"item_number"`
	RequesterName string        `json:"requester_name"`
	RequesterID   string        `gorm:"index" json:"requester_id"`
	Status        RequestStatus `gorm:"index" json:"status"`
}

func (r *ReassignmentRequest) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		id, err := generateRandomHexString(idLength)
		if err != nil {
			return err
		}
		r.ID = id
	}
	if r.Status == "" {
		r.Status = RequestStatusPending
	}
	return nil
}

// NewReassignmentRequest creates a ReassignmentRequest in the pending state.
func NewReassignmentRequest(
	project string,
	itemNumber string,
	requesterName string,
	requesterID string,
) *ReassignmentRequest {
	return &ReassignmentRequest{
		Project:       project,
		ItemNumber:    itemNumber,
		RequesterName: requesterName,
		RequesterID:   requesterID,
		Status:        RequestStatusPending,
	}
}

// QueueMonitorConfig holds the published queue surface: the channel and
// webhook used to publish it, and the IDs of the currently published
// messages. There is at most one row; the setup command replaces it.
type QueueMonitorConfig struct {
	ModelUintID
	ModelUnixTime
	ChannelID            string     `json:"channel_id"`
	WebhookID            string     `json:"webhook_id"`
	WebhookToken         string     `json:"-" log:"[redacted]"`
	MessageIDs           StringList `json:"message_ids"`
	ProjectFilter        string     `json:"project_filter"`
	IncludeReassignments bool       `json:"include_reassignments"`
}

// LastSelection remembers the most recent successful selection flow
// submission per command, so the `repeat` option can skip the
// elicitation steps entirely.
type LastSelection struct {
	ModelUintID
	ModelUnixTime
	CommandKey   string     `gorm:"uniqueIndex" json:"command_key"`
	Project      string     `json:"project"`
	Technologies StringList `json:"technologies"`
	ItemNumber   string     `json:"item_number"`
}

// InteractionLog records an incoming Discord interaction, for auditing.
type InteractionLog struct {
	ModelUintID
	ModelUnixTime
	InteractionID string `json:"interaction_id"`
	Type          string `json:"type"`
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	ChannelID     string `json:"channel_id"`
	GuildID       string `json:"guild_id"`
	Payload       string `json:"payload"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) *InteractionLog {
	rec := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		ChannelID:     i.ChannelID,
		GuildID:       i.GuildID,
	}
	if u != nil {
		rec.UserID = u.ID
		rec.Username = u.Username
	}
	payload, err := json.Marshal(i.Interaction)
	if err == nil {
		rec.Payload = string(payload)
	}
	return rec
}

// formatRequestTimestamp renders a created-at unix milli timestamp the
// way the queue displays it (ex: "Jan 2, 3:04 PM").
func formatRequestTimestamp(unixMilli int64) string {
	return time.UnixMilli(unixMilli).UTC().Format("Jan 2, 3:04 PM")
}
