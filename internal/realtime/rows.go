package realtime

import "time"

// Row is a decoded table row identified by its primary key.
type Row interface {
	Key() string
}

// Message is a row of the messages table.
type Message struct {
	ID          string     `json:"id"`
	SchoolID    string     `json:"school_id"`
	SenderID    string     `json:"sender_id"`
	RecipientID string     `json:"recipient_id"`
	Body        string     `json:"body"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (m Message) Key() string { return m.ID }

// LeaveRequest is a row of the leave_requests table. Dates are ISO calendar days.
type LeaveRequest struct {
	ID        string    `json:"id"`
	SchoolID  string    `json:"school_id"`
	StudentID string    `json:"student_id"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"`
	StartDate string    `json:"start_date"`
	EndDate   string    `json:"end_date"`
	CreatedAt time.Time `json:"created_at"`
}

func (l LeaveRequest) Key() string { return l.ID }

// Announcement is a row of the announcements table.
type Announcement struct {
	ID        string    `json:"id"`
	SchoolID  string    `json:"school_id"`
	Audience  string    `json:"audience"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func (a Announcement) Key() string { return a.ID }
