package models

import "time"

// Device is one live signaling connection.
type Device struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"ip"`
}

type Status string

const (
	StatusPending          Status = "pending"
	StatusAccepted         Status = "accepted"
	StatusRejected         Status = "rejected"
	StatusReadyForDownload Status = "ready_for_download"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusError:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusAccepted:
		return 1
	case StatusReadyForDownload:
		return 2
	case StatusCompleted:
		return 3
	}
	return -1
}

// CanTransition reports whether a session in status s may move to next.
// The happy path only moves forward; rejected and error are reachable from
// any non-terminal status.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusRejected || next == StatusError {
		return true
	}
	return next.rank() == s.rank()+1
}

type FileRecord struct {
	StoredPath   string `json:"path"`
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum,omitempty"`
}

// Session is a snapshot of one negotiated transfer.
type Session struct {
	ID             string       `json:"id"`
	SenderID       string       `json:"sender"`
	RecipientID    string       `json:"recipient_sid"`
	SenderName     string       `json:"sender_name"`
	RecipientName  string       `json:"recipient_name"`
	Status         Status       `json:"status"`
	DisplayName    string       `json:"filename"`
	DeclaredSize   int64        `json:"filesize"`
	IsDirectory    bool         `json:"is_directory"`
	TotalFiles     int          `json:"total_files"`
	UploadedFiles  int          `json:"uploaded_files"`
	Files          []FileRecord `json:"files"`
	BasePath       string       `json:"base_path,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	AcceptedAt     time.Time    `json:"accepted_at,omitzero"`
	UploadedAt     time.Time    `json:"uploaded_at,omitzero"`
	LastActivityAt time.Time    `json:"-"`
}

// Clone returns a deep copy safe to hand out of the store.
func (s *Session) Clone() Session {
	c := *s
	c.Files = append([]FileRecord(nil), s.Files...)
	return c
}

// TransferHistory is the persisted outcome of a session.
type TransferHistory struct {
	ID            string    `json:"id"`
	FileName      string    `json:"fileName"`
	FileSize      int64     `json:"fileSize"`
	IsDirectory   bool      `json:"isDirectory"`
	FileCount     int       `json:"fileCount"`
	SenderName    string    `json:"senderName"`
	RecipientName string    `json:"recipientName"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	FinishedAt    time.Time `json:"finishedAt"`
}
