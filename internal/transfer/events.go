package transfer

// Payloads pushed through the notifier. Field names follow the browser
// client's expectations.

type RequestEvent struct {
	TransferID  string `json:"transfer_id"`
	From        string `json:"from"`
	FromName    string `json:"from_name"`
	FileName    string `json:"filename"`
	FileSize    int64  `json:"filesize"`
	IsDirectory bool   `json:"is_directory"`
	TotalFiles  int    `json:"total_files"`
}

type RequestSentEvent struct {
	TransferID string `json:"transfer_id"`
	Target     string `json:"target"`
}

type AcceptedEvent struct {
	TransferID    string `json:"transfer_id"`
	UploadURL     string `json:"upload_url"`
	RecipientName string `json:"recipient_name"`
}

type RejectedEvent struct {
	TransferID string `json:"transfer_id"`
}

type ReadyEvent struct {
	TransferID  string `json:"transfer_id"`
	FileName    string `json:"filename"`
	DownloadURL string `json:"download_url"`
	IsDirectory bool   `json:"is_directory"`
}

type ErrorEvent struct {
	TransferID string `json:"transfer_id,omitempty"`
	Error      string `json:"error"`
}

type ExpiredEvent struct {
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason"`
}
