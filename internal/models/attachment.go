package models

// Attachment describes a binary payload received over a relay connection.
type Attachment struct {
	ID           string `json:"id"`
	OwnerID      string `json:"ownerId"`
	Size         int64  `json:"size"`
	StoredPath   string `json:"-"`
	MimeType     string `json:"mimeType"`
	OriginalName string `json:"originalName"`
	Checksum     string `json:"checksum,omitempty"`
}

// FileMeta is the optional metadata a client announces before sending a binary frame.
type FileMeta struct {
	Name     string
	MimeType string
}
