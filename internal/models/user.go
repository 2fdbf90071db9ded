package models

// UserProfile is the profile document kept under users/{userId}. The relay only reads it.
type UserProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
}
