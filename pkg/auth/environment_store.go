package auth

import (
	"os"
	"time"
)

// EnvironmentStore reads a single session from IGCRAWLER_SESSION_ID and
// IGCRAWLER_CSRF_TOKEN. When IGCRAWLER_SESSION_USER is set, it only answers
// for that username.
type EnvironmentStore struct{}

// NewEnvironmentStore creates a new environment-based store
func NewEnvironmentStore() *EnvironmentStore {
	return &EnvironmentStore{}
}

// Store is not supported for environment variables
func (e *EnvironmentStore) Store(*Session) error {
	return ErrStoreUnavailable
}

func (e *EnvironmentStore) Retrieve(username string) (*Session, error) {
	sessionID := os.Getenv("IGCRAWLER_SESSION_ID")
	csrfToken := os.Getenv("IGCRAWLER_CSRF_TOKEN")
	if sessionID == "" || csrfToken == "" {
		return nil, ErrCredentialsNotFound
	}

	if owner := os.Getenv("IGCRAWLER_SESSION_USER"); owner != "" {
		if username != "" && username != owner {
			return nil, ErrCredentialsNotFound
		}
		username = owner
	}
	if username == "" {
		username = "default"
	}

	return &Session{
		Username:     username,
		SessionID:    sessionID,
		CSRFToken:    csrfToken,
		DSUserID:     os.Getenv("IGCRAWLER_DS_USER_ID"),
		LastModified: time.Now(),
	}, nil
}

func (e *EnvironmentStore) List() ([]*Session, error) {
	s, err := e.Retrieve("")
	if err != nil {
		return []*Session{}, nil
	}
	return []*Session{s}, nil
}

// Delete is not supported for environment variables
func (e *EnvironmentStore) Delete(string) error {
	return ErrStoreUnavailable
}

func (e *EnvironmentStore) Exists(username string) bool {
	_, err := e.Retrieve(username)
	return err == nil
}
