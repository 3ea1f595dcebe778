package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"igcrawler/internal/secret"
)

// EncryptedFileStore keeps all sessions in one AES-GCM sealed file
type EncryptedFileStore struct {
	mu         sync.RWMutex
	path       string
	passphrase string
}

type sealedFile struct {
	Salt      string    `json:"salt"`
	Encrypted string    `json:"encrypted"`
	Version   int       `json:"version"`
	Modified  time.Time `json:"modified"`
}

// NewEncryptedFileStore creates the store at path. The passphrase comes from
// IGCRAWLER_PASSPHRASE or passphraseDir/.passphrase.
func NewEncryptedFileStore(path, passphraseDir string) (*EncryptedFileStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	pass, err := secret.Passphrase(passphraseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get passphrase: %w", err)
	}
	return &EncryptedFileStore{path: path, passphrase: pass}, nil
}

// load returns the decrypted sessions and the salt in use
func (e *EncryptedFileStore) load() (map[string]Session, string, error) {
	content, err := os.ReadFile(e.path)
	if err != nil {
		return nil, "", err
	}

	var f sealedFile
	if err := json.Unmarshal(content, &f); err != nil {
		return nil, "", fmt.Errorf("failed to parse file: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode salt: %w", err)
	}

	sealer, err := secret.NewSealer(e.passphrase, salt)
	if err != nil {
		return nil, "", err
	}
	plain, err := sealer.OpenString(f.Encrypted)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt data: %w", err)
	}

	sessions := make(map[string]Session)
	if err := json.Unmarshal([]byte(plain), &sessions); err != nil {
		return nil, "", fmt.Errorf("failed to parse sessions: %w", err)
	}
	return sessions, f.Salt, nil
}

func (e *EncryptedFileStore) save(sessions map[string]Session, salt string) error {
	if salt == "" {
		raw, err := secret.NewSalt()
		if err != nil {
			return err
		}
		salt = base64.StdEncoding.EncodeToString(raw)
	}
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return fmt.Errorf("failed to decode salt: %w", err)
	}

	sealer, err := secret.NewSealer(e.passphrase, rawSalt)
	if err != nil {
		return err
	}
	plain, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}
	sealed, err := sealer.SealString(string(plain))
	if err != nil {
		return fmt.Errorf("failed to encrypt data: %w", err)
	}

	content, err := json.MarshalIndent(sealedFile{
		Salt:      salt,
		Encrypted: sealed,
		Version:   1,
		Modified:  time.Now(),
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return os.Rename(tmp, e.path)
}

// Store saves the session
func (e *EncryptedFileStore) Store(s *Session) error {
	if s == nil || s.Username == "" {
		return ErrInvalidCredentials
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sessions, salt, err := e.load()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load existing data: %w", err)
	}
	if sessions == nil {
		sessions = make(map[string]Session)
	}
	sessions[s.Username] = *s
	return e.save(sessions, salt)
}

// Retrieve gets the session for username
func (e *EncryptedFileStore) Retrieve(username string) (*Session, error) {
	if username == "" {
		return nil, ErrInvalidCredentials
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	sessions, _, err := e.load()
	if os.IsNotExist(err) {
		return nil, ErrCredentialsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load data: %w", err)
	}

	s, ok := sessions[username]
	if !ok {
		return nil, ErrCredentialsNotFound
	}
	return &s, nil
}

// List returns all stored sessions
func (e *EncryptedFileStore) List() ([]*Session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sessions, _, err := e.load()
	if os.IsNotExist(err) {
		return []*Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load data: %w", err)
	}

	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		s := s
		out = append(out, &s)
	}
	return out, nil
}

// Delete removes the session for username
func (e *EncryptedFileStore) Delete(username string) error {
	if username == "" {
		return ErrInvalidCredentials
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sessions, salt, err := e.load()
	if os.IsNotExist(err) {
		return ErrCredentialsNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load data: %w", err)
	}
	if _, ok := sessions[username]; !ok {
		return ErrCredentialsNotFound
	}

	delete(sessions, username)
	if len(sessions) == 0 {
		return os.Remove(e.path)
	}
	return e.save(sessions, salt)
}

// Exists checks if a session exists
func (e *EncryptedFileStore) Exists(username string) bool {
	s, err := e.Retrieve(username)
	return err == nil && s != nil
}
