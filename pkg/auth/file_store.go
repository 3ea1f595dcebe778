package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	cookieFilePrefix = "ig_cookies_"
	cookieFileSuffix = ".json"
)

// Cookie is one browser cookie as exported by the login flow
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// FileStore keeps one plain ig_cookies_<username>.json per account, a JSON
// array of browser cookies.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates a store rooted at dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (f *FileStore) path(username string) string {
	return filepath.Join(f.dir, cookieFilePrefix+username+cookieFileSuffix)
}

// SessionFromCookies builds a Session from a browser cookie jar
func SessionFromCookies(username string, cookies []Cookie) *Session {
	s := &Session{Username: username}
	for _, c := range cookies {
		switch c.Name {
		case "sessionid":
			s.SessionID = c.Value
		case "csrftoken":
			s.CSRFToken = c.Value
		case "ds_user_id":
			s.DSUserID = c.Value
		default:
			if s.Extra == nil {
				s.Extra = make(map[string]string)
			}
			s.Extra[c.Name] = c.Value
		}
	}
	return s
}

func cookiesFromSession(s *Session) []Cookie {
	cookies := s.Cookies()
	out := make([]Cookie, 0, len(cookies))
	for name, value := range cookies {
		out = append(out, Cookie{Name: name, Value: value, Domain: ".instagram.com", Path: "/"})
	}
	return out
}

func (f *FileStore) Store(s *Session) error {
	if s == nil || s.Username == "" {
		return ErrInvalidCredentials
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(cookiesFromSession(s), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(f.path(s.Username), data, 0600)
}

func (f *FileStore) Retrieve(username string) (*Session, error) {
	if username == "" {
		return nil, ErrInvalidCredentials
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(username)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrCredentialsNotFound
	}
	if err != nil {
		return nil, err
	}

	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("failed to parse cookie file %s: %w", path, err)
	}

	s := SessionFromCookies(username, cookies)
	if info, err := os.Stat(path); err == nil {
		s.LastModified = info.ModTime()
	}
	return s, nil
}

func (f *FileStore) List() ([]*Session, error) {
	entries, err := os.ReadDir(f.dir)
	if os.IsNotExist(err) {
		return []*Session{}, nil
	}
	if err != nil {
		return nil, err
	}

	var out []*Session
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, cookieFilePrefix) || !strings.HasSuffix(name, cookieFileSuffix) {
			continue
		}
		username := strings.TrimSuffix(strings.TrimPrefix(name, cookieFilePrefix), cookieFileSuffix)
		if s, err := f.Retrieve(username); err == nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FileStore) Delete(username string) error {
	if username == "" {
		return ErrInvalidCredentials
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path(username))
	if os.IsNotExist(err) {
		return ErrCredentialsNotFound
	}
	return err
}

func (f *FileStore) Exists(username string) bool {
	_, err := os.Stat(f.path(username))
	return err == nil
}
