// Package igtest runs a fake Instagram private API for tests. Accounts are
// told apart by their sessionid cookie.
package igtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/gorilla/mux"

	"igcrawler/pkg/instagram"
)

// User is a profile served by the fake API
type User struct {
	ID        string
	Username  string
	Private   bool
	Followers int
	// Posts are served by the feed endpoint only, so profile lookups
	// always fall back to the feed
	Posts []instagram.FeedItem
}

// Server simulates the profile, followers and feed endpoints
type Server struct {
	server *httptest.Server

	mu       sync.Mutex
	users    map[string]*User
	byID     map[string]*User
	failures map[string][]int
	requests map[string]int
	maxIDs   []string
}

// NewServer starts a fake API. Close it when done.
func NewServer() *Server {
	s := &Server{
		users:    make(map[string]*User),
		byID:     make(map[string]*User),
		failures: make(map[string][]int),
		requests: make(map[string]int),
	}

	r := mux.NewRouter()
	r.HandleFunc(instagram.ProfileEndpoint, s.handleProfile).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/friendships/{id}/followers/", s.handleFollowers).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/feed/user/{id}/", s.handleFeed).Methods(http.MethodGet)

	s.server = httptest.NewServer(r)
	return s
}

// URL is the base URL to hand to instagram.Options
func (s *Server) URL() string {
	return s.server.URL
}

// Close shuts the server down
func (s *Server) Close() {
	s.server.Close()
}

// AddUser registers a profile
func (s *Server) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	s.users[u.Username] = &cp
	s.byID[u.ID] = &cp
}

// FailNext makes the next requests authenticated with sessionID fail with
// the given status codes, in order
func (s *Server) FailNext(sessionID string, codes ...int) {
	s.mu.Lock()
	s.failures[sessionID] = append(s.failures[sessionID], codes...)
	s.mu.Unlock()
}

// Requests returns how many requests sessionID made
func (s *Server) Requests(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[sessionID]
}

// MaxIDs returns the max_id of every followers request in arrival order,
// including requests rejected by an injected failure
func (s *Server) MaxIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.maxIDs...)
}

// admit counts the request and reports whether a failure was injected
func (s *Server) admit(w http.ResponseWriter, r *http.Request) bool {
	sid := ""
	if c, err := r.Cookie("sessionid"); err == nil {
		sid = c.Value
	}
	if sid == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"message": "login_required", "status": "fail"})
		return false
	}

	s.mu.Lock()
	s.requests[sid]++
	var code int
	if q := s.failures[sid]; len(q) > 0 {
		code, s.failures[sid] = q[0], q[1:]
	}
	s.mu.Unlock()

	if code == 0 {
		return true
	}
	msg := "Please wait a few minutes before you try again."
	if code == http.StatusBadRequest {
		msg = "challenge_required"
	}
	writeJSON(w, code, map[string]interface{}{"message": msg, "status": "fail"})
	return false
}

func (s *Server) lookupID(r *http.Request) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[mux.Vars(r)["id"]]
	return u, ok
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}

	s.mu.Lock()
	u, ok := s.users[r.URL.Query().Get("username")]
	s.mu.Unlock()

	resp := instagram.ProfileResponse{Status: "ok"}
	if ok {
		resp.Data.User = &instagram.ProfileUser{
			ID:             u.ID,
			Username:       u.Username,
			IsPrivate:      u.Private,
			EdgeFollowedBy: instagram.Count{Count: u.Followers},
			EdgeOwnerToTimelineMedia: instagram.TimelineEdge{
				Count: len(u.Posts),
			},
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxID := q.Get("max_id")
	s.mu.Lock()
	s.maxIDs = append(s.maxIDs, maxID)
	s.mu.Unlock()

	if !s.admit(w, r) {
		return
	}
	u, ok := s.lookupID(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "fail"})
		return
	}

	offset, _ := strconv.Atoi(maxID)
	count, err := strconv.Atoi(q.Get("count"))
	if err != nil || count <= 0 {
		count = instagram.MaxFollowersPage
	}
	end := offset + count
	if end > u.Followers {
		end = u.Followers
	}

	page := instagram.FollowersPage{Status: "ok", Users: []instagram.FriendshipUser{}}
	for i := offset; i < end; i++ {
		id := i + 1
		page.Users = append(page.Users, instagram.FriendshipUser{
			PK:       json.Number(strconv.Itoa(100000 + id)),
			Username: fmt.Sprintf("%s_fan_%d", u.Username, id),
		})
	}
	if end < u.Followers {
		page.NextMaxID = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	u, ok := s.lookupID(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "fail"})
		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("max_id"))
	end := offset + instagram.FeedPageSize
	if end > len(u.Posts) {
		end = len(u.Posts)
	}
	if offset > end {
		offset = end
	}

	feed := instagram.FeedResponse{Items: append([]instagram.FeedItem{}, u.Posts[offset:end]...)}
	if end < len(u.Posts) {
		feed.NextMaxID = strconv.Itoa(end)
		feed.MoreAvailable = true
	}
	writeJSON(w, http.StatusOK, feed)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
