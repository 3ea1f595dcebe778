package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"igcrawler/pkg/accounts"
	"igcrawler/pkg/crawler"
	"igcrawler/pkg/models"
)

type addAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Proxy    string `json:"proxy"`
}

type crawlRequest struct {
	TargetUsername string `json:"target_username"`
	MaxCount       int    `json:"max_count"`
	UseRotation    *bool  `json:"use_rotation"`
	Resume         bool   `json:"resume"`
	ForceRestart   bool   `json:"force_restart"`
}

type crawlResponse struct {
	*models.CrawlResult
	Files []string `json:"files,omitempty"`
}

type harvestRequest struct {
	Usernames []string `json:"usernames"`
}

type harvestResponse struct {
	*models.HarvestResult
	Files []string `json:"files,omitempty"`
}

func (s *Server) addAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	acc, err := s.pool.Add(req.Username, req.Password, req.Proxy)
	switch {
	case errors.Is(err, accounts.ErrInvalidAccount):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, accounts.ErrDuplicateAccount):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.WithError(err).Error("Failed to add account")
		writeError(w, http.StatusInternalServerError, "failed to save account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Account " + acc.Username + " added",
		"account": acc.Masked(),
	})
}

func (s *Server) removeAccount(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	err := s.pool.Remove(username)
	switch {
	case errors.Is(err, accounts.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.WithError(err).Error("Failed to remove account")
		writeError(w, http.StatusInternalServerError, "failed to remove account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Account " + accounts.NormalizeUsername(username) + " removed",
	})
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	list := s.pool.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": list,
		"total":    len(list),
	})
}

func (s *Server) accountStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Status())
}

func (s *Server) crawlFollowers(w http.ResponseWriter, r *http.Request) {
	var body crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.TargetUsername == "" {
		writeError(w, http.StatusBadRequest, "target_username is required")
		return
	}
	if s.pool.Len() == 0 {
		writeError(w, http.StatusBadRequest, "no accounts available, add accounts first")
		return
	}

	req := crawler.Request{
		Target:       body.TargetUsername,
		MaxCount:     body.MaxCount,
		UseRotation:  s.crawl.UseRotation,
		Resume:       body.Resume,
		ForceRestart: body.ForceRestart,
	}
	if req.MaxCount <= 0 {
		req.MaxCount = s.crawl.MaxCount
	}
	if body.UseRotation != nil {
		req.UseRotation = *body.UseRotation
	}

	result, err := s.crawler.Crawl(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, crawler.ErrInvalidTarget), errors.Is(err, crawler.ErrNoAccounts):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, crawler.ErrUserNotFound):
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if result == nil || result.TotalCollected == 0 {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}

	resp := crawlResponse{CrawlResult: result}
	resp.Files = s.saveCrawl(r, result)

	status := http.StatusOK
	if !result.Success {
		status = http.StatusPartialContent
	}
	writeJSON(w, status, resp)
}

func (s *Server) saveCrawl(r *http.Request, result *models.CrawlResult) []string {
	var files []string
	if s.files != nil {
		paths, err := s.files.SaveResult(result)
		if err != nil {
			s.logger.WithError(err).Error("Failed to write crawl result")
		}
		files = paths
	}
	if s.db != nil {
		if err := s.db.SaveResult(r.Context(), result); err != nil {
			s.logger.WithError(err).Error("Failed to store crawl result")
		}
	}
	return files
}

func (s *Server) harvestProfiles(w http.ResponseWriter, r *http.Request) {
	var body harvestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Usernames) == 0 {
		writeError(w, http.StatusBadRequest, "usernames is required")
		return
	}
	if s.pool.Len() == 0 {
		writeError(w, http.StatusBadRequest, "no accounts available, add accounts first")
		return
	}

	result, err := s.crawler.HarvestProfiles(r.Context(), body.Usernames)
	if err != nil && (result == nil || len(result.Profiles) == 0) {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := harvestResponse{HarvestResult: result}
	if len(result.Profiles) > 0 {
		if s.files != nil {
			paths, err := s.files.SaveProfiles("profiles", result.Profiles)
			if err != nil {
				s.logger.WithError(err).Error("Failed to write profiles")
			}
			resp.Files = paths
		}
		if s.db != nil {
			if err := s.db.SaveProfiles(r.Context(), result.Profiles); err != nil {
				s.logger.WithError(err).Error("Failed to store profiles")
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
