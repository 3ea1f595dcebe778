package instagram

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// BaseURL is the private API host
	BaseURL = "https://i.instagram.com"

	// WebURL is the public web host, used for referers and profile links
	WebURL = "https://www.instagram.com"

	// ProfileEndpoint is the endpoint for user profiles
	ProfileEndpoint = "/api/v1/users/web_profile_info/"

	// FollowersEndpoint is the followers list of a user id
	FollowersEndpoint = "/api/v1/friendships/%s/followers/"

	// FeedEndpoint is the media feed of a user id
	FeedEndpoint = "/api/v1/feed/user/%s/"

	// MaxFollowersPage is the largest page the followers endpoint serves
	MaxFollowersPage = 50

	// FeedPageSize is the page size of the feed endpoint
	FeedPageSize = 12

	// SearchSurface is sent with follower list requests
	SearchSurface = "follow_list_page"
)

// ProfileURL constructs the URL for fetching a user's profile
func ProfileURL(base, username string) string {
	params := url.Values{}
	params.Set("username", username)
	return base + ProfileEndpoint + "?" + params.Encode()
}

// FollowersURL constructs one followers page request. count is clamped to
// 1..MaxFollowersPage; maxID is omitted on the first page.
func FollowersURL(base, userID, maxID string, count int) string {
	if count <= 0 || count > MaxFollowersPage {
		count = MaxFollowersPage
	}
	params := url.Values{}
	params.Set("count", strconv.Itoa(count))
	params.Set("search_surface", SearchSurface)
	if maxID != "" {
		params.Set("max_id", maxID)
	}
	return base + fmt.Sprintf(FollowersEndpoint, url.PathEscape(userID)) + "?" + params.Encode()
}

// FeedURL constructs one user feed page request
func FeedURL(base, userID, maxID string) string {
	params := url.Values{}
	params.Set("count", strconv.Itoa(FeedPageSize))
	if maxID != "" {
		params.Set("max_id", maxID)
	}
	return base + fmt.Sprintf(FeedEndpoint, url.PathEscape(userID)) + "?" + params.Encode()
}

// UserProfileURL constructs the public profile URL for a user
func UserProfileURL(username string) string {
	if username == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/", WebURL, username)
}

// PostURL constructs the URL for a specific post
func PostURL(shortcode string) string {
	if shortcode == "" {
		return ""
	}
	return fmt.Sprintf("%s/p/%s/", WebURL, shortcode)
}

// IsValidUsername checks if a username is valid according to Instagram rules
func IsValidUsername(username string) bool {
	if username == "" || len(username) > 30 {
		return false
	}

	// Instagram usernames can only contain letters, numbers, periods, and underscores
	for _, char := range username {
		if !((char >= 'a' && char <= 'z') ||
			(char >= 'A' && char <= 'Z') ||
			(char >= '0' && char <= '9') ||
			char == '.' || char == '_') {
			return false
		}
	}

	return true
}

// SanitizeUsername strips a leading @, surrounding spaces and trailing
// slashes. Profile URLs are reduced to their username.
func SanitizeUsername(username string) string {
	username = strings.TrimSpace(username)
	for _, prefix := range []string{WebURL + "/", "http://www.instagram.com/", "instagram.com/"} {
		username = strings.TrimPrefix(username, prefix)
	}
	username = strings.TrimPrefix(username, "@")
	return strings.TrimRight(username, "/ ")
}
