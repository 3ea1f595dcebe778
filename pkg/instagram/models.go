package instagram

import (
	"encoding/json"
	"math"
	"time"
)

// ProfileResponse is the envelope of the web_profile_info endpoint
type ProfileResponse struct {
	RequiresToLogin bool        `json:"requires_to_login"`
	Data            ProfileData `json:"data"`
	Status          string      `json:"status"`
}

// ProfileData wraps the user information in the response
type ProfileData struct {
	User *ProfileUser `json:"user"`
}

// ProfileUser is the raw user object of web_profile_info
type ProfileUser struct {
	ID                       string       `json:"id"`
	Username                 string       `json:"username"`
	FullName                 string       `json:"full_name"`
	Biography                string       `json:"biography"`
	IsVerified               bool         `json:"is_verified"`
	IsPrivate                bool         `json:"is_private"`
	ProfilePicURL            string       `json:"profile_pic_url"`
	ProfilePicURLHD          string       `json:"profile_pic_url_hd"`
	CategoryName             string       `json:"category_name"`
	EdgeFollowedBy           Count        `json:"edge_followed_by"`
	EdgeFollow               Count        `json:"edge_follow"`
	EdgeOwnerToTimelineMedia TimelineEdge `json:"edge_owner_to_timeline_media"`
}

// Count is the {"count": n} wrapper Instagram uses for counters
type Count struct {
	Count int `json:"count"`
}

// TimelineEdge contains the user's media information
type TimelineEdge struct {
	Count    int      `json:"count"`
	PageInfo PageInfo `json:"page_info"`
	Edges    []Edge   `json:"edges"`
}

// PageInfo contains pagination information
type PageInfo struct {
	HasNextPage bool   `json:"has_next_page"`
	EndCursor   string `json:"end_cursor"`
}

// Edge wraps a single media node
type Edge struct {
	Node Node `json:"node"`
}

// Node represents a single timeline media item
type Node struct {
	ID                 string `json:"id"`
	Shortcode          string `json:"shortcode"`
	DisplayURL         string `json:"display_url"`
	IsVideo            bool   `json:"is_video"`
	ProductType        string `json:"product_type"`
	VideoViewCount     *int   `json:"video_view_count"`
	TakenAtTimestamp   int64  `json:"taken_at_timestamp"`
	EdgeLikedBy        Count  `json:"edge_liked_by"`
	EdgeMediaToComment Count  `json:"edge_media_to_comment"`
	EdgeMediaToCaption struct {
		Edges []struct {
			Node struct {
				Text string `json:"text"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"edge_media_to_caption"`
}

// Post is a normalized recent post, from either the profile timeline or the
// feed endpoint
type Post struct {
	ID           string `json:"id"`
	Shortcode    string `json:"shortcode"`
	IsReel       bool   `json:"is_reel"`
	MediaType    int    `json:"media_type,omitempty"`
	Caption      string `json:"caption"`
	LikeCount    int    `json:"like_count"`
	CommentCount int    `json:"comment_count"`
	ViewCount    *int   `json:"view_count"`
	MediaURL     string `json:"media_url"`
	VideoURL     string `json:"video_url,omitempty"`
	TakenAt      int64  `json:"taken_at_timestamp"`
}

// PostFromNode converts a timeline node
func PostFromNode(n Node) Post {
	p := Post{
		ID:           n.ID,
		Shortcode:    n.Shortcode,
		IsReel:       n.ProductType == "clips",
		LikeCount:    n.EdgeLikedBy.Count,
		CommentCount: n.EdgeMediaToComment.Count,
		ViewCount:    n.VideoViewCount,
		MediaURL:     n.DisplayURL,
		TakenAt:      n.TakenAtTimestamp,
	}
	if len(n.EdgeMediaToCaption.Edges) > 0 {
		p.Caption = n.EdgeMediaToCaption.Edges[0].Node.Text
	}
	return p
}

// Profile is the normalized profile returned by FetchProfile
type Profile struct {
	UserID         string   `json:"user_id"`
	Username       string   `json:"username"`
	FullName       string   `json:"full_name"`
	Biography      string   `json:"bio"`
	IsVerified     bool     `json:"is_verified"`
	IsPrivate      bool     `json:"is_private"`
	Followers      int      `json:"followers"`
	Following      int      `json:"following"`
	Posts          int      `json:"posts"`
	ProfilePicURL  string   `json:"profile_pic_url"`
	Category       string   `json:"category"`
	EngagementRate *float64 `json:"engagement_rate"`
	RecentPosts    []Post   `json:"recent_posts,omitempty"`
}

// ProfileFromUser normalizes the raw user object
func ProfileFromUser(u *ProfileUser) *Profile {
	pic := u.ProfilePicURLHD
	if pic == "" {
		pic = u.ProfilePicURL
	}
	p := &Profile{
		UserID:        u.ID,
		Username:      u.Username,
		FullName:      u.FullName,
		Biography:     u.Biography,
		IsVerified:    u.IsVerified,
		IsPrivate:     u.IsPrivate,
		Followers:     u.EdgeFollowedBy.Count,
		Following:     u.EdgeFollow.Count,
		Posts:         u.EdgeOwnerToTimelineMedia.Count,
		ProfilePicURL: pic,
		Category:      u.CategoryName,
	}
	for _, e := range u.EdgeOwnerToTimelineMedia.Edges {
		p.RecentPosts = append(p.RecentPosts, PostFromNode(e.Node))
	}
	return p
}

// EngagementRate is the average likes plus comments per post as a
// percentage of followers, rounded to two places. It is nil when the
// account has no followers and 0 when there are no posts.
func EngagementRate(followers int, posts []Post) *float64 {
	if followers <= 0 {
		return nil
	}
	rate := 0.0
	if len(posts) > 0 {
		total := 0
		for _, p := range posts {
			total += p.LikeCount + p.CommentCount
		}
		avg := float64(total) / float64(len(posts))
		rate = math.Round(avg/float64(followers)*100*100) / 100
	}
	return &rate
}

// ApplyEngagement fills EngagementRate from RecentPosts
func (p *Profile) ApplyEngagement() {
	p.EngagementRate = EngagementRate(p.Followers, p.RecentPosts)
}

// FriendshipUser is one entry of the followers endpoint
type FriendshipUser struct {
	PK            json.Number `json:"pk"`
	Username      string      `json:"username"`
	FullName      string      `json:"full_name"`
	ProfilePicURL string      `json:"profile_pic_url"`
	IsVerified    bool        `json:"is_verified"`
	IsPrivate     bool        `json:"is_private"`
	FollowerCount int         `json:"follower_count"`
}

// FollowersPage is one page of the followers endpoint. An empty NextMaxID
// marks the last page.
type FollowersPage struct {
	Users     []FriendshipUser `json:"users"`
	NextMaxID string           `json:"next_max_id"`
	Status    string           `json:"status"`
}

// Follower is a collected follower tagged with the account that fetched it
type Follower struct {
	UserID        string    `json:"user_id"`
	Username      string    `json:"username"`
	FullName      string    `json:"full_name"`
	ProfilePicURL string    `json:"profile_pic_url"`
	IsVerified    bool      `json:"is_verified"`
	IsPrivate     bool      `json:"is_private"`
	FollowerCount int       `json:"follower_count"`
	CollectedBy   string    `json:"collected_by"`
	CollectedAt   time.Time `json:"collected_at"`
}

// ToFollower tags u with the collecting account
func (u FriendshipUser) ToFollower(collectedBy string, at time.Time) Follower {
	return Follower{
		UserID:        u.PK.String(),
		Username:      u.Username,
		FullName:      u.FullName,
		ProfilePicURL: u.ProfilePicURL,
		IsVerified:    u.IsVerified,
		IsPrivate:     u.IsPrivate,
		FollowerCount: u.FollowerCount,
		CollectedBy:   collectedBy,
		CollectedAt:   at,
	}
}

// FeedResponse is one page of the user feed endpoint
type FeedResponse struct {
	Items         []FeedItem `json:"items"`
	NextMaxID     string     `json:"next_max_id"`
	MoreAvailable bool       `json:"more_available"`
}

// FeedItem is a raw feed media item
type FeedItem struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	MediaType    int    `json:"media_type"`
	LikeCount    int    `json:"like_count"`
	CommentCount int    `json:"comment_count"`
	ViewCount    *int   `json:"view_count"`
	TakenAt      int64  `json:"taken_at"`
	Caption      *struct {
		Text string `json:"text"`
	} `json:"caption"`
	ImageVersions2 struct {
		Candidates []struct {
			URL string `json:"url"`
		} `json:"candidates"`
	} `json:"image_versions2"`
	VideoVersions []struct {
		URL string `json:"url"`
	} `json:"video_versions"`
}

// ToPost normalizes a feed item. media_type 2 is a video or reel.
func (f FeedItem) ToPost() Post {
	p := Post{
		ID:           f.ID,
		Shortcode:    f.Code,
		IsReel:       f.MediaType == 2,
		MediaType:    f.MediaType,
		LikeCount:    f.LikeCount,
		CommentCount: f.CommentCount,
		ViewCount:    f.ViewCount,
		TakenAt:      f.TakenAt,
	}
	if f.Caption != nil {
		p.Caption = f.Caption.Text
	}
	if len(f.ImageVersions2.Candidates) > 0 {
		p.MediaURL = f.ImageVersions2.Candidates[0].URL
	}
	if len(f.VideoVersions) > 0 {
		p.VideoURL = f.VideoVersions[0].URL
	}
	return p
}
