// Package instagram is a small client for the private i.instagram.com API
// endpoints the crawler needs: profile lookup, the followers list and the
// user feed.
//
// Every call carries the session cookies of the account making it and may be
// routed through that account's proxy:
//
//	client := instagram.NewClient(instagram.OptionsFromConfig(cfg.HTTP), log)
//	profile, err := client.FetchProfile(ctx, sess, acc.Proxy, "target")
//	page, err := client.FetchFollowersPage(ctx, sess, acc.Proxy, profile.UserID, "", 50)
//
// Non-2xx responses come back as *errors.Error values whose Type tells the
// caller whether to rotate, re-login or give up.
package instagram
