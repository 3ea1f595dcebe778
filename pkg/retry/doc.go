// Package retry runs operations with configurable backoff and provides the
// randomized delays used to pace requests.
package retry
