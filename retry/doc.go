// Package retry runs operations with capped exponential backoff and jitter.
package retry
