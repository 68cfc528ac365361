// Package batch splits a campaign's recipient list into chunks the
// aggregator will accept in a single call.
package batch

import (
	"regexp"
	"strings"
)

// DefaultMaxBatchSize is the aggregator's documented per-call recipient cap.
const DefaultMaxBatchSize = 200

// Chunk splits recipients into slices of at most max, preserving order. The
// last chunk may be smaller. Duplicates are not removed: a phone listed
// twice is two send targets, which keeps user-visible send counts honest.
func Chunk(recipients []string, max int) [][]string {
	if max <= 0 {
		max = DefaultMaxBatchSize
	}
	if len(recipients) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(recipients)+max-1)/max)
	for start := 0; start < len(recipients); start += max {
		end := start + max
		if end > len(recipients) {
			end = len(recipients)
		}
		chunks = append(chunks, recipients[start:end])
	}
	return chunks
}

var (
	separators = strings.NewReplacer("-", "", " ", "", "(", "", ")", "", ".", "")
	mobileForm = regexp.MustCompile(`^01[016789]\d{7,8}$`)
)

// NormalizePhone strips formatting separators, leaving digits only.
// Validation is separate; normalization never rejects.
func NormalizePhone(raw string) string {
	return separators.Replace(strings.TrimSpace(raw))
}

// ValidRecipient reports whether a normalized number is a mobile number the
// aggregator can deliver to.
func ValidRecipient(normalized string) bool {
	return mobileForm.MatchString(normalized)
}

// NormalizeAll normalizes every entry and partitions out the ones that are
// not deliverable. Order is preserved in both slices.
func NormalizeAll(raw []string) (valid, rejected []string) {
	for _, r := range raw {
		n := NormalizePhone(r)
		if ValidRecipient(n) {
			valid = append(valid, n)
		} else {
			rejected = append(rejected, r)
		}
	}
	return valid, rejected
}
