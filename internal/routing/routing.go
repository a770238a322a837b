// Package routing derives a business key from a sender address and decides,
// against externally loaded criteria, whether a message should be processed
// downstream.
package routing

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

var addressPattern = regexp.MustCompile(`[\w.-]+@[\w.-]+`)

// ExtractBusiness derives the routing key from a sender address: the first
// domain label of the first email-shaped substring. "invoices@billing.acme.com"
// yields "billing". An empty result means no business could be identified,
// which is a legitimate terminal state, not an error: addresses without an
// @-structure or with an undotted domain ("a@b") have no business.
func ExtractBusiness(address string) string {
	extracted := address
	if m := addressPattern.FindString(address); m != "" {
		extracted = m
	}

	parts := strings.Split(extracted, "@")
	if len(parts) != 2 {
		return ""
	}
	labels := strings.Split(parts[1], ".")
	if len(labels) > 1 {
		return labels[0]
	}
	return ""
}

// Criteria maps business keys to compiled subject inclusion patterns. It is
// loaded from an external document and read-only afterwards.
type Criteria map[string]*regexp.Regexp

// LoadCriteria reads a JSON document of {"business": "pattern"} entries and
// compiles the patterns.
func LoadCriteria(path string) (Criteria, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read criteria file: %w", err)
	}

	var patterns map[string]string
	if err := json.Unmarshal(data, &patterns); err != nil {
		return nil, fmt.Errorf("parse criteria file: %w", err)
	}

	criteria := make(Criteria, len(patterns))
	for business, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("criteria pattern for %s: %w", business, err)
		}
		criteria[business] = re
	}
	return criteria, nil
}

// ShouldProcess reports whether the message belongs downstream: the business
// must be a known key and its pattern must match somewhere in the subject
// (a search, not a full match). Unknown businesses never process, even if a
// pattern would have matched.
func (c Criteria) ShouldProcess(business, subject string) bool {
	re, ok := c[business]
	return ok && re.MatchString(subject)
}
