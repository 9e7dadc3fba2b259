// Package validator classifies raw recipient addresses before a campaign is
// dispatched. It is a syntactic and heuristic filter only: no DNS or SMTP
// probing happens here.
package validator

import (
	"fmt"
	"strings"
	"unicode"
)

// Rejection reasons reported in VerificationResult.Reason.
const (
	ReasonInvalidFormat = "invalid format"
	ReasonDisposable    = "disposable domain not allowed"
	ReasonDuplicate     = "duplicate"
)

// disposableDomains are throwaway inbox providers we refuse to send to.
var disposableDomains = map[string]struct{}{
	"tempmail.com":      {},
	"throwaway.com":     {},
	"guerrillamail.com": {},
	"mailinator.com":    {},
	"10minutemail.com":  {},
	"temp-mail.org":     {},
	"fakeinbox.com":     {},
	"trashmail.com":     {},
}

// commonTypos maps misspelled consumer domains to the intended domain.
var commonTypos = map[string]string{
	"gmial.com":  "gmail.com",
	"gmal.com":   "gmail.com",
	"gamil.com":  "gmail.com",
	"gnail.com":  "gmail.com",
	"hotmal.com": "hotmail.com",
	"hotmai.com": "hotmail.com",
	"yahooo.com": "yahoo.com",
	"yaho.com":   "yahoo.com",
}

// VerificationResult is the outcome for one raw input address.
type VerificationResult struct {
	Email   string `json:"email"`
	IsValid bool   `json:"isValid"`
	Reason  string `json:"error,omitempty"`
}

// Err returns the rejection as an *Error, or nil for a valid address.
func (r VerificationResult) Err() error {
	if r.IsValid {
		return nil
	}
	return &Error{Email: r.Email, Reason: r.Reason}
}

// Error is a terminal rejection of a single address. Rejected addresses are
// never attempted.
type Error struct {
	Email  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid recipient %q: %s", e.Email, e.Reason)
}

// Normalize trims surrounding whitespace and lower-cases the address.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ValidateOne checks a single address without duplicate tracking.
func ValidateOne(raw string) VerificationResult {
	email := Normalize(raw)

	local, domain, ok := splitAddress(email)
	if !ok {
		return VerificationResult{Email: email, Reason: ReasonInvalidFormat}
	}
	if _, bad := disposableDomains[domain]; bad {
		return VerificationResult{Email: email, Reason: ReasonDisposable}
	}
	if fixed, typo := commonTypos[domain]; typo {
		return VerificationResult{
			Email:  email,
			Reason: fmt.Sprintf("did you mean %s@%s?", local, fixed),
		}
	}
	return VerificationResult{Email: email, IsValid: true}
}

// Validate classifies every raw address, preserving order and producing
// exactly one result per input. The first occurrence of a normalized address
// is checked normally; every later occurrence is rejected as a duplicate
// whatever the first occurrence's verdict was.
func Validate(raw []string) []VerificationResult {
	results := make([]VerificationResult, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))

	for _, r := range raw {
		email := Normalize(r)
		if _, dup := seen[email]; dup {
			results = append(results, VerificationResult{Email: email, Reason: ReasonDuplicate})
			continue
		}
		seen[email] = struct{}{}
		results = append(results, ValidateOne(r))
	}
	return results
}

// Valid returns the accepted addresses in input order.
func Valid(results []VerificationResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		if r.IsValid {
			out = append(out, r.Email)
		}
	}
	return out
}

// Summary counts a verification run.
type Summary struct {
	Total   int `json:"totalEmails"`
	Valid   int `json:"validEmails"`
	Invalid int `json:"invalidEmails"`
}

// Summarize tallies valid and invalid results.
func Summarize(results []VerificationResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.IsValid {
			s.Valid++
		} else {
			s.Invalid++
		}
	}
	return s
}

// splitAddress accepts local@domain where the local part is non-empty, the
// domain has at least one dot and no empty label, and there is no Unicode
// whitespace or second '@' anywhere.
func splitAddress(email string) (local, domain string, ok bool) {
	if email == "" || strings.IndexFunc(email, unicode.IsSpace) >= 0 {
		return "", "", false
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || strings.Count(email, "@") != 1 {
		return "", "", false
	}
	local, domain = email[:at], email[at+1:]
	if !strings.Contains(domain, ".") {
		return "", "", false
	}
	for _, label := range strings.Split(domain, ".") {
		if label == "" {
			return "", "", false
		}
	}
	return local, domain, true
}
