// Package personalize fills per-recipient merge tags into campaign templates.
//
// Supported tags are {{email}}, {{name}}, {{company}} and {{position}}. No
// company or position data is tracked per recipient, so those two render
// empty. Any other {{tag}} is left exactly as written.
package personalize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	TagEmail    = "{{email}}"
	TagName     = "{{name}}"
	TagCompany  = "{{company}}"
	TagPosition = "{{position}}"
)

var nameSeparators = strings.NewReplacer(".", " ", "_", " ", "-", " ")

// DisplayName derives a greeting name from the local part of the address:
// separators become spaces and only the first character is upper-cased.
// "john.doe@x.com" gives "John doe".
func DisplayName(recipient string) string {
	local := recipient
	if at := strings.IndexByte(recipient, '@'); at >= 0 {
		local = recipient[:at]
	}
	name := nameSeparators.Replace(local)
	if name == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r)) + name[size:]
}

// Personalize renders template for recipient.
func Personalize(template, recipient string) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	r := strings.NewReplacer(
		TagEmail, recipient,
		TagName, DisplayName(recipient),
		TagCompany, "",
		TagPosition, "",
	)
	return r.Replace(template)
}

// Message is a personalized subject and body pair.
type Message struct {
	Subject string
	Body    string
}

// Render personalizes both subject and body for recipient.
func Render(subject, body, recipient string) Message {
	return Message{
		Subject: Personalize(subject, recipient),
		Body:    Personalize(body, recipient),
	}
}
