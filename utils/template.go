package utils

import (
	"regexp"
	"strings"

	"github.com/jaytaylor/html2text"
)

// Placeholder variants seen in template bodies. Rich text editors
// HTML-encode the curly braces, so those forms are matched too.
var namePlaceholders = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\{\{CONTACT_NAME\}\}`),
	regexp.MustCompile(`(?i)\{\{NAME\}\}`),
	regexp.MustCompile(`(?i)&#123;&#123;NAME&#125;&#125;`),
}

// PersonalizeTemplate substitutes the contact-name placeholder in a
// subject or body. An empty name leaves placeholders untouched.
func PersonalizeTemplate(template, contactName string) string {
	if contactName == "" {
		return template
	}
	processed := template
	for _, re := range namePlaceholders {
		processed = re.ReplaceAllString(processed, contactName)
	}
	return processed
}

// InjectUnsubscribeLink appends an unsubscribe footer to an HTML body
// unless the body already carries an unsubscribe link of its own.
func InjectUnsubscribeLink(html, unsubscribeURL string) string {
	if unsubscribeURL == "" || strings.Contains(strings.ToLower(html), "unsubscribe") {
		return html
	}
	footer := `<div style="margin-top: 20px; padding: 10px; border-top: 1px solid #eee; font-size: 12px; color: #666;">` +
		`<p>If you no longer wish to receive these emails, you can <a href="` + unsubscribeURL + `" style="color: #666;">unsubscribe here</a>.</p>` +
		`</div>`
	return html + footer
}

// HTMLToText derives a plain-text body from HTML for templates that
// carry no explicit text variant.
func HTMLToText(html string) string {
	text, err := html2text.FromString(html, html2text.Options{TextOnly: true})
	if err != nil {
		// Fall back to the raw markup rather than sending an empty body.
		return html
	}
	return text
}
