package campaigns

import (
	"maps"
	"regexp"
	"strings"

	"github.com/bissquit/chat-relay/internal/domain"
	"golang.org/x/text/unicode/norm"
)

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Render substitutes {{name}} placeholders from vars. Unknown names render
// as an empty string. The result is NFC-normalized.
func Render(tmpl string, vars map[string]string) string {
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		return vars[placeholder.FindStringSubmatch(m)[1]]
	})
	return norm.NFC.String(out)
}

// Variables returns the template variables of a contact. Contact fields
// take precedence over attributes with the same name.
func Variables(c domain.Contact) map[string]string {
	vars := make(map[string]string, len(c.Attributes)+4)
	maps.Copy(vars, c.Attributes)

	vars["name"] = c.Name
	vars["phone"] = c.Phone
	vars["email"] = c.Email
	if fields := strings.Fields(c.Name); len(fields) > 0 {
		vars["first_name"] = fields[0]
	} else {
		vars["first_name"] = ""
	}
	return vars
}
