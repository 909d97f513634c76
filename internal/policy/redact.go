package policy

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var (
	tokenHeaderPattern = regexp.MustCompile(`(?i)\b(token|bearer|basic)\s+[A-Za-z0-9._~+/=\-]+(:[A-Za-z0-9._~+/=\-]+)?`)
	credentialPattern  = regexp.MustCompile(`(?i)\b(api_key|api_secret|apikey|password|passwd|pwd|sid)(["']?\s*[:=]\s*["']?)[^\s"'&,;}]+`)
)

var sensitiveKeys = map[string]struct{}{
	"api_key":       {},
	"api_secret":    {},
	"password":      {},
	"new_password":  {},
	"authorization": {},
	"sid":           {},
	"token":         {},
}

// Redactor scrubs configured secrets and credential-looking fragments from
// text that may reach a caller or a log line.
type Redactor struct {
	secrets []string
}

func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	r.AddSecrets(secrets...)
	return r
}

func (r *Redactor) AddSecrets(secrets ...string) {
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		// Very short values would shred unrelated text.
		if len(secret) < 4 {
			continue
		}
		r.secrets = append(r.secrets, secret)
	}
}

func (r *Redactor) String(value string) string {
	if value == "" {
		return value
	}
	out := value
	if r != nil {
		for _, secret := range r.secrets {
			out = strings.ReplaceAll(out, secret, redacted)
		}
	}
	out = tokenHeaderPattern.ReplaceAllString(out, "$1 "+redacted)
	out = credentialPattern.ReplaceAllString(out, "$1$2"+redacted)
	return out
}

// Value returns a redacted deep copy of a decoded JSON value. Values stored
// under credential keys are replaced entirely.
func (r *Redactor) Value(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, child := range typed {
			if _, sensitive := sensitiveKeys[strings.ToLower(key)]; sensitive {
				cloned[key] = redacted
				continue
			}
			cloned[key] = r.Value(child)
		}
		return cloned
	case []any:
		cloned := make([]any, 0, len(typed))
		for _, child := range typed {
			cloned = append(cloned, r.Value(child))
		}
		return cloned
	case []string:
		cloned := make([]string, 0, len(typed))
		for _, child := range typed {
			cloned = append(cloned, r.String(child))
		}
		return cloned
	case string:
		return r.String(typed)
	default:
		return value
	}
}

// Map is Value for the common details shape.
func (r *Redactor) Map(value map[string]any) map[string]any {
	if value == nil {
		return map[string]any{}
	}
	return r.Value(value).(map[string]any)
}
