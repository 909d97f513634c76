package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactorStringRemovesConfiguredSecrets(t *testing.T) {
	r := NewRedactor("key-123456", "secret-abcdef", "ab")

	out := r.String("auth failed for key-123456 using secret-abcdef")

	assert.NotContains(t, out, "key-123456")
	assert.NotContains(t, out, "secret-abcdef")
	assert.Contains(t, out, "[REDACTED]")
}

func TestRedactorStringMasksCredentialPatterns(t *testing.T) {
	r := NewRedactor()

	cases := map[string]string{
		"header":   "Authorization: token abc123:def456 rejected",
		"bearer":   "got Bearer eyJhbGciOi.payload.sig",
		"password": `login failed password=hunter22 for user`,
		"json":     `{"api_secret": "s3cr3t"}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			out := r.String(input)
			assert.Contains(t, out, "[REDACTED]")
			assert.NotContains(t, out, "abc123")
			assert.NotContains(t, out, "hunter22")
			assert.NotContains(t, out, "s3cr3t")
			assert.NotContains(t, out, "eyJhbGciOi")
		})
	}
}

func TestRedactorValueClonesAndMasksSensitiveKeys(t *testing.T) {
	r := NewRedactor("topsecretvalue")
	input := map[string]any{
		"password": "plain",
		"nested": map[string]any{
			"note": "contains topsecretvalue",
			"list": []any{"topsecretvalue", 42.0},
		},
	}

	out := r.Map(input)

	assert.Equal(t, "[REDACTED]", out["password"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, "contains [REDACTED]", nested["note"])
	assert.Equal(t, []any{"[REDACTED]", 42.0}, nested["list"])
	assert.Equal(t, "plain", input["password"], "input must not be mutated")
}

func TestRedactorMapNil(t *testing.T) {
	var r *Redactor
	assert.Equal(t, map[string]any{}, r.Map(nil))
	assert.Equal(t, "plain text", r.String("plain text"))
}
