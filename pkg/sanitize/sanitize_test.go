package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringEscapesHTML(t *testing.T) {
	assert.Equal(t, "&lt;b&gt;boom&lt;/b&gt;", String("  <b>boom</b> "))
}

func TestLogStringStripsNewlines(t *testing.T) {
	assert.Equal(t, "a b c", LogString("a\rb\nc"))
}

func TestEmail(t *testing.T) {
	assert.Equal(t, "ops@example.com", Email("  Ops@Example.COM "))
}

func TestDigits(t *testing.T) {
	assert.Equal(t, "123456", Digits("123 456"))
	assert.Equal(t, "123456", Digits("123-456"))
	assert.Equal(t, "", Digits("abc"))
}

func TestMaskAccountNumber(t *testing.T) {
	assert.Equal(t, "****0000", MaskAccountNumber("5PY00000"))
	assert.Equal(t, "***", MaskAccountNumber("5PY"))
	assert.Equal(t, "", MaskAccountNumber(""))
}
