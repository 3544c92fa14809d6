package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("AEGIS_TEST_DSN", "postgres://localhost/aegis")

	out := ExpandEnv([]byte("dsn: \"{{.AEGIS_TEST_DSN}}\""))
	assert.Equal(t, "dsn: \"postgres://localhost/aegis\"", string(out))
}

func TestExpandEnvMissingVariable(t *testing.T) {
	out := ExpandEnv([]byte("key: \"{{.AEGIS_DEFINITELY_UNSET_VAR}}\""))
	assert.Equal(t, "key: \"\"", string(out))
}

func TestExpandEnvLiteralDollarUntouched(t *testing.T) {
	in := []byte("pattern: \"^\\\\$ref.*$\"")
	assert.Equal(t, in, ExpandEnv(in))
}

func TestExpandEnvMalformedTemplatePassthrough(t *testing.T) {
	in := []byte("key: {{.UNCLOSED")
	assert.Equal(t, in, ExpandEnv(in))
}

func TestExpandEnvValueContainingEquals(t *testing.T) {
	t.Setenv("AEGIS_TEST_QUERY", "a=1&b=2")

	out := ExpandEnv([]byte("query: {{.AEGIS_TEST_QUERY}}"))
	assert.Equal(t, "query: a=1&b=2", string(out))
}
