package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestParsePasswd(t *testing.T) {
	users, err := ParsePasswd(strings.NewReader(`
# comment
test:1234

empty:
colon:a:b
`))
	require.NoError(t, err)
	assert.Equal(t, 3, users.Len())

	assert.NoError(t, users.Verify("test", "1234"))
	assert.NoError(t, users.Verify("empty", ""))
	assert.NoError(t, users.Verify("colon", "a:b"))
}

func TestParsePasswdErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing colon", "test\n"},
		{"empty name", ":secret\n"},
		{"duplicate", "a:1\na:2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePasswd(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
		})
	}
}

func TestVerifyFailures(t *testing.T) {
	users, err := New([]User{{Name: "test", Password: "1234"}})
	require.NoError(t, err)

	for _, pair := range [][2]string{{"test", "1235"}, {"test", ""}, {"nobody", "1234"}} {
		err := users.Verify(pair[0], pair[1])
		require.Error(t, err)
		assert.Equal(t, errors.CodeUnauthorized, errors.GetCode(err))
	}
}

func TestVerifyBcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	users, err := ParsePasswd(strings.NewReader("admin:" + string(hash) + "\n"))
	require.NoError(t, err)

	assert.NoError(t, users.Verify("admin", "s3cret"))
	assert.Error(t, users.Verify("admin", "wrong"))
	assert.Error(t, users.Verify("admin", string(hash)))
}

func TestParseYAML(t *testing.T) {
	users, err := ParseYAML([]byte(`
users:
  - name: test
    password: "1234"
  - name: guest
    password: guest
`))
	require.NoError(t, err)
	assert.Equal(t, 2, users.Len())
	assert.NoError(t, users.Verify("test", "1234"))
	assert.NoError(t, users.Verify("guest", "guest"))

	_, err = ParseYAML([]byte("users: [unterminated"))
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
}

func TestLoadPicksFormat(t *testing.T) {
	dir := t.TempDir()

	passwd := filepath.Join(dir, "passwd")
	require.NoError(t, os.WriteFile(passwd, []byte("test:1234\n"), 0o600))
	yml := filepath.Join(dir, "users.yaml")
	require.NoError(t, os.WriteFile(yml, []byte("users:\n  - name: yaml\n    password: pw\n"), 0o600))

	users, err := Load(passwd)
	require.NoError(t, err)
	assert.NoError(t, users.Verify("test", "1234"))

	users, err = Load(yml)
	require.NoError(t, err)
	assert.NoError(t, users.Verify("yaml", "pw"))

	_, err = Load(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
