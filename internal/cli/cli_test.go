package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conte777/connector-service/config"
	"github.com/Conte777/connector-service/internal/infrastructure/vault"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	root := NewRootCmd()
	assert.Equal(t, "connector-service", root.Use)

	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "keygen", "encrypt", "version"})
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "connector-service dev")
	assert.Contains(t, out, GetVersionInfo().GoVersion)
}

func TestKeygenThenEncrypt(t *testing.T) {
	out, err := execute(t, "", "keygen")
	require.NoError(t, err)
	key := strings.TrimSpace(out)
	decoded, err := config.DecodeMasterKey(key)
	require.NoError(t, err)

	tests := []struct {
		name  string
		stdin string
		args  []string
	}{
		{name: "argument", args: []string{"encrypt", "--key", key, "s3cret"}},
		{name: "stdin", stdin: "s3cret\n", args: []string{"encrypt", "--key", key}},
	}

	v, err := vault.New(decoded)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.stdin, tt.args...)
			require.NoError(t, err)

			plain, err := v.Decrypt(strings.TrimSpace(out))
			require.NoError(t, err)
			assert.Equal(t, "s3cret", plain)
		})
	}
}

func TestEncrypt_Errors(t *testing.T) {
	t.Setenv("VAULT_MASTER_KEY", "")

	_, err := execute(t, "", "encrypt", "--key", "abcd", "x")
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	_, err = execute(t, "", "encrypt", "--key", key)
	assert.ErrorContains(t, err, "read plaintext")
}
