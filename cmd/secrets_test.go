package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/vcmatrix/pkg/secrets"
)

type fakeSecretStore struct {
	values map[string]string
}

func (s *fakeSecretStore) Get(name string) (string, error) {
	v, ok := s.values[name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, secrets.ErrNotFound)
	}
	return v, nil
}

func (s *fakeSecretStore) Set(name, value string) error {
	s.values[name] = value
	return nil
}

func (s *fakeSecretStore) Delete(name string) error {
	if _, ok := s.values[name]; !ok {
		return fmt.Errorf("%s: %w", name, secrets.ErrNotFound)
	}
	delete(s.values, name)
	return nil
}

func (s *fakeSecretStore) List() ([]string, error) {
	names := make([]string, 0, len(s.values))
	for n := range s.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fakeSecretStore) Path() string      { return "/tmp/secrets.yaml" }
func (s *fakeSecretStore) KeySource() string { return "test key" }

func runSecrets(t *testing.T, store *fakeSecretStore, stdin string, args ...string) (string, error) {
	t.Helper()
	deps := &CommandDeps{OpenSecrets: func() (SecretStore, error) { return store, nil }}
	cmd := NewSecretsCommand(deps)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSecrets_SetGetMasked(t *testing.T) {
	store := &fakeSecretStore{values: map[string]string{}}

	out, err := runSecrets(t, store, "", "set", "tavily_api_key", "tvly-abcdef123456")
	require.NoError(t, err)
	assert.Contains(t, out, "Stored tavily_api_key in /tmp/secrets.yaml")

	out, err = runSecrets(t, store, "", "get", "tavily_api_key")
	require.NoError(t, err)
	assert.Equal(t, "*************3456\n", out)

	out, err = runSecrets(t, store, "", "get", "tavily_api_key", "--show")
	require.NoError(t, err)
	assert.Equal(t, "tvly-abcdef123456\n", out)
}

func TestSecrets_SetFromStdin(t *testing.T) {
	store := &fakeSecretStore{values: map[string]string{}}
	_, err := runSecrets(t, store, "sk-ant-secret\n", "set", "anthropic_api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret", store.values["anthropic_api_key"])
}

func TestSecrets_SetRejectsEmptyAndInvalid(t *testing.T) {
	store := &fakeSecretStore{values: map[string]string{}}

	_, err := runSecrets(t, store, "\n", "set", "anthropic_api_key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be empty")

	_, err = runSecrets(t, store, "", "set", "Bad-Name", "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, secrets.ErrInvalidName))
	assert.Empty(t, store.values)
}

func TestSecrets_GetMissing(t *testing.T) {
	store := &fakeSecretStore{values: map[string]string{}}
	_, err := runSecrets(t, store, "", "get", "wolfram_app_id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `secret "wolfram_app_id" is not set`)
}

func TestSecrets_ListAndDelete(t *testing.T) {
	store := &fakeSecretStore{values: map[string]string{"b_key": "1", "a_key": "2"}}

	out, err := runSecrets(t, store, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "key: test key")
	assert.Less(t, strings.Index(out, "a_key"), strings.Index(out, "b_key"))

	out, err = runSecrets(t, store, "", "rm", "a_key")
	require.NoError(t, err)
	assert.Equal(t, "Deleted a_key\n", out)

	_, err = runSecrets(t, store, "", "delete", "a_key")
	require.Error(t, err)

	delete(store.values, "b_key")
	out, err = runSecrets(t, store, "", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "No secrets stored.")
}

func TestSecrets_OpenError(t *testing.T) {
	deps := &CommandDeps{OpenSecrets: func() (SecretStore, error) { return nil, errors.New("keyring locked") }}
	cmd := NewSecretsCommand(deps)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"list"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keyring locked")
}
