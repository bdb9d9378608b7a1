// Package vault resolves provider credentials from the OS keychain,
// environment variables or files.
package vault

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "llmrelay"

// ErrNoCredential is returned when a provider has no stored credential.
var ErrNoCredential = errors.New("no credential found")

// Vault provides credential storage using the OS keychain, with fallback
// to LLMRELAY_KEY_<NAME> environment variables.
type Vault struct{}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{}
}

// Set stores a credential for the named provider in the OS keychain.
func (v *Vault) Set(provider, key string) error {
	return keyring.Set(serviceName, provider, key)
}

// Get retrieves the credential for the named provider from the keychain,
// then from LLMRELAY_KEY_<NAME>.
func (v *Vault) Get(provider string) (string, error) {
	secret, err := keyring.Get(serviceName, provider)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := EnvKey(provider)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("%w for provider %q: not in keychain and %s not set", ErrNoCredential, provider, envKey)
}

// Delete removes the credential for the named provider from the OS keychain.
func (v *Vault) Delete(provider string) error {
	return keyring.Delete(serviceName, provider)
}

// List returns the providers among names that currently have a credential,
// in the keychain or the environment.
func (v *Vault) List(names []string) []string {
	var found []string
	for _, name := range names {
		if _, err := v.Get(name); err == nil {
			found = append(found, name)
		}
	}
	return found
}

// EnvKey is the fallback environment variable for a provider's credential.
// Dashes become underscores so "azure-openai" maps to LLMRELAY_KEY_AZURE_OPENAI.
func EnvKey(provider string) string {
	return "LLMRELAY_KEY_" + strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
}

// Resolve parses a credential reference and returns the secret.
// Supported formats:
//   - "keyring://llmrelay/<provider>"
//   - "env:VARIABLE_NAME"
//   - "file:///path/to/key"
func (v *Vault) Resolve(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "keyring://"):
		path := strings.TrimPrefix(ref, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid credential reference %q (expected \"keyring://llmrelay/<provider>\")", ref)
		}
		return v.Get(parts[1])

	case strings.HasPrefix(ref, "env:"):
		envVar := strings.TrimPrefix(ref, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("%w: environment variable %q is not set", ErrNoCredential, envVar)

	case strings.HasPrefix(ref, "file://"):
		filePath := strings.TrimPrefix(ref, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", filePath, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("%w: key file %q is empty", ErrNoCredential, filePath)
		}
		return key, nil
	}

	return "", fmt.Errorf("invalid credential reference %q (expected \"keyring://llmrelay/<provider>\", \"env:VARIABLE_NAME\", or \"file:///path/to/key\")", ref)
}
