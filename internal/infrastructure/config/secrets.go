package config

import (
	"errors"
	"fmt"
)

// ErrNoGitHubToken is returned when neither the token variable nor an
// encrypted token is configured.
var ErrNoGitHubToken = errors.New("no github token configured")

// Decrypter opens a sealed secret.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// ResolveToken returns the GitHub token. The environment variable named by
// token_env wins over token_encrypted.
func (g *GitHubConfig) ResolveToken(getenv func(string) string, dec Decrypter) (string, error) {
	if g.TokenEnv != "" {
		if v := getenv(g.TokenEnv); v != "" {
			return v, nil
		}
	}
	if g.TokenEncrypted != "" {
		if dec == nil {
			return "", errors.New("token_encrypted is set but no decrypter is available")
		}
		v, err := dec.Decrypt(g.TokenEncrypted)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt token_encrypted: %w", err)
		}
		return v, nil
	}
	return "", ErrNoGitHubToken
}

// Values returns the non-empty values of the configured secret variables.
func (s *SecretsConfig) Values(getenv func(string) string) []string {
	var out []string
	for _, name := range s.Env {
		if v := getenv(name); v != "" {
			out = append(out, v)
		}
	}
	return out
}
