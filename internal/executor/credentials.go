package executor

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
)

var ErrCredentialNotFound = errors.New("credential not found")

// CredentialProvider resolves named secrets for a step. It is injected into
// the executor; steps never read secrets from ambient state.
type CredentialProvider interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// StaticCredentials serves credentials from a fixed map.
type StaticCredentials map[string]string

func (s StaticCredentials) Lookup(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", errors.Wrap(ErrCredentialNotFound, name)
	}
	return v, nil
}

// EnvCredentials reads credential NAME from the scheduler environment
// variable Prefix+NAME.
type EnvCredentials struct {
	Prefix string
	Getenv func(string) (string, bool)
}

func (e EnvCredentials) Lookup(_ context.Context, name string) (string, error) {
	getenv := e.Getenv
	if getenv == nil {
		getenv = os.LookupEnv
	}
	v, ok := getenv(e.Prefix + strings.ToUpper(name))
	if !ok {
		return "", errors.Wrapf(ErrCredentialNotFound, "%s (env %s%s)", name, e.Prefix, strings.ToUpper(name))
	}
	return v, nil
}
