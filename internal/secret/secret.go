// Package secret resolves the shared signing secret for tokens.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sweetlink/sweetlink/internal/filestore"
)

// EnvVar is the environment variable consulted first.
const EnvVar = "SWEETLINK_SECRET"

// MinLength is the shortest secret accepted from env or file.
const MinLength = 32

const generatedBytes = 48

// ErrSecretNotConfigured is returned when no secret exists and autoCreate is off.
var ErrSecretNotConfigured = errors.New("SWEETLINK_SECRET is not configured; set the env var or enable secret.autoCreate")

// Source says where a resolved secret came from.
type Source string

const (
	SourceEnv       Source = "env"
	SourceFile      Source = "file"
	SourceGenerated Source = "generated"
)

// Options controls resolution.
type Options struct {
	Path       string
	AutoCreate bool
}

// Resolution is a resolved secret.
type Resolution struct {
	Secret string
	Source Source
	Path   string
}

// Resolve returns the secret using env, then file, then generation.
//
// Generation holds an exclusive lock on Path + ".lock" and re-reads the file
// after acquiring it, so concurrent first-run callers agree on one secret.
func Resolve(opts Options) (*Resolution, error) {
	if env := os.Getenv(EnvVar); len(env) >= MinLength {
		return &Resolution{Secret: env, Source: SourceEnv}, nil
	}

	if opts.Path == "" {
		if !opts.AutoCreate {
			return nil, ErrSecretNotConfigured
		}
		return nil, fmt.Errorf("secret path is required to auto-create a secret")
	}

	if s, ok := readFile(opts.Path); ok {
		return &Resolution{Secret: s, Source: SourceFile, Path: opts.Path}, nil
	}

	if !opts.AutoCreate {
		return nil, ErrSecretNotConfigured
	}

	var res *Resolution
	err := filestore.WithLock(opts.Path, func() error {
		if s, ok := readFile(opts.Path); ok {
			res = &Resolution{Secret: s, Source: SourceFile, Path: opts.Path}
			return nil
		}
		generated, err := generate()
		if err != nil {
			return err
		}
		if err := filestore.WriteFile(opts.Path, []byte(generated+"\n")); err != nil {
			return fmt.Errorf("write secret: %w", err)
		}
		res = &Resolution{Secret: generated, Source: SourceGenerated, Path: opts.Path}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func readFile(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	s := strings.TrimSpace(string(data))
	if len(s) < MinLength {
		return "", false
	}
	return s, true
}

func generate() (string, error) {
	buf := make([]byte, generatedBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
