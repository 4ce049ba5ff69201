package keys

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"

	tokenjwt "token-engine/pkg/jwt"
)

// Source binds the registry to one signing algorithm for the token signer.
type Source struct {
	registry  *Registry
	algorithm string
}

func (r *Registry) Source(alg string) *Source {
	return &Source{registry: r, algorithm: alg}
}

func (s *Source) CurrentSigningKey(ctx context.Context) (*tokenjwt.SigningKey, error) {
	signer, err := s.registry.SelectSigningKey(ctx, s.algorithm)
	if err != nil {
		return nil, err
	}

	method := signer.Method()
	if method == nil {
		return nil, errors.New("unsupported signing algorithm " + signer.Algorithm)
	}
	return &tokenjwt.SigningKey{KeyID: signer.KeyID, Method: method, Key: signer.Key}, nil
}

func (s *Source) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return s.registry.Keyfunc(ctx)
}
