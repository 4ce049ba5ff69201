// Package seed provisions scopes, clients and users from a YAML file at
// startup. Entries that already exist are left untouched.
package seed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"token-engine/internal/db"
	"token-engine/internal/logging"
)

// Hasher hashes client secrets and user passwords before they are stored.
type Hasher interface {
	Hash(secret string) (string, error)
}

type File struct {
	Scopes  []Scope  `yaml:"scopes"`
	Clients []Client `yaml:"clients"`
	Users   []User   `yaml:"users"`
}

type Scope struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	Required    bool     `yaml:"required"`
	Emphasize   bool     `yaml:"emphasize"`
	Claims      []string `yaml:"claims"`
	Resources   []string `yaml:"resources"`
}

type Client struct {
	ClientID string `yaml:"client_id"`
	Name     string `yaml:"name"`
	// Secret is hashed on load; SecretHash is stored as given.
	Secret                 string   `yaml:"secret"`
	SecretHash             string   `yaml:"secret_hash"`
	Type                   string   `yaml:"type"`
	RequirePKCE            bool     `yaml:"require_pkce"`
	ConsentType            string   `yaml:"consent_type"`
	RedirectURIs           []string `yaml:"redirect_uris"`
	PostLogoutRedirectURIs []string `yaml:"post_logout_redirect_uris"`
	Scopes                 []string `yaml:"scopes"`
	GrantTypes             []string `yaml:"grant_types"`
}

type User struct {
	Username     string `yaml:"username"`
	Email        string `yaml:"email"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
}

// Result counts what Apply created and what already existed.
type Result struct {
	Created int
	Skipped int
}

// DefaultScopes are created even without a seed file. openid and
// offline_access change what the token endpoint returns.
var DefaultScopes = []Scope{
	{Name: "openid", DisplayName: "Sign you in"},
	{Name: "profile", DisplayName: "Read your basic profile"},
	{Name: "offline_access", DisplayName: "Keep access while you are away", Emphasize: true},
}

var knownGrants = map[string]bool{
	db.GrantAuthorizationCode: true,
	db.GrantRefreshToken:      true,
	db.GrantClientCredentials: true,
	db.GrantPassword:          true,
	db.GrantDeviceCode:        true,
}

func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("invalid seed file %s: %w", path, err)
	}
	return &file, nil
}

// Validate reports every problem at once.
func (f *File) Validate() error {
	var errs []error

	seen := make(map[string]bool)
	for _, c := range f.Clients {
		if c.ClientID == "" {
			errs = append(errs, errors.New("client without client_id"))
			continue
		}
		if seen[c.ClientID] {
			errs = append(errs, fmt.Errorf("client %s: listed twice", c.ClientID))
		}
		seen[c.ClientID] = true

		switch db.ClientType(c.Type) {
		case db.ClientPublic:
			if c.Secret != "" || c.SecretHash != "" {
				errs = append(errs, fmt.Errorf("client %s: public clients have no secret", c.ClientID))
			}
		case db.ClientConfidential:
			if c.Secret == "" && c.SecretHash == "" {
				errs = append(errs, fmt.Errorf("client %s: confidential clients need a secret", c.ClientID))
			}
		default:
			errs = append(errs, fmt.Errorf("client %s: type must be public or confidential", c.ClientID))
		}

		switch db.ConsentType(c.ConsentType) {
		case "", db.ConsentExplicit, db.ConsentImplicit:
		default:
			errs = append(errs, fmt.Errorf("client %s: consent_type must be explicit or implicit", c.ClientID))
		}

		for _, g := range c.GrantTypes {
			if !knownGrants[g] {
				errs = append(errs, fmt.Errorf("client %s: unknown grant type %q", c.ClientID, g))
			}
		}

		for _, uri := range append(append([]string{}, c.RedirectURIs...), c.PostLogoutRedirectURIs...) {
			u, err := url.Parse(uri)
			if err != nil || !u.IsAbs() || u.Fragment != "" {
				errs = append(errs, fmt.Errorf("client %s: redirect uri %q must be absolute without fragment", c.ClientID, uri))
			}
		}
	}

	for _, u := range f.Users {
		if u.Username == "" {
			errs = append(errs, errors.New("user without username"))
		}
		if u.Password == "" && u.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("user %s: password or password_hash is required", u.Username))
		}
	}
	for _, s := range f.Scopes {
		if s.Name == "" {
			errs = append(errs, errors.New("scope without name"))
		}
	}

	return errors.Join(errs...)
}

// Apply writes the default scopes and the file's entries. file may be nil.
func Apply(ctx context.Context, writer db.RegistryWriter, hasher Hasher, file *File) (*Result, error) {
	logger := logging.FromContext(ctx).WithComponent("seed")
	result := &Result{}

	record := func(kind, name string, err error) error {
		switch {
		case err == nil:
			result.Created++
			logger.DebugEvent().Str("kind", kind).Str("name", name).Msg("seeded")
			return nil
		case errors.Is(err, db.ErrDuplicate):
			result.Skipped++
			return nil
		default:
			return fmt.Errorf("failed to seed %s %s: %w", kind, name, err)
		}
	}

	scopes := append([]Scope{}, DefaultScopes...)
	if file != nil {
		scopes = append(scopes, file.Scopes...)
	}
	for _, s := range scopes {
		err := writer.CreateScope(ctx, &db.Scope{
			Name:        s.Name,
			DisplayName: s.DisplayName,
			Required:    s.Required,
			Emphasize:   s.Emphasize,
			Claims:      s.Claims,
			Resources:   s.Resources,
		})
		if err := record("scope", s.Name, err); err != nil {
			return result, err
		}
	}

	if file == nil {
		return result, nil
	}

	for _, c := range file.Clients {
		client, err := c.toModel(hasher)
		if err != nil {
			return result, err
		}
		if err := record("client", c.ClientID, writer.CreateClient(ctx, client)); err != nil {
			return result, err
		}
	}

	for _, u := range file.Users {
		hash := u.PasswordHash
		if hash == "" {
			var err error
			if hash, err = hasher.Hash(u.Password); err != nil {
				return result, fmt.Errorf("failed to hash password for %s: %w", u.Username, err)
			}
		}
		user := &db.User{Username: u.Username, Email: u.Email, PasswordHash: hash}
		if err := record("user", u.Username, writer.CreateUser(ctx, user)); err != nil {
			return result, err
		}
	}

	logger.InfoEvent().
		Int("created", result.Created).
		Int("skipped", result.Skipped).
		Msg("registry seeded")
	return result, nil
}

func (c Client) toModel(hasher Hasher) (*db.Client, error) {
	hash := c.SecretHash
	if hash == "" && c.Secret != "" {
		var err error
		if hash, err = hasher.Hash(c.Secret); err != nil {
			return nil, fmt.Errorf("failed to hash secret for %s: %w", c.ClientID, err)
		}
	}
	consent := db.ConsentType(c.ConsentType)
	if consent == "" {
		consent = db.ConsentExplicit
	}
	return &db.Client{
		ClientID:               c.ClientID,
		SecretHash:             hash,
		Name:                   c.Name,
		Type:                   db.ClientType(c.Type),
		RequirePKCE:            c.RequirePKCE,
		ConsentType:            consent,
		RedirectURIs:           c.RedirectURIs,
		PostLogoutRedirectURIs: c.PostLogoutRedirectURIs,
		Scopes:                 c.Scopes,
		GrantTypes:             c.GrantTypes,
	}, nil
}
