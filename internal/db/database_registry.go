package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

func (d *Database) CreateClient(ctx context.Context, client *Client) error {
	if client.ID == uuid.Nil {
		client.ID = uuid.New()
	}

	query := `INSERT INTO clients (id, client_id, secret_hash, name, client_type, require_pkce,
			  consent_type, redirect_uris, post_logout_redirect_uris, scopes, grant_types)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			  RETURNING created_at, updated_at`

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	err := d.db.QueryRowContext(ctx, query,
		client.ID, client.ClientID, client.SecretHash, client.Name, string(client.Type),
		client.RequirePKCE, string(client.ConsentType), pq.Array(client.RedirectURIs),
		pq.Array(client.PostLogoutRedirectURIs), pq.Array(client.Scopes), pq.Array(client.GrantTypes),
	).Scan(&client.CreatedAt, &client.UpdatedAt)
	return mapError(err)
}

func (d *Database) GetClientByID(ctx context.Context, clientID string) (*Client, error) {
	query := `SELECT id, client_id, secret_hash, name, client_type, require_pkce, consent_type,
			  redirect_uris, post_logout_redirect_uris, scopes, grant_types, created_at, updated_at
			  FROM clients WHERE client_id = $1`

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	client := &Client{}
	var clientType, consentType string
	var redirectURIs, logoutURIs, scopes, grantTypes pq.StringArray
	err := d.db.QueryRowContext(ctx, query, clientID).Scan(
		&client.ID, &client.ClientID, &client.SecretHash, &client.Name, &clientType,
		&client.RequirePKCE, &consentType, &redirectURIs, &logoutURIs, &scopes, &grantTypes,
		&client.CreatedAt, &client.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	client.Type = ClientType(clientType)
	client.ConsentType = ConsentType(consentType)
	client.RedirectURIs = []string(redirectURIs)
	client.PostLogoutRedirectURIs = []string(logoutURIs)
	client.Scopes = []string(scopes)
	client.GrantTypes = []string(grantTypes)
	return client, nil
}

func (d *Database) CreateScope(ctx context.Context, scope *Scope) error {
	query := `INSERT INTO scopes (name, display_name, required, emphasize, claims, resources)
			  VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := d.exec(ctx, query, scope.Name, scope.DisplayName, scope.Required, scope.Emphasize,
		pq.Array(scope.Claims), pq.Array(scope.Resources))
	return err
}

func (d *Database) GetScopes(ctx context.Context, names []string) ([]*Scope, error) {
	query := `SELECT name, display_name, required, emphasize, claims, resources
			  FROM scopes WHERE name = ANY($1) ORDER BY name`

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []*Scope
	for rows.Next() {
		scope := &Scope{}
		var claims, resources pq.StringArray
		if err := rows.Scan(&scope.Name, &scope.DisplayName, &scope.Required, &scope.Emphasize,
			&claims, &resources); err != nil {
			return nil, err
		}
		scope.Claims = []string(claims)
		scope.Resources = []string(resources)
		result = append(result, scope)
	}
	return result, rows.Err()
}

func (d *Database) CreateUser(ctx context.Context, user *User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	query := `INSERT INTO users (id, username, email, password_hash)
			  VALUES ($1, $2, $3, $4) RETURNING created_at`

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	err := d.db.QueryRowContext(ctx, query, user.ID, user.Username, user.Email, user.PasswordHash).
		Scan(&user.CreatedAt)
	return mapError(err)
}

func (d *Database) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	query := `SELECT id, username, email, password_hash, created_at FROM users WHERE username = $1`

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	user := &User{}
	err := d.db.QueryRowContext(ctx, query, username).
		Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return user, nil
}
