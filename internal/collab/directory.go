package collab

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"tokend.org/internal/token"
)

// Directory talks to the external user directory.
type Directory struct {
	client *Client
}

// NewDirectory builds a directory client rooted at baseURL.
func NewDirectory(baseURL string, opts ...ClientOption) *Directory {
	return &Directory{client: NewClient(baseURL, opts...)}
}

type directoryUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Guest     bool   `json:"guest"`
	Confirmed bool   `json:"confirmed"`
	SiteAdmin bool   `json:"site_admin"`
}

func (u directoryUser) identity() token.Identity {
	return token.Identity{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Guest:     u.Guest,
		Confirmed: u.Confirmed,
		SiteAdmin: u.SiteAdmin,
	}
}

// FindByEmail resolves an identity by email address. Returns
// token.ErrNotFound when the directory has no matching account.
func (d *Directory) FindByEmail(ctx context.Context, email string) (token.Identity, error) {
	var out directoryUser
	status, err := d.client.getJSON(ctx, "/v1/users", url.Values{"email": {email}}, &out)
	if err != nil {
		return token.Identity{}, err
	}
	switch status {
	case http.StatusOK:
		return out.identity(), nil
	case http.StatusNotFound:
		return token.Identity{}, token.ErrNotFound
	default:
		return token.Identity{}, fmt.Errorf("%w: directory lookup returned %d", ErrBadResponse, status)
	}
}

type createUserRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// CreateUser registers a new confirmed account in the directory.
func (d *Directory) CreateUser(ctx context.Context, email, firstName, lastName string) (token.Identity, error) {
	var out directoryUser
	status, err := d.client.postJSON(ctx, "/v1/users",
		createUserRequest{Email: email, FirstName: firstName, LastName: lastName}, &out)
	if err != nil {
		return token.Identity{}, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return token.Identity{}, fmt.Errorf("%w: directory create returned %d", ErrBadResponse, status)
	}
	return out.identity(), nil
}
