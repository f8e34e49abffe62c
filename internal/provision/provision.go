// Package provision implements self-service account provisioning: resolve or
// create a directory account for an email address, then hand back the active
// API token for the requested service.
package provision

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"tokend.org/internal/token"
)

// Directory resolves and registers accounts in the external user directory.
type Directory interface {
	FindByEmail(ctx context.Context, email string) (token.Identity, error)
	CreateUser(ctx context.Context, email, firstName, lastName string) (token.Identity, error)
}

// TokenIssuer returns the active token for an identity and service.
type TokenIssuer interface {
	IssueOrReuse(ctx context.Context, identity token.Identity, serviceName string, clientAddr netip.Addr) (token.Token, error)
}

// Request carries the caller-supplied provisioning fields.
type Request struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Service   string `json:"service"`
}

// Provisioner wires the directory and the token issuer.
type Provisioner struct {
	dir    Directory
	issuer TokenIssuer
}

// New constructs a Provisioner.
func New(dir Directory, issuer TokenIssuer) (*Provisioner, error) {
	if dir == nil {
		return nil, errors.New("provision: directory is required")
	}
	if issuer == nil {
		return nil, errors.New("provision: issuer is required")
	}
	return &Provisioner{dir: dir, issuer: issuer}, nil
}

// Provision validates the request, resolves (or creates) the account and
// returns its active token. Validation failures never touch the directory.
func (p *Provisioner) Provision(ctx context.Context, req Request, clientAddr netip.Addr) (token.Token, error) {
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.Service = strings.TrimSpace(req.Service)

	if err := validate(req); err != nil {
		return token.Token{}, err
	}

	identity, err := p.dir.FindByEmail(ctx, req.Email)
	switch {
	case err == nil:
	case errors.Is(err, token.ErrNotFound):
		identity, err = p.dir.CreateUser(ctx, req.Email, req.FirstName, req.LastName)
		if err != nil {
			return token.Token{}, fmt.Errorf("%w: create account: %v", token.ErrStore, err)
		}
	default:
		return token.Token{}, fmt.Errorf("%w: directory lookup: %v", token.ErrStore, err)
	}

	return p.issuer.IssueOrReuse(ctx, identity, req.Service, clientAddr)
}

func validate(req Request) error {
	if req.Email == "" {
		return fmt.Errorf("%w: email is required", token.ErrInvalidInput)
	}
	if !strings.Contains(req.Email, "@") {
		return fmt.Errorf("%w: email %q is malformed", token.ErrInvalidInput, req.Email)
	}
	if req.FirstName == "" {
		return fmt.Errorf("%w: first name is required", token.ErrInvalidInput)
	}
	if req.LastName == "" {
		return fmt.Errorf("%w: last name is required", token.ErrInvalidInput)
	}
	if req.Service == "" {
		return fmt.Errorf("%w: service is required", token.ErrInvalidInput)
	}
	return nil
}
