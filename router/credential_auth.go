package router

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/openrdap/rdap"

	"github.com/berkmancenter/linkage-point/logging"
	"github.com/berkmancenter/linkage-point/types"
)

//go:generate mockgen -source=credential_auth.go -destination=mocks/mocks.go -package=mocks OrgResolver

// OrgResolver names the organisation behind a client address. The result is
// recorded in the credential's org claim.
type OrgResolver interface {
	LookupOrg(ctx context.Context, ip string) (string, error)
}

// RDAPResolver looks the address up in the public RDAP registries.
type RDAPResolver struct {
	Client *rdap.Client
}

func NewRDAPResolver() *RDAPResolver {
	return &RDAPResolver{Client: &rdap.Client{}}
}

func (r *RDAPResolver) LookupOrg(ctx context.Context, ip string) (string, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return "", fmt.Errorf("invalid ip %q", ip)
	}
	resp, err := r.Client.Do(rdap.NewIPRequest(addr).WithContext(ctx))
	if err != nil {
		return "", err
	}
	network, ok := resp.Object.(*rdap.IPNetwork)
	if !ok {
		return "", fmt.Errorf("unexpected rdap object %T", resp.Object)
	}
	if len(network.Entities) > 0 && network.Entities[0].VCard != nil {
		return network.Entities[0].VCard.Name(), nil
	}
	return network.Name, nil
}

// NopResolver leaves the org claim empty, for deployments without RDAP access.
type NopResolver struct{}

func (NopResolver) LookupOrg(context.Context, string) (string, error) {
	return "", nil
}

func (a *Auth) newCredential(c echo.Context, party string) (*types.CredentialResponse, error) {
	organization, err := a.orgs.LookupOrg(c.Request().Context(), c.RealIP())
	if err != nil {
		logging.Warnf("org lookup for %s failed: %v", party, err)
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "could not lookup IP organization")
	}

	now := a.now()
	claims := jwt.MapClaims{
		"sub": party,
		"org": organization,
		"exp": now.Add(a.ttl).Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signedToken, err := token.SignedString(a.signingKey)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "could not sign token")
	}

	return &types.CredentialResponse{
		Party:        party,
		Organization: organization,
		Credential:   signedToken,
	}, nil
}

func (a *Auth) jwtMiddleware() echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    a.SigningPublicKey(),
		SigningMethod: "ES256",
	})
}

// requireParty rejects credentials issued to a party other than the one
// named by the path parameter.
func requireParty(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, ok := c.Get("user").(*jwt.Token)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing credential")
			}
			sub, err := user.Claims.GetSubject()
			if err != nil || sub != c.Param(param) {
				return echo.NewHTTPError(http.StatusForbidden, "credential not valid for this party")
			}
			return next(c)
		}
	}
}
