package bulkdata

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/CMSgov/bcda-export/export/client"
	bcdaerrors "github.com/CMSgov/bcda-export/export/errors"
	"github.com/CMSgov/bcda-export/export/models"
	"github.com/CMSgov/bcda-export/log"
	jwt "github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// TokenAcquirer exchanges a credential for a bearer token.
type TokenAcquirer struct {
	client client.Client
	url    string
	now    func() time.Time
}

func NewTokenAcquirer(c client.Client, cfg Config) *TokenAcquirer {
	return &TokenAcquirer{client: c, url: cfg.authURL(), now: time.Now}
}

// AcquireToken POSTs to the token endpoint using HTTP Basic authentication
// built from cred. It never returns an empty token without an error.
func (a *TokenAcquirer) AcquireToken(ctx context.Context, cred models.Credential) (models.AccessToken, error) {
	if err := cred.Validate(); err != nil {
		return models.AccessToken{}, &bcdaerrors.AuthError{Err: err}
	}

	logger := log.GetCtxLogger(ctx)
	logger.Info("Getting auth token")

	resp, err := a.client.Do(ctx, &client.Request{
		Method: http.MethodPost,
		URL:    a.url,
		Header: http.Header{
			authorizationHeader: []string{"Basic " + base64.StdEncoding.EncodeToString([]byte(cred))},
			acceptHeader:        []string{acceptHeaderJSON},
		},
	})
	if err != nil {
		return models.AccessToken{}, &bcdaerrors.AuthError{Err: errors.Wrap(err, "token request failed")}
	}

	if !resp.IsSuccess() {
		return models.AccessToken{}, &bcdaerrors.AuthError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	var tr tokenResponse
	if err := client.DecodeJSON(resp.Body, &tr); err != nil {
		return models.AccessToken{}, &bcdaerrors.UnexpectedResponseError{Step: "auth", StatusCode: resp.StatusCode,
			Msg: "could not decode token response", Err: err}
	}
	if tr.AccessToken == "" {
		return models.AccessToken{}, &bcdaerrors.UnexpectedResponseError{Step: "auth", StatusCode: resp.StatusCode,
			Msg: "response did not contain an access_token"}
	}

	token := models.AccessToken{Value: tr.AccessToken, ExpiresAt: a.expiry(tr)}
	if !token.ExpiresAt.IsZero() {
		logger.WithField("expires_at", token.ExpiresAt).Info("Acquired auth token")
	} else {
		logger.Info("Acquired auth token")
	}

	return token, nil
}

// expiry prefers expires_in and falls back to the exp claim when the token is
// a JWT. The claim is read without verifying the signature.
func (a *TokenAcquirer) expiry(tr tokenResponse) time.Time {
	if tr.ExpiresIn > 0 {
		return a.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(tr.AccessToken, claims); err != nil {
		return time.Time{}
	}

	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0)
	case int64:
		return time.Unix(exp, 0)
	}
	return time.Time{}
}
