package qwen

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/pysugar/qwen-code-proxy/internal/auth/credential"
)

// oauthConfig builds the oauth2 client config for refresh grants. The client
// has no secret; AuthStyleInParams keeps client_id in the form body the way
// the provider expects.
func (f *Flow) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: f.ClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  f.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Refresh exchanges cred's refresh token for a fresh credential and persists
// it. Fields the provider leaves out of the response (rotated refresh token,
// token type, resource URL) are carried over from the old credential. When
// the provider rejects the exchange the stored credential is deleted so the
// next authentication starts the device flow from scratch; transport
// failures leave it in place.
func (f *Flow) Refresh(ctx context.Context, cred *credential.Credential) (*credential.Credential, error) {
	if cred == nil || cred.RefreshToken == "" {
		return nil, &NoCredentialError{}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	src := f.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			if derr := f.store.Delete(); derr != nil {
				log.Warnf("Failed to remove rejected credential: %v", derr)
			}
			status := 0
			if rerr.Response != nil {
				status = rerr.Response.StatusCode
			}
			return nil, &RefreshFailedError{Status: status, Body: string(rerr.Body), Err: err}
		}
		return nil, &RefreshFailedError{Err: err}
	}

	next := &credential.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		ResourceURL:  cred.ResourceURL,
		ExpiryDate:   tok.Expiry.Unix(),
	}
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	if tok.TokenType != "" {
		next.TokenType = tok.TokenType
	}
	if ru, ok := tok.Extra("resource_url").(string); ok && ru != "" {
		next.ResourceURL = ru
	}
	if err := f.store.Save(next); err != nil {
		return nil, err
	}

	log.Debugf("Access token refreshed, valid until %s", tok.Expiry.Format("2006-01-02 15:04:05"))
	return next, nil
}
