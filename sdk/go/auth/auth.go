// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth extracts bearer tokens from HTTP requests and guards
// handlers that require a fixed token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type Credentials struct {
	Tokens []string
}

// CredentialsFromRequest returns all tokens supplied with r, in an
// "Authorization: Bearer ..." header or as a basic-auth password.
func CredentialsFromRequest(r *http.Request) *Credentials {
	c := &Credentials{}
	if toks := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(toks) == 2 && (toks[0] == "OAuth2" || toks[0] == "Bearer") {
		c.Tokens = append(c.Tokens, strings.TrimSpace(toks[1]))
	}
	if _, password, ok := r.BasicAuth(); ok {
		c.Tokens = append(c.Tokens, strings.TrimSpace(password))
	}
	return c
}

// RequireLiteralToken wraps the next handler, rejecting any request
// that doesn't supply the given token. If the given token is empty,
// RequireLiteralToken returns next (i.e., no auth checks are
// performed).
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := CredentialsFromRequest(r)
		if len(c.Tokens) == 0 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		for _, t := range c.Tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	})
}
