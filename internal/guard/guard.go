// Package guard holds the request predicates that gate viewing and
// mutating routes. Checks are stateless; they compose left to right and
// the first failure stops the pipeline before any handler side effect.
package guard

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrNotFound masks the existence of a resource from anonymous users.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the caller is known but not entitled.
	ErrForbidden = errors.New("forbidden")
)

// Check inspects a request and returns nil to let it through.
type Check func(r *http.Request) error

// IdentityFunc reports the user attached to the request, if any.
type IdentityFunc func(r *http.Request) (string, bool)

// OwnerLookup loads the owner of a resource. Lookup errors are returned
// to the caller unchanged.
type OwnerLookup func(ctx context.Context, resourceID string) (string, error)

func RequireAuthenticated(identity IdentityFunc) Check {
	return func(r *http.Request) error {
		if _, ok := identity(r); !ok {
			return ErrNotFound
		}
		return nil
	}
}

func RequireAnonymous(identity IdentityFunc) Check {
	return func(r *http.Request) error {
		if _, ok := identity(r); ok {
			return ErrForbidden
		}
		return nil
	}
}

// RequireOwnership passes only when the request identity equals the
// owner recorded on the resource named by resourceID(r).
func RequireOwnership(identity IdentityFunc, lookup OwnerLookup, resourceID func(*http.Request) string) Check {
	return func(r *http.Request) error {
		owner, err := lookup(r.Context(), resourceID(r))
		if err != nil {
			return err
		}
		user, ok := identity(r)
		if !ok || user != owner {
			return ErrForbidden
		}
		return nil
	}
}

// Chain runs checks in order and returns the first failure.
func Chain(checks ...Check) Check {
	return func(r *http.Request) error {
		for _, check := range checks {
			if err := check(r); err != nil {
				return err
			}
		}
		return nil
	}
}

// Middleware wraps next so it only runs once every check has passed.
// onError writes the failure response.
func Middleware(onError func(http.ResponseWriter, *http.Request, error), checks ...Check) func(http.Handler) http.Handler {
	chain := Chain(checks...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := chain(r); err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
