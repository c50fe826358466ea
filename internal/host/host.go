// Package host abstracts the environment the auth manager runs in. Different
// hosts expose different capabilities: a CLI can open a browser and run a
// loopback listener, a headless worker can do neither.
package host

import (
	"errors"
	"net/url"
)

// ErrCapabilityUnavailable indicates the current host cannot perform the
// requested environment operation.
var ErrCapabilityUnavailable = errors.New("host capability unavailable")

// Navigator is the host's view of the current location. CurrentURL reports
// where a redirect callback landed, Redirect hands control to an external
// URL, and RewriteURL replaces the visible location without navigating
// (used to scrub authorization codes after the callback is consumed).
type Navigator interface {
	CurrentURL() (*url.URL, error)
	Redirect(u *url.URL) error
	RewriteURL(u *url.URL) error
}

// UnavailableNavigator is the Navigator for hosts with no navigation
// capability. Every method fails with ErrCapabilityUnavailable.
type UnavailableNavigator struct{}

func (UnavailableNavigator) CurrentURL() (*url.URL, error) { return nil, ErrCapabilityUnavailable }
func (UnavailableNavigator) Redirect(*url.URL) error       { return ErrCapabilityUnavailable }
func (UnavailableNavigator) RewriteURL(*url.URL) error     { return ErrCapabilityUnavailable }
