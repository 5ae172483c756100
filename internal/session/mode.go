package session

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/luciancaetano/roomlink"
)

// DetectMode classifies a page load by its path.
func DetectMode(page *url.URL) (roomlink.ConnexionMode, error) {
	if page == nil {
		return "", errors.Wrap(roomlink.ErrInvalidTarget, "no page URL")
	}

	path := page.Path
	switch {
	case path == "/login":
		return roomlink.ModeLogin, nil
	case path == "/jwt":
		return roomlink.ModeJWT, nil
	case strings.Contains(path, "_/"):
		return roomlink.ModeAnonymous, nil
	case strings.Contains(path, "@/"):
		return roomlink.ModeOrganization, nil
	case strings.Contains(path, "register/"):
		return roomlink.ModeRegister, nil
	case path == "/" || path == "":
		return roomlink.ModeEmpty, nil
	}
	return "", errors.Wrapf(roomlink.ErrInvalidTarget, "unrecognised path %q", path)
}

// OrganizationToken returns the member token of a register link, "" when absent.
func OrganizationToken(page *url.URL) string {
	_, token, found := strings.Cut(page.Path, "register/")
	if !found {
		return ""
	}
	return token
}
