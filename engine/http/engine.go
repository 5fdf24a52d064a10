// Package http contains HTTP handlers that work with the NanoForm engine.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/micromdm/nanoform/engine"
	"github.com/micromdm/nanoform/http/api"
	"github.com/micromdm/nanoform/log/logkeys"

	"github.com/micromdm/nanolib/log"
)

// MaxBodySize is the largest request body accepted by the handlers.
const MaxBodySize = 4 << 20

var (
	ErrNoKey  = errors.New("missing key parameter")
	ErrNoID   = errors.New("missing id parameter")
	ErrNoUser = errors.New("missing user parameter")
)

// IdentityFunc resolves the identity of the caller of r.
// A nil identity is an anonymous caller.
type IdentityFunc func(r *http.Request) *engine.Identity

const (
	HeaderUserID          = "X-User-Id"
	HeaderUserPermissions = "X-User-Permissions"
	HeaderUserName        = "X-User-Name"
	HeaderUserEmail       = "X-User-Email"
)

// HeaderIdentity builds the identity from request headers set by a
// trusted authenticating proxy. Permissions are comma separated.
func HeaderIdentity(r *http.Request) *engine.Identity {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return nil
	}
	id := &engine.Identity{UserID: userID, Profile: make(map[string]interface{})}
	for _, p := range strings.Split(r.Header.Get(HeaderUserPermissions), ",") {
		if p = strings.TrimSpace(p); p != "" {
			id.Permissions = append(id.Permissions, p)
		}
	}
	if v := r.Header.Get(HeaderUserName); v != "" {
		id.Profile["name"] = v
	}
	if v := r.Header.Get(HeaderUserEmail); v != "" {
		id.Profile["email"] = v
	}
	return id
}

// statusCode maps an engine error to an HTTP status.
func statusCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, engine.ErrForbidden):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// engineError logs err and writes its caller-facing message to w.
// Internal errors are written as a generic message.
func engineError(w http.ResponseWriter, logger log.Logger, msg string, err error) {
	logger.Info(logkeys.Message, msg, logkeys.Error, err)
	m, problems := engine.Message(err)
	api.JSONProblems(w, m, problems, statusCode(err))
}

// decodeBody decodes the JSON body of r into v.
// An empty body leaves v as is.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeJSON encodes v as the JSON body of w with statusCode.
func writeJSON(w http.ResponseWriter, logger log.Logger, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Info(logkeys.Message, "encoding json to body", logkeys.Error, err)
	}
}

// identity returns the caller identity of r using idf.
func identity(idf IdentityFunc, r *http.Request) *engine.Identity {
	if idf == nil {
		return nil
	}
	return idf(r)
}

func requireUser(w http.ResponseWriter, logger log.Logger, id *engine.Identity) bool {
	if id.Authenticated() {
		return true
	}
	logger.Info(logkeys.Message, "identity", logkeys.Error, engine.ErrUnauthorized)
	api.JSONProblems(w, "Authentication required", nil, http.StatusUnauthorized)
	return false
}
