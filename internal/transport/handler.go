package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/pitabwire/careportal/internal/definition"
	"github.com/pitabwire/careportal/internal/workflow"
	"github.com/pitabwire/careportal/model"
)

const maxBodyBytes = 1 << 20

// handlers binds the portal routes to the workflow engine and catalog.
type handlers struct {
	engine   *workflow.Engine
	registry *definition.Registry
	catalog  model.Catalog
	logger   *zap.Logger
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	respondError(w, r, h.logger, err)
}

// requestContext returns the caller's identity, writing a 401 when the
// authentication chain did not produce one.
func (h *handlers) requestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		h.fail(w, r, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

// decodeBody reads a JSON request body into v. An empty body leaves v
// untouched; callers whose body is optional rely on that.
func (h *handlers) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, model.NewBadRequestError("request body too large"))
			return false
		}
		h.fail(w, r, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	return true
}

// filterParams collects the eq.<field> and flag.<field> predicates from a
// query string. Unparseable flags are a client error.
func filterParams(values url.Values) (map[string]string, map[string]bool, error) {
	var equals map[string]string
	var flags map[string]bool
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		if field, ok := strings.CutPrefix(key, "eq."); ok && field != "" {
			if equals == nil {
				equals = make(map[string]string)
			}
			equals[field] = vals[0]
			continue
		}
		if field, ok := strings.CutPrefix(key, "flag."); ok && field != "" {
			b, err := cast.ToBoolE(vals[0])
			if err != nil {
				return nil, nil, model.NewBadRequestError("flag." + field + " must be true or false")
			}
			if flags == nil {
				flags = make(map[string]bool)
			}
			flags[field] = b
		}
	}
	return equals, flags, nil
}

// queryInt reads a non-negative integer query parameter, returning def when
// it is absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := cast.ToIntE(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
