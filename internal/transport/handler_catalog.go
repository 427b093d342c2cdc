package transport

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/careportal/model"
)

const (
	defaultCatalogPageSize = 25
	maxCatalogPageSize     = 100
)

// handleCatalogBrowse lists entities of one kind for the portal's list
// pages. Access to a kind requires the catalog:<kind>:browse capability.
func (h *handlers) handleCatalogBrowse(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requestContext(w, r); !ok {
		return
	}
	kind := chi.URLParam(r, "kind")
	if !CapabilitiesFrom(r.Context()).Has(fmt.Sprintf("catalog:%s:browse", kind)) {
		h.fail(w, r, model.NewForbiddenError(fmt.Sprintf("insufficient capabilities to browse %s", kind)))
		return
	}

	q := r.URL.Query()
	equals, flags, err := filterParams(q)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var searchFields []string
	for f := range strings.SplitSeq(q.Get("search"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			searchFields = append(searchFields, f)
		}
	}

	limit := queryInt(r, "limit", defaultCatalogPageSize)
	if limit == 0 {
		limit = defaultCatalogPageSize
	}
	page, err := h.catalog.Query(r.Context(), model.CatalogQuery{
		Kind:         kind,
		Query:        q.Get("q"),
		SearchFields: searchFields,
		Equals:       equals,
		Flags:        flags,
		Limit:        min(limit, maxCatalogPageSize),
		Offset:       queryInt(r, "offset", 0),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if page.Items == nil {
		page.Items = []model.Entity{}
	}
	WriteJSON(w, http.StatusOK, page)
}
