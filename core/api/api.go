package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/carto-services/institutions-api/core/csql"
	"github.com/carto-services/institutions-api/core/logger"
)

// API is the institutions REST backend. All routes are generated at
// construction time; handlers share nothing but the connection pool.
type API struct {
	db     *csql.DB
	router *mux.Router
}

// Builder is a builder helper for the API
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// UpdateSchema creates the database tables at startup.
	UpdateSchema bool
}

// MustNew realizes the actual API. It creates the sql relations (if
// requested and they do not exist) and adds the routes to the router.
// Panics on invalid configuration.
func MustNew(bb *Builder) *API {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}
	a := &API{db: bb.DB, router: bb.Router}
	if bb.UpdateSchema {
		if err := a.updateSchema(); err != nil {
			panic(fmt.Errorf("cannot update schema: %s", err))
		}
	}

	bb.Router.HandleFunc("/health", a.health).Methods(http.MethodGet)

	prefixed := bb.Router.PathPrefix("/api/v1").Subrouter()
	// fixed-path institution routes must come before the {institution_id}
	// routes, mux matches in registration order
	a.handleAggregateRoutes(prefixed)
	a.handleReferenceRoutes(prefixed)
	a.handleInstitutionRoutes(prefixed)
	for _, rc := range relationDescriptors {
		a.createRelationResource(prefixed, rc)
	}
	return a
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.db.PingContext(r.Context()); err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 1001: health ping")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
