package api

import (
	"net/http"

	"database/sql"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/carto-services/institutions-api/core/logger"
)

// nearbyQuery computes the haversine great-circle distance (Earth radius
// 6371 km) to every institution with known coordinates. The radius bound is
// strict; an institution at exactly the radius is excluded.
const nearbyQuery = `SELECT * FROM (` +
	`SELECT i.institution_id, i.name, i.label, i.latitude, i.longitude, i.status, c.label AS category_label, ` +
	`(2 * 6371 * asin(sqrt(` +
	` power(sin(radians(i.latitude - $1) / 2), 2) +` +
	` cos(radians($1)) * cos(radians(i.latitude)) * power(sin(radians(i.longitude - $2) / 2), 2)` +
	`))) AS distance_km` +
	` FROM institution i JOIN category c ON c.category_id = i.category_id` +
	` WHERE i.latitude IS NOT NULL AND i.longitude IS NOT NULL` +
	`) AS nearby WHERE distance_km < $3 ORDER BY distance_km ASC LIMIT 50;`

func (a *API) handleAggregateRoutes(router *mux.Router) {
	nillog := logger.FromContext(nil)
	nillog.Debugln("create aggregate resources")
	nillog.Debugln("  handle aggregate routes: /institutions/stats GET")
	nillog.Debugln("  handle aggregate routes: /institutions/nearby GET")

	countByLabel := func(r *http.Request, query string) (map[string]int64, error) {
		rows, err := a.db.QueryContext(r.Context(), query)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		counts := map[string]int64{}
		for rows.Next() {
			var label string
			var count int64
			if err := rows.Scan(&label, &count); err != nil {
				return nil, err
			}
			counts[label] = count
		}
		return counts, rows.Err()
	}

	// five independent reads; a snapshot mismatch between them is acceptable
	stats := func(w http.ResponseWriter, r *http.Request) {
		var total int64
		if err := a.db.QueryRowContext(r.Context(),
			"SELECT count(*) FROM institution;").Scan(&total); err != nil {
			writeServerError(w, r, "5001", err)
			return
		}
		byCategory, err := countByLabel(r,
			"SELECT c.label, count(*) FROM institution i JOIN category c ON c.category_id = i.category_id GROUP BY c.label;")
		if err != nil {
			writeServerError(w, r, "5002", err)
			return
		}
		byRegion, err := countByLabel(r,
			"SELECT r.name, count(*) FROM institution i JOIN region r ON r.region_id = i.region_id GROUP BY r.name;")
		if err != nil {
			writeServerError(w, r, "5003", err)
			return
		}
		byStatus, err := countByLabel(r,
			"SELECT i.status, count(*) FROM institution i WHERE i.status IS NOT NULL GROUP BY i.status;")
		if err != nil {
			writeServerError(w, r, "5004", err)
			return
		}
		var averageCapacity float64
		if err := a.db.QueryRowContext(r.Context(),
			"SELECT COALESCE(AVG(capacity), 0) FROM institution WHERE capacity IS NOT NULL;").Scan(&averageCapacity); err != nil {
			writeServerError(w, r, "5005", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"total":            total,
			"by_category":      byCategory,
			"by_region":        byRegion,
			"by_status":        byStatus,
			"average_capacity": averageCapacity,
		})
	}

	nearby := func(w http.ResponseWriter, r *http.Request) {
		urlQuery := r.URL.Query()
		lat, err := floatParam(urlQuery, "lat")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		lng, err := floatParam(urlQuery, "lng")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !validLatitude(lat) || !validLongitude(lng) {
			writeError(w, http.StatusBadRequest, "coordinates out of range")
			return
		}
		radius := 10.0
		if v := urlQuery.Get("radius"); v != "" {
			radius, err = floatParam(urlQuery, "radius")
			if err != nil || radius <= 0 {
				writeError(w, http.StatusBadRequest, "parameter 'radius': must be a positive number")
				return
			}
		}

		rows, err := a.db.QueryContext(r.Context(), nearbyQuery, lat, lng, radius)
		if err != nil {
			writeServerError(w, r, "5006", err)
			return
		}
		defer rows.Close()
		response := []interface{}{}
		for rows.Next() {
			var id, name string
			var label, status, categoryLabel sql.NullString
			var latitude, longitude, distance float64
			if err := rows.Scan(&id, &name, &label, &latitude, &longitude, &status, &categoryLabel, &distance); err != nil {
				writeServerError(w, r, "5007", err)
				return
			}
			response = append(response, map[string]interface{}{
				"institution_id": id,
				"name":           name,
				"label":          nullValue(&label),
				"latitude":       latitude,
				"longitude":      longitude,
				"status":         nullValue(&status),
				"category_label": nullValue(&categoryLabel),
				"distance_km":    distance,
			})
		}
		if err := rows.Err(); err != nil {
			writeServerError(w, r, "5008", err)
			return
		}
		writeJSON(w, http.StatusOK, response)
	}

	// registered before the institution item route so the literal segments
	// are not captured as {institution_id}
	router.Handle("/institutions/stats", handlers.CompressHandler(http.HandlerFunc(stats))).Methods(http.MethodOptions, http.MethodGet)
	router.Handle("/institutions/nearby", handlers.CompressHandler(http.HandlerFunc(nearby))).Methods(http.MethodOptions, http.MethodGet)
}
