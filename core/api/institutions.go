package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"database/sql"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/carto-services/institutions-api/core/csql"
	"github.com/carto-services/institutions-api/core/logger"
)

// institutionColumns is the full editable field set of an institution.
// Update payloads are whitelisted against this list; unknown keys are
// ignored. The uuid reference columns scan as text.
var institutionColumns = []field{
	{"name", kindText},
	{"label", kindText},
	{"description", kindText},
	{"category_id", kindText},
	{"subtype_id", kindText},
	{"latitude", kindFloat},
	{"longitude", kindFloat},
	{"region_id", kindText},
	{"district_id", kindText},
	{"commune_id", kindText},
	{"street_id", kindText},
	{"established_year", kindInt},
	{"capacity", kindInt},
	{"last_renovation", kindInt},
	{"accreditation", kindText},
	{"principal_phone", kindText},
	{"principal_email", kindText},
	{"website", kindText},
	{"status", kindText},
	{"building_condition", kindText},
}

func institutionSelectColumns(qualified bool) string {
	prefix := ""
	if qualified {
		prefix = "i."
	}
	columns := []string{prefix + "institution_id"}
	for _, f := range institutionColumns {
		columns = append(columns, prefix+f.name)
	}
	columns = append(columns, prefix+"created_at", prefix+"updated_at")
	return strings.Join(columns, ", ")
}

// label columns resolved for display on reads and list responses
const institutionLabelColumns = "c.label AS category_label, s.label AS subtype_label, " +
	"r.name AS region_name, d.label AS district_label, co.label AS commune_label, st.name AS street_name"

const institutionJoins = " FROM institution i" +
	" JOIN category c ON c.category_id = i.category_id" +
	" JOIN subtype s ON s.subtype_id = i.subtype_id" +
	" LEFT JOIN region r ON r.region_id = i.region_id" +
	" LEFT JOIN district d ON d.district_id = i.district_id" +
	" LEFT JOIN commune co ON co.commune_id = i.commune_id" +
	" LEFT JOIN street st ON st.street_id = i.street_id "

// scanInstitutionRow scans one institution row into a response object. With
// labels, the scanner must additionally deliver the six joined display
// columns.
func scanInstitutionRow(s scanner, withLabels bool) (map[string]interface{}, error) {
	var id uuid.UUID
	var createdAt, updatedAt time.Time

	values := make([]interface{}, 0, len(institutionColumns)+9)
	values = append(values, &id)
	holders := make([]interface{}, len(institutionColumns))
	for i, f := range institutionColumns {
		holders[i] = nullHolder(f.kind)
		values = append(values, holders[i])
	}
	values = append(values, &createdAt, &updatedAt)

	labelKeys := []string{"category_label", "subtype_label", "region_name",
		"district_label", "commune_label", "street_name"}
	labels := make([]interface{}, len(labelKeys))
	if withLabels {
		for i := range labels {
			labels[i] = &sql.NullString{}
			values = append(values, labels[i])
		}
	}
	if err := s.Scan(values...); err != nil {
		return nil, err
	}

	object := map[string]interface{}{
		"institution_id": id,
		"created_at":     createdAt,
		"updated_at":     updatedAt,
	}
	for i, f := range institutionColumns {
		object[f.name] = nullValue(holders[i])
	}
	if withLabels {
		for i, key := range labelKeys {
			object[key] = nullValue(labels[i])
		}
	}
	return object, nil
}

// validateInstitutionPayload performs the ad-hoc range and shape checks on
// the optional institution fields, for create and update payloads alike.
func validateInstitutionPayload(payload map[string]interface{}) (string, bool) {
	if v, ok := payload["latitude"]; ok && v != nil {
		f, isNumber := v.(float64)
		if !isNumber || !validLatitude(f) {
			return "latitude must be a number between -90 and 90", false
		}
	}
	if v, ok := payload["longitude"]; ok && v != nil {
		f, isNumber := v.(float64)
		if !isNumber || !validLongitude(f) {
			return "longitude must be a number between -180 and 180", false
		}
	}
	if v, ok := payload["principal_email"]; ok && v != nil {
		s, isString := v.(string)
		if !isString || !validEmail(s) {
			return "principal_email is malformed", false
		}
	}
	if v, ok := payload["capacity"]; ok && v != nil {
		f, isNumber := v.(float64)
		if !isNumber || f < 0 || f != math.Trunc(f) {
			return "capacity must be a non-negative integer", false
		}
	}
	return "", true
}

// checkSubtypeCategory verifies that the subtype's parent category equals
// the institution's category. Returns a client-error message, or an error
// for store faults.
func (a *API) checkSubtypeCategory(ctx context.Context, subtypeID, categoryID string) (string, error) {
	var parent uuid.UUID
	err := a.db.QueryRowContext(ctx,
		"SELECT category_id FROM subtype WHERE subtype_id = $1;", subtypeID).Scan(&parent)
	if err == csql.ErrNoRows {
		return "no such subtype", nil
	}
	if err != nil {
		return "", err
	}
	if parent.String() != categoryID {
		return "subtype does not belong to category", nil
	}
	return "", nil
}

func (a *API) handleInstitutionRoutes(router *mux.Router) {
	nillog := logger.FromContext(nil)
	nillog.Debugln("create institution resource")
	nillog.Debugln("  handle institution routes: /institutions GET,POST")
	nillog.Debugln("  handle institution routes: /institutions/{institution_id} GET,PUT,DELETE")

	listQuery := "SELECT " + institutionSelectColumns(true) + ", " + institutionLabelColumns + institutionJoins
	readQuery := listQuery + "WHERE i.institution_id = $1;"

	insertColumns := []string{"institution_id"}
	for _, f := range institutionColumns {
		insertColumns = append(insertColumns, f.name)
	}
	insertQuery := "INSERT INTO institution (" + strings.Join(insertColumns, ", ") + ", created_at, updated_at)" +
		" VALUES(" + parameterString(len(insertColumns)) + ", now(), now())" +
		" RETURNING " + institutionSelectColumns(false) + ";"

	list := func(w http.ResponseWriter, r *http.Request) {
		urlQuery := r.URL.Query()
		q, err := institutionFilters(urlQuery)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		orderBy, err := institutionOrderBy(urlQuery.Get("sort"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		limit, err := intParam(urlQuery, "limit", 100)
		if err == nil && limit < 1 {
			err = fmt.Errorf("parameter 'limit': out of range")
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		offset, err := intParam(urlQuery, "offset", 0)
		if err == nil && offset < 0 {
			err = fmt.Errorf("parameter 'offset': out of range")
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		sqlQuery := listQuery + q.whereClause() + "ORDER BY " + orderBy + " " + q.pagination(limit, offset) + ";"
		rows, err := a.db.QueryContext(r.Context(), sqlQuery, q.args...)
		if err != nil {
			writeServerError(w, r, "2001", err)
			return
		}
		defer rows.Close()
		data := []interface{}{}
		for rows.Next() {
			object, err := scanInstitutionRow(rows, true)
			if err != nil {
				writeServerError(w, r, "2002", err)
				return
			}
			data = append(data, object)
		}
		if err := rows.Err(); err != nil {
			writeServerError(w, r, "2003", err)
			return
		}
		// count is the number of rows in this page, not a total
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data":   data,
			"count":  len(data),
			"limit":  limit,
			"offset": offset,
		})
	}

	read := func(w http.ResponseWriter, r *http.Request) {
		institutionID := mux.Vars(r)["institution_id"]
		if !validUUID(institutionID) {
			writeError(w, http.StatusBadRequest, "invalid institution id")
			return
		}
		institution, err := scanInstitutionRow(a.db.QueryRowContext(r.Context(), readQuery, institutionID), true)
		if err == csql.ErrNoRows {
			writeError(w, http.StatusNotFound, "no such institution")
			return
		}
		if err != nil {
			writeServerError(w, r, "2004", err)
			return
		}

		// fan out to all child tables at once, fail fast on the first error
		g, ctx := errgroup.WithContext(r.Context())
		children := make([][]interface{}, len(relationDescriptors))
		for i := range relationDescriptors {
			i, rc := i, &relationDescriptors[i]
			g.Go(func() error {
				items, err := a.relationList(ctx, rc, institutionID)
				if err != nil {
					return err
				}
				children[i] = items
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			writeServerError(w, r, "2005", err)
			return
		}

		response := map[string]interface{}{"institution": institution}
		for i := range relationDescriptors {
			response[relationDescriptors[i].name] = children[i]
		}
		writeJSON(w, http.StatusOK, response)
	}

	create := func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		var missing []string
		for _, name := range []string{"name", "category_id", "subtype_id"} {
			if _, ok := payload[name]; !ok {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			writeError(w, http.StatusBadRequest, "missing required fields: "+strings.Join(missing, ", "))
			return
		}
		if message, ok := validateInstitutionPayload(payload); !ok {
			writeError(w, http.StatusBadRequest, message)
			return
		}
		categoryID, _ := payload["category_id"].(string)
		subtypeID, _ := payload["subtype_id"].(string)
		if !validUUID(categoryID) {
			writeError(w, http.StatusBadRequest, "invalid category id")
			return
		}
		if !validUUID(subtypeID) {
			writeError(w, http.StatusBadRequest, "invalid subtype id")
			return
		}
		message, err := a.checkSubtypeCategory(r.Context(), subtypeID, categoryID)
		if err != nil {
			writeServerError(w, r, "2006", err)
			return
		}
		if message != "" {
			writeError(w, http.StatusBadRequest, message)
			return
		}

		args := []interface{}{uuid.New()}
		for _, f := range institutionColumns {
			value := payload[f.name]
			if !scalar(value) {
				writeError(w, http.StatusBadRequest, "invalid value for field "+f.name)
				return
			}
			args = append(args, value)
		}
		object, err := scanInstitutionRow(a.db.QueryRowContext(r.Context(), insertQuery, args...), false)
		if err != nil {
			switch pqErrorCode(err) {
			case pqUniqueViolation:
				writeError(w, http.StatusConflict, "institution name already exists")
			case pqForeignKeyViolation, pqNotNullViolation, pqInvalidText:
				writeError(w, http.StatusBadRequest, "invalid reference or value")
			default:
				writeServerError(w, r, "2007", err)
			}
			return
		}
		writeJSON(w, http.StatusCreated, object)
	}

	update := func(w http.ResponseWriter, r *http.Request) {
		institutionID := mux.Vars(r)["institution_id"]
		if !validUUID(institutionID) {
			writeError(w, http.StatusBadRequest, "invalid institution id")
			return
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if message, ok := validateInstitutionPayload(payload); !ok {
			writeError(w, http.StatusBadRequest, message)
			return
		}

		var currentCategory, currentSubtype uuid.UUID
		err := a.db.QueryRowContext(r.Context(),
			"SELECT category_id, subtype_id FROM institution WHERE institution_id = $1;",
			institutionID).Scan(&currentCategory, &currentSubtype)
		if err == csql.ErrNoRows {
			writeError(w, http.StatusNotFound, "no such institution")
			return
		}
		if err != nil {
			writeServerError(w, r, "2008", err)
			return
		}

		// the subtype must stay consistent with the category even when only
		// one of the two changes
		categoryID := currentCategory.String()
		subtypeID := currentSubtype.String()
		v, hasCategory := payload["category_id"]
		if hasCategory {
			categoryID, _ = v.(string)
			if !validUUID(categoryID) {
				writeError(w, http.StatusBadRequest, "invalid category id")
				return
			}
		}
		v, hasSubtype := payload["subtype_id"]
		if hasSubtype {
			subtypeID, _ = v.(string)
			if !validUUID(subtypeID) {
				writeError(w, http.StatusBadRequest, "invalid subtype id")
				return
			}
		}
		if hasCategory || hasSubtype {
			message, err := a.checkSubtypeCategory(r.Context(), subtypeID, categoryID)
			if err != nil {
				writeServerError(w, r, "2009", err)
				return
			}
			if message != "" {
				writeError(w, http.StatusBadRequest, message)
				return
			}
		}

		var sets []string
		var args []interface{}
		for _, f := range institutionColumns {
			value, ok := payload[f.name]
			if !ok {
				continue
			}
			if !scalar(value) {
				writeError(w, http.StatusBadRequest, "invalid value for field "+f.name)
				return
			}
			args = append(args, value)
			sets = append(sets, fmt.Sprintf("%s = $%d", f.name, len(args)))
		}
		if len(sets) == 0 {
			writeError(w, http.StatusBadRequest, "no updatable fields in payload")
			return
		}
		args = append(args, institutionID)
		query := fmt.Sprintf("UPDATE institution SET %s, updated_at = now() WHERE institution_id = $%d RETURNING %s;",
			strings.Join(sets, ", "), len(args), institutionSelectColumns(false))
		object, err := scanInstitutionRow(a.db.QueryRowContext(r.Context(), query, args...), false)
		if err == csql.ErrNoRows {
			writeError(w, http.StatusNotFound, "no such institution")
			return
		}
		if err != nil {
			switch pqErrorCode(err) {
			case pqUniqueViolation:
				writeError(w, http.StatusConflict, "institution name already exists")
			case pqForeignKeyViolation, pqNotNullViolation, pqInvalidText:
				writeError(w, http.StatusBadRequest, "invalid reference or value")
			default:
				writeServerError(w, r, "2010", err)
			}
			return
		}
		writeJSON(w, http.StatusOK, object)
	}

	remove := func(w http.ResponseWriter, r *http.Request) {
		institutionID := mux.Vars(r)["institution_id"]
		if !validUUID(institutionID) {
			writeError(w, http.StatusBadRequest, "invalid institution id")
			return
		}
		var id uuid.UUID
		err := a.db.QueryRowContext(r.Context(),
			"SELECT institution_id FROM institution WHERE institution_id = $1;", institutionID).Scan(&id)
		if err == csql.ErrNoRows {
			writeError(w, http.StatusNotFound, "no such institution")
			return
		}
		if err != nil {
			writeServerError(w, r, "2011", err)
			return
		}

		// all child rows and the institution row go in one transaction; any
		// failure leaves everything exactly as it was
		tx, err := a.db.BeginTx(r.Context(), nil)
		if err != nil {
			writeServerError(w, r, "2012", err)
			return
		}
		for i := range relationDescriptors {
			rc := &relationDescriptors[i]
			if _, err := tx.ExecContext(r.Context(),
				"DELETE FROM "+rc.table+" WHERE institution_id = $1;", institutionID); err != nil {
				tx.Rollback()
				writeServerError(w, r, "2013", err)
				return
			}
		}
		if _, err := tx.ExecContext(r.Context(),
			"DELETE FROM institution WHERE institution_id = $1;", institutionID); err != nil {
			tx.Rollback()
			writeServerError(w, r, "2014", err)
			return
		}
		if err := tx.Commit(); err != nil {
			writeServerError(w, r, "2015", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":    "institution deleted",
			"deleted_id": id,
		})
	}

	router.Handle("/institutions", handlers.CompressHandler(http.HandlerFunc(list))).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/institutions", create).Methods(http.MethodPost)
	router.HandleFunc("/institutions/{institution_id}", read).Methods(http.MethodGet)
	router.HandleFunc("/institutions/{institution_id}", update).Methods(http.MethodPut)
	router.HandleFunc("/institutions/{institution_id}", remove).Methods(http.MethodDelete)
}
