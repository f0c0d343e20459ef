package api

import (
	"context"
	"errors"
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

	"github.com/carto-services/institutions-api/core/csql"
	"github.com/carto-services/institutions-api/core/logger"
)

type fieldKind int

const (
	kindText fieldKind = iota
	kindInt
	kindFloat
	kindBool
	kindTime
)

type field struct {
	name string
	kind fieldKind
}

// typeJoin joins a reference table for a display label on reads.
type typeJoin struct {
	table  string // e.g. "contact_type"
	column string // e.g. "contact_type_id"
	as     string // label key in the response, e.g. "contact_type_label"
}

// relationDescriptor declares one child-entity kind owned by an
// institution. The five CRUD operations are generated from this
// description alone; there is no per-entity handler code.
type relationDescriptor struct {
	name     string  // path segment, e.g. "contacts"
	singular string  // for messages, e.g. "contact"
	table    string  // child table
	idColumn string  // primary key column of table
	fields   []field // editable payload fields
	required []string
	orderBy  string // fixed list order, a property of the entity kind
	typeJoin *typeJoin
	// validate checks payload semantics before any write. It sees create
	// and update payloads alike and must only inspect fields that are
	// present.
	validate func(payload map[string]interface{}) error
	// decorate optionally adds derived read-only keys to a fetched row
	decorate func(object map[string]interface{})
}

var frenchDayNames = map[int64]string{
	1: "lundi", 2: "mardi", 3: "mercredi", 4: "jeudi",
	5: "vendredi", 6: "samedi", 7: "dimanche",
}

func validateDayOfWeek(payload map[string]interface{}) error {
	value, ok := payload["day_of_week"]
	if !ok {
		return nil
	}
	day, isNumber := value.(float64)
	if !isNumber || day != math.Trunc(day) || day < 1 || day > 7 {
		return errors.New("day_of_week must be an integer between 1 and 7")
	}
	return nil
}

func addDayName(object map[string]interface{}) {
	if day, ok := object["day_of_week"].(int64); ok {
		object["day_name"] = frenchDayNames[day]
	}
}

var relationDescriptors = []relationDescriptor{
	{
		name: "contacts", singular: "contact", table: "contact", idColumn: "contact_id",
		fields: []field{
			{"contact_type_id", kindText}, {"name", kindText},
			{"phone", kindText}, {"email", kindText},
		},
		required: []string{"contact_type_id"},
		orderBy:  "t.created_at",
		typeJoin: &typeJoin{table: "contact_type", column: "contact_type_id", as: "contact_type_label"},
	},
	{
		name: "staff", singular: "staff member", table: "institution_staff", idColumn: "staff_id",
		fields: []field{
			{"staff_type_id", kindText}, {"quantity", kindInt}, {"description", kindText},
		},
		required: []string{"staff_type_id", "quantity"},
		orderBy:  "t.quantity DESC",
		typeJoin: &typeJoin{table: "staff_type", column: "staff_type_id", as: "staff_type_label"},
	},
	{
		name: "utilities", singular: "utility", table: "institution_utility", idColumn: "utility_id",
		fields: []field{
			{"utility_type_id", kindText}, {"available", kindBool}, {"notes", kindText},
		},
		required: []string{"utility_type_id"},
		orderBy:  "t.created_at",
		typeJoin: &typeJoin{table: "utility_type", column: "utility_type_id", as: "utility_type_label"},
	},
	{
		name: "services", singular: "service", table: "service", idColumn: "service_id",
		fields: []field{
			{"name", kindText}, {"description", kindText},
		},
		required: []string{"name"},
		orderBy:  "t.created_at",
	},
	{
		name: "photos", singular: "photo", table: "photo", idColumn: "photo_id",
		fields: []field{
			{"url", kindText}, {"caption", kindText}, {"taken_at", kindTime},
		},
		required: []string{"url"},
		orderBy:  "t.created_at",
	},
	{
		name: "opening_hours", singular: "opening hour", table: "opening_hour", idColumn: "opening_hour_id",
		fields: []field{
			{"day_of_week", kindInt}, {"open_time", kindText}, {"close_time", kindText},
		},
		required: []string{"day_of_week"},
		orderBy:  "t.day_of_week",
		validate: validateDayOfWeek,
		decorate: addDayName,
	},
	{
		name: "education_fees", singular: "education fee", table: "education_fee", idColumn: "education_fee_id",
		fields: []field{
			{"level", kindText}, {"amount", kindFloat},
			{"currency", kindText}, {"description", kindText},
		},
		required: []string{"level", "amount"},
		orderBy:  "t.level, t.amount",
	},
	{
		name: "ratios", singular: "ratio", table: "institution_ratio", idColumn: "ratio_id",
		fields: []field{
			{"ratio_type", kindText}, {"value", kindFloat}, {"year", kindInt},
		},
		required: []string{"ratio_type", "value", "year"},
		orderBy:  "t.year DESC, t.ratio_type",
	},
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullValue(holder interface{}) interface{} {
	switch v := holder.(type) {
	case *sql.NullString:
		if v.Valid {
			return v.String
		}
	case *sql.NullInt64:
		if v.Valid {
			return v.Int64
		}
	case *sql.NullFloat64:
		if v.Valid {
			return v.Float64
		}
	case *sql.NullBool:
		if v.Valid {
			return v.Bool
		}
	case *sql.NullTime:
		if v.Valid {
			return v.Time
		}
	}
	return nil
}

func nullHolder(kind fieldKind) interface{} {
	switch kind {
	case kindInt:
		return &sql.NullInt64{}
	case kindFloat:
		return &sql.NullFloat64{}
	case kindBool:
		return &sql.NullBool{}
	case kindTime:
		return &sql.NullTime{}
	default:
		return &sql.NullString{}
	}
}

// selectColumns returns "<id>, institution_id, <fields...>, created_at",
// prefixed for the joined list/read queries when qualified is set.
func (rc *relationDescriptor) selectColumns(qualified bool) string {
	prefix := ""
	if qualified {
		prefix = "t."
	}
	columns := []string{prefix + rc.idColumn, prefix + "institution_id"}
	for _, f := range rc.fields {
		columns = append(columns, prefix+f.name)
	}
	columns = append(columns, prefix+"created_at")
	return strings.Join(columns, ", ")
}

func (rc *relationDescriptor) listQuery() string {
	query := "SELECT " + rc.selectColumns(true)
	if rc.typeJoin != nil {
		query += ", j.label AS " + rc.typeJoin.as
	}
	query += " FROM " + rc.table + " t"
	if rc.typeJoin != nil {
		query += " LEFT JOIN " + rc.typeJoin.table + " j ON j." + rc.typeJoin.column + " = t." + rc.typeJoin.column
	}
	return query + " WHERE t.institution_id = $1 ORDER BY " + rc.orderBy + ";"
}

func (rc *relationDescriptor) readQuery() string {
	query := "SELECT " + rc.selectColumns(true)
	if rc.typeJoin != nil {
		query += ", j.label AS " + rc.typeJoin.as
	}
	query += " FROM " + rc.table + " t"
	if rc.typeJoin != nil {
		query += " LEFT JOIN " + rc.typeJoin.table + " j ON j." + rc.typeJoin.column + " = t." + rc.typeJoin.column
	}
	return query + " WHERE t." + rc.idColumn + " = $1 AND t.institution_id = $2;"
}

func (rc *relationDescriptor) insertQuery() string {
	columns := []string{rc.idColumn, "institution_id"}
	for _, f := range rc.fields {
		columns = append(columns, f.name)
	}
	return "INSERT INTO " + rc.table + " (" + strings.Join(columns, ", ") + ", created_at)" +
		" VALUES(" + parameterString(len(columns)) + ", now())" +
		" RETURNING " + rc.selectColumns(false) + ";"
}

func (rc *relationDescriptor) deleteQuery() string {
	return "DELETE FROM " + rc.table + " WHERE " + rc.idColumn + " = $1 AND institution_id = $2" +
		" RETURNING " + rc.idColumn + ";"
}

// scanRow scans one child row into a response object. The scanner must
// deliver the columns of selectColumns, plus the join label when withLabel
// is set.
func (rc *relationDescriptor) scanRow(s scanner, withLabel bool) (map[string]interface{}, error) {
	var id, institutionID uuid.UUID
	var createdAt time.Time
	var label sql.NullString

	values := make([]interface{}, 0, len(rc.fields)+4)
	values = append(values, &id, &institutionID)
	holders := make([]interface{}, len(rc.fields))
	for i, f := range rc.fields {
		holders[i] = nullHolder(f.kind)
		values = append(values, holders[i])
	}
	values = append(values, &createdAt)
	if withLabel && rc.typeJoin != nil {
		values = append(values, &label)
	}
	if err := s.Scan(values...); err != nil {
		return nil, err
	}

	object := map[string]interface{}{
		rc.idColumn:      id,
		"institution_id": institutionID,
		"created_at":     createdAt,
	}
	for i, f := range rc.fields {
		object[f.name] = nullValue(holders[i])
	}
	if withLabel && rc.typeJoin != nil {
		object[rc.typeJoin.as] = nullValue(&label)
	}
	if rc.decorate != nil {
		rc.decorate(object)
	}
	return object, nil
}

// relationList fetches all child rows of one kind for an institution, in
// the descriptor's fixed order. Shared between the relation list route and
// the composite institution read.
func (a *API) relationList(ctx context.Context, rc *relationDescriptor, institutionID string) ([]interface{}, error) {
	rows, err := a.db.QueryContext(ctx, rc.listQuery(), institutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	response := []interface{}{}
	for rows.Next() {
		object, err := rc.scanRow(rows, true)
		if err != nil {
			return nil, err
		}
		response = append(response, object)
	}
	return response, rows.Err()
}

// returns $1,...,$n
func parameterString(n int) string {
	result := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			result += ","
		}
		result += fmt.Sprintf("$%d", i+1)
	}
	return result
}

// createRelationResource adds the five CRUD routes for one child-entity
// kind. Every operation except list and create is scoped by both the child
// id and the owning institution id; a child row is never addressable with
// only one of the two.
func (a *API) createRelationResource(router *mux.Router, rc relationDescriptor) {
	nillog := logger.FromContext(nil)
	nillog.Debugln("create relation resource:", rc.name)

	listRoute := "/institutions/{institution_id}/" + rc.name
	itemRoute := listRoute + "/{item_id}"
	nillog.Debugln("  handle relation routes:", listRoute, "GET,POST")
	nillog.Debugln("  handle relation routes:", itemRoute, "GET,PUT,DELETE")

	readQuery := rc.readQuery()
	insertQuery := rc.insertQuery()
	deleteQuery := rc.deleteQuery()

	list := func(w http.ResponseWriter, r *http.Request) {
		institutionID := mux.Vars(r)["institution_id"]
		if !validUUID(institutionID) {
			writeError(w, http.StatusBadRequest, "invalid institution id")
			return
		}
		response, err := a.relationList(r.Context(), &rc, institutionID)
		if err != nil {
			writeServerError(w, r, "3001", err)
			return
		}
		writeJSON(w, http.StatusOK, response)
	}

	read := func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		institutionID, itemID := params["institution_id"], params["item_id"]
		if !validUUID(institutionID) {
			writeError(w, http.StatusBadRequest, "invalid institution id")
			return
		}
		if !validUUID(itemID) {
			writeError(w, http.StatusBadRequest, "invalid "+rc.singular+" id")
			return
		}
		object, err := rc.scanRow(a.db.QueryRowContext(r.Context(), readQuery, itemID, institutionID), true)
		if err == csql.ErrNoRows {
			writeError(w, http.StatusNotFound, "no such "+rc.singular)
			return
		}
		if err != nil {
			writeServerError(w, r, "3002", err)
			return
		}
		writeJSON(w, http.StatusOK, object)
	}

	create := func(w http.ResponseWriter, r *http.Request) {
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
		// presence is checked, not truthiness
		var missing []string
		for _, name := range rc.required {
			if _, ok := payload[name]; !ok {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			writeError(w, http.StatusBadRequest, "missing required fields: "+strings.Join(missing, ", "))
			return
		}
		if rc.validate != nil {
			if err := rc.validate(payload); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		args := []interface{}{uuid.New(), institutionID}
		for _, f := range rc.fields {
			value := payload[f.name]
			if !scalar(value) {
				writeError(w, http.StatusBadRequest, "invalid value for field "+f.name)
				return
			}
			args = append(args, value)
		}
		object, err := rc.scanRow(a.db.QueryRowContext(r.Context(), insertQuery, args...), false)
		if err != nil {
			switch pqErrorCode(err) {
			case pqUniqueViolation:
				writeError(w, http.StatusConflict, "duplicate "+rc.singular)
			case pqForeignKeyViolation, pqNotNullViolation, pqInvalidText:
				writeError(w, http.StatusBadRequest, "invalid reference or value")
			default:
				writeServerError(w, r, "3003", err)
			}
			return
		}
		writeJSON(w, http.StatusCreated, object)
	}

	update := func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		institutionID, itemID := params["institution_id"], params["item_id"]
		if !validUUID(institutionID) {
			writeError(w, http.StatusBadRequest, "invalid institution id")
			return
		}
		if !validUUID(itemID) {
			writeError(w, http.StatusBadRequest, "invalid "+rc.singular+" id")
			return
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if rc.validate != nil {
			if err := rc.validate(payload); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		var sets []string
		var args []interface{}
		for _, f := range rc.fields {
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
		args = append(args, itemID, institutionID)
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d AND institution_id = $%d RETURNING %s;",
			rc.table, strings.Join(sets, ", "), rc.idColumn, len(args)-1, len(args), rc.selectColumns(false))
		object, err := rc.scanRow(a.db.QueryRowContext(r.Context(), query, args...), false)
		if err == csql.ErrNoRows {
			writeError(w, http.StatusNotFound, "no such "+rc.singular)
			return
		}
		if err != nil {
			switch pqErrorCode(err) {
			case pqUniqueViolation:
				writeError(w, http.StatusConflict, "duplicate "+rc.singular)
			case pqForeignKeyViolation, pqNotNullViolation, pqInvalidText:
				writeError(w, http.StatusBadRequest, "invalid reference or value")
			default:
				writeServerError(w, r, "3004", err)
			}
			return
		}
		writeJSON(w, http.StatusOK, object)
	}

	remove := func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		institutionID, itemID := params["institution_id"], params["item_id"]
		if !validUUID(institutionID) {
			writeError(w, http.StatusBadRequest, "invalid institution id")
			return
		}
		if !validUUID(itemID) {
			writeError(w, http.StatusBadRequest, "invalid "+rc.singular+" id")
			return
		}
		var id uuid.UUID
		err := a.db.QueryRowContext(r.Context(), deleteQuery, itemID, institutionID).Scan(&id)
		if err == csql.ErrNoRows {
			writeError(w, http.StatusNotFound, "no such "+rc.singular)
			return
		}
		if err != nil {
			writeServerError(w, r, "3005", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":    rc.singular + " deleted",
			"deleted_id": id,
		})
	}

	router.Handle(listRoute, handlers.CompressHandler(http.HandlerFunc(list))).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc(listRoute, create).Methods(http.MethodPost)
	router.HandleFunc(itemRoute, read).Methods(http.MethodGet)
	router.HandleFunc(itemRoute, update).Methods(http.MethodPut)
	router.HandleFunc(itemRoute, remove).Methods(http.MethodDelete)
}
