package api

import (
	"fmt"
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

type parentRef struct {
	table  string // e.g. "region"
	column string // e.g. "region_id"
}

// referenceDescriptor declares one flat reference or geography entity.
// Create and list are generated for all of them; update and delete only
// where mutable is set (category and subtype).
type referenceDescriptor struct {
	name     string // route segment, e.g. "categories"
	singular string
	table    string
	idColumn string
	key      string // natural key column, "code" or "name"
	parent   *parentRef
	mutable  bool
	geo      bool // mounted under /institutions/geo
}

var referenceDescriptors = []referenceDescriptor{
	{name: "categories", singular: "category", table: "category", idColumn: "category_id",
		key: "code", mutable: true},
	{name: "subtypes", singular: "subtype", table: "subtype", idColumn: "subtype_id",
		key: "code", parent: &parentRef{table: "category", column: "category_id"}, mutable: true},
	{name: "contact-types", singular: "contact type", table: "contact_type", idColumn: "contact_type_id",
		key: "code"},
	{name: "staff-types", singular: "staff type", table: "staff_type", idColumn: "staff_type_id",
		key: "code"},
	{name: "utility-types", singular: "utility type", table: "utility_type", idColumn: "utility_type_id",
		key: "code"},
	{name: "regions", singular: "region", table: "region", idColumn: "region_id",
		key: "name", geo: true},
	{name: "districts", singular: "district", table: "district", idColumn: "district_id",
		key: "code", parent: &parentRef{table: "region", column: "region_id"}, geo: true},
	{name: "communes", singular: "commune", table: "commune", idColumn: "commune_id",
		key: "code", parent: &parentRef{table: "district", column: "district_id"}, geo: true},
	{name: "streets", singular: "street", table: "street", idColumn: "street_id",
		key: "name", parent: &parentRef{table: "commune", column: "commune_id"}, geo: true},
}

func (rc *referenceDescriptor) selectColumns() string {
	columns := []string{rc.idColumn}
	if rc.parent != nil {
		columns = append(columns, rc.parent.column)
	}
	columns = append(columns, rc.key, "label", "created_at")
	return strings.Join(columns, ", ")
}

func (rc *referenceDescriptor) scanRow(s scanner) (map[string]interface{}, error) {
	var id uuid.UUID
	var parentID, key, label sql.NullString
	var createdAt time.Time

	values := []interface{}{&id}
	if rc.parent != nil {
		values = append(values, &parentID)
	}
	values = append(values, &key, &label, &createdAt)
	if err := s.Scan(values...); err != nil {
		return nil, err
	}

	object := map[string]interface{}{
		rc.idColumn:  id,
		rc.key:       nullValue(&key),
		"label":      nullValue(&label),
		"created_at": createdAt,
	}
	if rc.parent != nil {
		object[rc.parent.column] = nullValue(&parentID)
	}
	return object, nil
}

// createReferenceResource adds the CRUD routes for one reference entity.
func (a *API) createReferenceResource(router *mux.Router, rc referenceDescriptor) {
	nillog := logger.FromContext(nil)
	nillog.Debugln("create reference resource:", rc.name)

	base := "/institutions/"
	if rc.geo {
		base += "geo/"
	}
	listRoute := base + rc.name
	itemRoute := listRoute + "/{item_id}"

	listQuery := "SELECT " + rc.selectColumns() + " FROM " + rc.table + " "
	listOrder := "ORDER BY " + rc.key + ";"

	requiredFields := []string{rc.key, "label"}
	if rc.parent != nil {
		requiredFields = append([]string{rc.parent.column}, requiredFields...)
	}
	insertQuery := "INSERT INTO " + rc.table + " (" + rc.idColumn + ", " + strings.Join(requiredFields, ", ") + ", created_at)" +
		" VALUES(" + parameterString(len(requiredFields)+1) + ", now())" +
		" RETURNING " + rc.selectColumns() + ";"

	list := func(w http.ResponseWriter, r *http.Request) {
		query := listQuery
		var args []interface{}
		if rc.parent != nil {
			if v := r.URL.Query().Get(rc.parent.column); v != "" {
				if !validUUID(v) {
					writeError(w, http.StatusBadRequest, "invalid "+rc.parent.column)
					return
				}
				query += "WHERE " + rc.parent.column + " = $1 "
				args = append(args, v)
			}
		}
		rows, err := a.db.QueryContext(r.Context(), query+listOrder, args...)
		if err != nil {
			writeServerError(w, r, "4001", err)
			return
		}
		defer rows.Close()
		response := []interface{}{}
		for rows.Next() {
			object, err := rc.scanRow(rows)
			if err != nil {
				writeServerError(w, r, "4002", err)
				return
			}
			response = append(response, object)
		}
		if err := rows.Err(); err != nil {
			writeServerError(w, r, "4003", err)
			return
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
		for _, name := range requiredFields {
			if _, ok := payload[name]; !ok {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			writeError(w, http.StatusBadRequest, "missing required fields: "+strings.Join(missing, ", "))
			return
		}
		args := []interface{}{uuid.New()}
		for _, name := range requiredFields {
			value, isString := payload[name].(string)
			if !isString || value == "" {
				writeError(w, http.StatusBadRequest, "field "+name+" must be a non-empty string")
				return
			}
			args = append(args, value)
		}
		if rc.parent != nil {
			if parentID, _ := payload[rc.parent.column].(string); !validUUID(parentID) {
				writeError(w, http.StatusBadRequest, "invalid "+rc.parent.column)
				return
			}
		}
		object, err := rc.scanRow(a.db.QueryRowContext(r.Context(), insertQuery, args...))
		if err != nil {
			switch pqErrorCode(err) {
			case pqUniqueViolation:
				writeError(w, http.StatusConflict, "duplicate "+rc.singular+" "+rc.key)
			case pqForeignKeyViolation:
				message := "invalid reference"
				if rc.parent != nil {
					message = "no such " + rc.parent.table
				}
				writeError(w, http.StatusBadRequest, message)
			default:
				writeServerError(w, r, "4004", err)
			}
			return
		}
		writeJSON(w, http.StatusCreated, object)
	}

	update := func(w http.ResponseWriter, r *http.Request) {
		itemID := mux.Vars(r)["item_id"]
		if !validUUID(itemID) {
			writeError(w, http.StatusBadRequest, "invalid "+rc.singular+" id")
			return
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		var sets []string
		var args []interface{}
		for _, name := range []string{rc.key, "label"} {
			value, ok := payload[name]
			if !ok {
				continue
			}
			s, isString := value.(string)
			if !isString || s == "" {
				writeError(w, http.StatusBadRequest, "field "+name+" must be a non-empty string")
				return
			}
			args = append(args, s)
			sets = append(sets, fmt.Sprintf("%s = $%d", name, len(args)))
		}
		if len(sets) == 0 {
			writeError(w, http.StatusBadRequest, "no updatable fields in payload")
			return
		}
		args = append(args, itemID)
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d RETURNING %s;",
			rc.table, strings.Join(sets, ", "), rc.idColumn, len(args), rc.selectColumns())
		object, err := rc.scanRow(a.db.QueryRowContext(r.Context(), query, args...))
		if err == csql.ErrNoRows {
			writeError(w, http.StatusNotFound, "no such "+rc.singular)
			return
		}
		if err != nil {
			if pqErrorCode(err) == pqUniqueViolation {
				writeError(w, http.StatusConflict, "duplicate "+rc.singular+" "+rc.key)
				return
			}
			writeServerError(w, r, "4005", err)
			return
		}
		writeJSON(w, http.StatusOK, object)
	}

	remove := func(w http.ResponseWriter, r *http.Request) {
		itemID := mux.Vars(r)["item_id"]
		if !validUUID(itemID) {
			writeError(w, http.StatusBadRequest, "invalid "+rc.singular+" id")
			return
		}
		var id uuid.UUID
		err := a.db.QueryRowContext(r.Context(),
			"DELETE FROM "+rc.table+" WHERE "+rc.idColumn+" = $1 RETURNING "+rc.idColumn+";",
			itemID).Scan(&id)
		if err == csql.ErrNoRows {
			writeError(w, http.StatusNotFound, "no such "+rc.singular)
			return
		}
		if err != nil {
			if pqErrorCode(err) == pqForeignKeyViolation {
				writeError(w, http.StatusConflict, rc.singular+" is still referenced")
				return
			}
			writeServerError(w, r, "4006", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":    rc.singular + " deleted",
			"deleted_id": id,
		})
	}

	methods := "GET,POST"
	if rc.mutable {
		methods += ",PUT,DELETE"
	}
	nillog.Debugln("  handle reference routes:", listRoute, methods)

	router.Handle(listRoute, handlers.CompressHandler(http.HandlerFunc(list))).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc(listRoute, create).Methods(http.MethodPost)
	if rc.mutable {
		router.HandleFunc(itemRoute, update).Methods(http.MethodPut)
		router.HandleFunc(itemRoute, remove).Methods(http.MethodDelete)
	}
}

func (a *API) handleReferenceRoutes(router *mux.Router) {
	for _, rc := range referenceDescriptors {
		a.createReferenceResource(router, rc)
	}
}
