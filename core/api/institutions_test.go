package api

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCategoryID = "0c0c0c0c-1111-4222-8333-444444444444"
	testSubtypeID  = "0d0d0d0d-1111-4222-8333-444444444444"
)

func institutionRowColumns(withLabels bool) []string {
	columns := []string{"institution_id"}
	for _, f := range institutionColumns {
		columns = append(columns, f.name)
	}
	columns = append(columns, "created_at", "updated_at")
	if withLabels {
		columns = append(columns, "category_label", "subtype_label", "region_name",
			"district_label", "commune_label", "street_name")
	}
	return columns
}

// minimalInstitutionRow builds a row with only the required fields set; all
// optional columns are NULL.
func minimalInstitutionRow(id, name string, withLabels bool) *sqlmock.Rows {
	columns := institutionRowColumns(withLabels)
	values := make([]driver.Value, len(columns))
	for i, column := range columns {
		switch column {
		case "institution_id":
			values[i] = id
		case "name":
			values[i] = name
		case "category_id":
			values[i] = testCategoryID
		case "subtype_id":
			values[i] = testSubtypeID
		case "created_at", "updated_at":
			values[i] = time.Now()
		case "category_label":
			values[i] = "École"
		case "subtype_label":
			values[i] = "Lycée"
		default:
			values[i] = nil
		}
	}
	return sqlmock.NewRows(columns).AddRow(values...)
}

func TestInstitutionListPagination(t *testing.T) {
	mock, router := newTestAPI(t)

	mock.ExpectQuery("FROM institution i").
		WithArgs(10, 20).
		WillReturnRows(sqlmock.NewRows(institutionRowColumns(true)))

	w := doRequest(t, router, http.MethodGet, "/api/v1/institutions?limit=10&offset=20", "")
	require.Equal(t, http.StatusOK, w.Code)
	object := decodeBody(t, w)
	assert.Equal(t, float64(0), object["count"])
	assert.Equal(t, float64(10), object["limit"])
	assert.Equal(t, float64(20), object["offset"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionListNameFilter(t *testing.T) {
	mock, router := newTestAPI(t)

	mock.ExpectQuery("FROM institution i").
		WithArgs("%lycee%", 100, 0).
		WillReturnRows(minimalInstitutionRow(testInstitutionID, "Lycée Exemple", true))

	w := doRequest(t, router, http.MethodGet, "/api/v1/institutions?name=lycee", "")
	require.Equal(t, http.StatusOK, w.Code)
	object := decodeBody(t, w)
	assert.Equal(t, float64(1), object["count"])
	data := object["data"].([]interface{})
	assert.Equal(t, "Lycée Exemple", data[0].(map[string]interface{})["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionListRejectsUnknownSort(t *testing.T) {
	mock, router := newTestAPI(t)

	w := doRequest(t, router, http.MethodGet, "/api/v1/institutions?sort=evil_column", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionGetMalformedID(t *testing.T) {
	mock, router := newTestAPI(t)

	w := doRequest(t, router, http.MethodGet, "/api/v1/institutions/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionGetNotFound(t *testing.T) {
	mock, router := newTestAPI(t)

	mock.ExpectQuery("FROM institution i").
		WithArgs(testInstitutionID).
		WillReturnError(sql.ErrNoRows)

	w := doRequest(t, router, http.MethodGet, "/api/v1/institutions/"+testInstitutionID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionGetComposite(t *testing.T) {
	mock, router := newTestAPI(t)
	// the eight child queries run concurrently, their order is not defined
	mock.MatchExpectationsInOrder(false)

	mock.ExpectQuery("FROM institution i").
		WithArgs(testInstitutionID).
		WillReturnRows(minimalInstitutionRow(testInstitutionID, "Lycée Exemple", true))
	for _, rc := range relationDescriptors {
		mock.ExpectQuery("FROM " + rc.table + " t").
			WithArgs(testInstitutionID).
			WillReturnRows(sqlmock.NewRows([]string{rc.idColumn}))
	}

	w := doRequest(t, router, http.MethodGet, "/api/v1/institutions/"+testInstitutionID, "")
	require.Equal(t, http.StatusOK, w.Code)
	object := decodeBody(t, w)
	institution := object["institution"].(map[string]interface{})
	assert.Equal(t, "Lycée Exemple", institution["name"])
	for _, key := range []string{"contacts", "staff", "utilities", "services",
		"photos", "opening_hours", "education_fees", "ratios"} {
		list, ok := object[key].([]interface{})
		require.True(t, ok, key)
		assert.Empty(t, list, key)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionCreateMinimal(t *testing.T) {
	mock, router := newTestAPI(t)

	mock.ExpectQuery("SELECT category_id FROM subtype").
		WithArgs(testSubtypeID).
		WillReturnRows(sqlmock.NewRows([]string{"category_id"}).AddRow(testCategoryID))
	mock.ExpectQuery("INSERT INTO institution").
		WillReturnRows(minimalInstitutionRow(testInstitutionID, "École A", false))

	w := doRequest(t, router, http.MethodPost, "/api/v1/institutions",
		`{"name": "École A", "category_id": "`+testCategoryID+`", "subtype_id": "`+testSubtypeID+`"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	object := decodeBody(t, w)
	assert.Equal(t, testInstitutionID, object["institution_id"])
	assert.Equal(t, "École A", object["name"])
	assert.Nil(t, object["latitude"])
	assert.Nil(t, object["status"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionCreateMissingRequired(t *testing.T) {
	mock, router := newTestAPI(t)

	w := doRequest(t, router, http.MethodPost, "/api/v1/institutions", `{"label": "x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	message := decodeBody(t, w)["error"].(string)
	assert.Contains(t, message, "name")
	assert.Contains(t, message, "category_id")
	assert.Contains(t, message, "subtype_id")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionCreateDuplicateName(t *testing.T) {
	mock, router := newTestAPI(t)

	mock.ExpectQuery("SELECT category_id FROM subtype").
		WithArgs(testSubtypeID).
		WillReturnRows(sqlmock.NewRows([]string{"category_id"}).AddRow(testCategoryID))
	mock.ExpectQuery("INSERT INTO institution").
		WillReturnError(&pq.Error{Code: "23505"})

	w := doRequest(t, router, http.MethodPost, "/api/v1/institutions",
		`{"name": "École A", "category_id": "`+testCategoryID+`", "subtype_id": "`+testSubtypeID+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionCreateSubtypeCategoryMismatch(t *testing.T) {
	mock, router := newTestAPI(t)

	mock.ExpectQuery("SELECT category_id FROM subtype").
		WithArgs(testSubtypeID).
		WillReturnRows(sqlmock.NewRows([]string{"category_id"}).AddRow(otherID))

	w := doRequest(t, router, http.MethodPost, "/api/v1/institutions",
		`{"name": "École A", "category_id": "`+testCategoryID+`", "subtype_id": "`+testSubtypeID+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "subtype does not belong to category")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionCreateValidation(t *testing.T) {
	mock, router := newTestAPI(t)

	base := `"category_id": "` + testCategoryID + `", "subtype_id": "` + testSubtypeID + `"`
	for _, body := range []string{
		`{"name": "A", ` + base + `, "latitude": 91}`,
		`{"name": "A", ` + base + `, "longitude": -200.5}`,
		`{"name": "A", ` + base + `, "principal_email": "a@b"}`,
		`{"name": "A", ` + base + `, "principal_email": "a.b@"}`,
		`{"name": "A", ` + base + `, "capacity": -5}`,
	} {
		w := doRequest(t, router, http.MethodPost, "/api/v1/institutions", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionUpdateStatusOnly(t *testing.T) {
	mock, router := newTestAPI(t)

	mock.ExpectQuery("SELECT category_id, subtype_id FROM institution").
		WithArgs(testInstitutionID).
		WillReturnRows(sqlmock.NewRows([]string{"category_id", "subtype_id"}).
			AddRow(testCategoryID, testSubtypeID))
	rows := minimalInstitutionRow(testInstitutionID, "École A", false)
	mock.ExpectQuery("UPDATE institution SET status").
		WithArgs("fermé", testInstitutionID).
		WillReturnRows(rows)

	w := doRequest(t, router, http.MethodPut,
		"/api/v1/institutions/"+testInstitutionID, `{"status": "fermé"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionUpdateIgnoresUnknownKeys(t *testing.T) {
	mock, router := newTestAPI(t)

	mock.ExpectQuery("SELECT category_id, subtype_id FROM institution").
		WithArgs(testInstitutionID).
		WillReturnRows(sqlmock.NewRows([]string{"category_id", "subtype_id"}).
			AddRow(testCategoryID, testSubtypeID))

	w := doRequest(t, router, http.MethodPut,
		"/api/v1/institutions/"+testInstitutionID, `{"garbage": true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "no updatable fields")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionUpdateNotFound(t *testing.T) {
	mock, router := newTestAPI(t)

	mock.ExpectQuery("SELECT category_id, subtype_id FROM institution").
		WithArgs(testInstitutionID).
		WillReturnError(sql.ErrNoRows)

	w := doRequest(t, router, http.MethodPut,
		"/api/v1/institutions/"+testInstitutionID, `{"status": "fermé"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionDelete(t *testing.T) {
	mock, router := newTestAPI(t)

	mock.ExpectQuery("SELECT institution_id FROM institution").
		WithArgs(testInstitutionID).
		WillReturnRows(sqlmock.NewRows([]string{"institution_id"}).AddRow(testInstitutionID))
	mock.ExpectBegin()
	for _, rc := range relationDescriptors {
		mock.ExpectExec("DELETE FROM " + rc.table + " WHERE institution_id").
			WithArgs(testInstitutionID).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec("DELETE FROM institution WHERE institution_id").
		WithArgs(testInstitutionID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := doRequest(t, router, http.MethodDelete, "/api/v1/institutions/"+testInstitutionID, "")
	require.Equal(t, http.StatusOK, w.Code)
	object := decodeBody(t, w)
	assert.Equal(t, testInstitutionID, object["deleted_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionDeleteRollsBackOnFailure(t *testing.T) {
	mock, router := newTestAPI(t)

	mock.ExpectQuery("SELECT institution_id FROM institution").
		WithArgs(testInstitutionID).
		WillReturnRows(sqlmock.NewRows([]string{"institution_id"}).AddRow(testInstitutionID))
	mock.ExpectBegin()
	// deletes run in descriptor order; fail on the fifth child table
	for _, rc := range relationDescriptors[:4] {
		mock.ExpectExec("DELETE FROM " + rc.table + " WHERE institution_id").
			WithArgs(testInstitutionID).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec("DELETE FROM " + relationDescriptors[4].table + " WHERE institution_id").
		WithArgs(testInstitutionID).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	w := doRequest(t, router, http.MethodDelete, "/api/v1/institutions/"+testInstitutionID, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "boom", decodeBody(t, w)["details"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstitutionDeleteNotFound(t *testing.T) {
	mock, router := newTestAPI(t)

	mock.ExpectQuery("SELECT institution_id FROM institution").
		WithArgs(testInstitutionID).
		WillReturnError(sql.ErrNoRows)

	w := doRequest(t, router, http.MethodDelete, "/api/v1/institutions/"+testInstitutionID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
