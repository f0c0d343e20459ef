package api

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/carto-services/institutions-api/core/csql"
)

func newTestAPI(t *testing.T) (sqlmock.Sqlmock, *mux.Router) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	router := mux.NewRouter()
	MustNew(&Builder{DB: &csql.DB{DB: db}, Router: router})
	return mock, router
}

func doRequest(t *testing.T, router *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, reader)
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var object map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &object))
	return object
}

func decodeArray(t *testing.T, w *httptest.ResponseRecorder) []interface{} {
	t.Helper()
	var array []interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &array))
	return array
}
