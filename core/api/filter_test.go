package api

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstitutionFiltersEmpty(t *testing.T) {
	q, err := institutionFilters(url.Values{})
	require.NoError(t, err)
	assert.Empty(t, q.whereClause())
	assert.Empty(t, q.args)
	assert.Equal(t, "LIMIT $1 OFFSET $2", q.pagination(100, 0))
	assert.Equal(t, []interface{}{100, 0}, q.args)
}

func TestInstitutionFiltersOrdering(t *testing.T) {
	values := url.Values{}
	values.Set("category", "SCH")
	values.Set("subtype", "LYC")
	values.Set("region", "Analamanga")
	values.Set("district", "D01")
	values.Set("commune", "C42")
	values.Set("street", "Rue des Ecoles")
	values.Set("name", "lycee")
	values.Set("status", "ouvert")
	values.Set("min_capacity", "50")
	values.Set("max_capacity", "500")

	q, err := institutionFilters(values)
	require.NoError(t, err)

	// placeholder numbering follows the fixed evaluation order
	require.Len(t, q.clauses, 10)
	require.Len(t, q.args, 10)
	assert.Contains(t, q.clauses[0], "category")
	assert.Contains(t, q.clauses[0], "$1")
	assert.Contains(t, q.clauses[1], "subtype")
	assert.Contains(t, q.clauses[1], "$2")
	assert.Contains(t, q.clauses[5], "street")
	assert.Contains(t, q.clauses[5], "$6")
	assert.Equal(t, "i.name ILIKE $7", q.clauses[6])
	assert.Equal(t, "i.status = $8", q.clauses[7])
	assert.Equal(t, "i.capacity >= $9", q.clauses[8])
	assert.Equal(t, "i.capacity <= $10", q.clauses[9])
	assert.Equal(t, "%lycee%", q.args[6])
	assert.Equal(t, 50, q.args[8])
	assert.Equal(t, 500, q.args[9])

	assert.Equal(t, "LIMIT $11 OFFSET $12", q.pagination(10, 20))
	assert.Equal(t, 10, q.args[10])
	assert.Equal(t, 20, q.args[11])
}

func TestInstitutionFiltersExactCapacity(t *testing.T) {
	values := url.Values{}
	values.Set("min_capacity", "50")
	values.Set("max_capacity", "50")
	q, err := institutionFilters(values)
	require.NoError(t, err)
	assert.Equal(t, "WHERE i.capacity >= $1 AND i.capacity <= $2 ", q.whereClause())
	assert.Equal(t, []interface{}{50, 50}, q.args)
}

func TestInstitutionFiltersBadCapacity(t *testing.T) {
	values := url.Values{}
	values.Set("min_capacity", "many")
	_, err := institutionFilters(values)
	assert.Error(t, err)
}

func TestInstitutionOrderBy(t *testing.T) {
	column, err := institutionOrderBy("")
	require.NoError(t, err)
	assert.Equal(t, "i.name", column)

	column, err = institutionOrderBy("capacity")
	require.NoError(t, err)
	assert.Equal(t, "i.capacity", column)

	// sort keys outside the allow-list are rejected, never interpolated
	_, err = institutionOrderBy("name; DROP TABLE institution")
	assert.Error(t, err)
	_, err = institutionOrderBy("i.name")
	assert.Error(t, err)
}
