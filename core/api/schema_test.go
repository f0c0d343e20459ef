package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableStatement(t *testing.T, table string) string {
	t.Helper()
	for _, statement := range createStatements() {
		if strings.Contains(statement, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			return statement
		}
	}
	t.Fatal("no create statement for table " + table)
	return ""
}

// Street names are globally unique; the street list filter resolves a name
// with a scalar sub-select and a composite per-commune key would let it
// return more than one row.
func TestStreetNameGloballyUnique(t *testing.T) {
	statement := tableStatement(t, "street")
	assert.Contains(t, statement, "name varchar NOT NULL UNIQUE")
	assert.NotContains(t, statement, "UNIQUE (commune_id, name)")
}

func TestChildTablesReferenceInstitution(t *testing.T) {
	for _, rc := range relationDescriptors {
		statement := tableStatement(t, rc.table)
		assert.Contains(t, statement, "institution_id uuid NOT NULL REFERENCES institution (institution_id)", rc.table)
	}
}

func TestOpeningHourDayUniquePerInstitution(t *testing.T) {
	statement := tableStatement(t, "opening_hour")
	require.Contains(t, statement, "UNIQUE (institution_id, day_of_week)")
}
