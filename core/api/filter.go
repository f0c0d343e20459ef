package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// queryBuilder assembles a conjunctive WHERE clause from an ordered list of
// predicates. Each predicate expression references its bound value with a
// %d verb, e.g. "i.status = $%d"; the placeholder number is assigned in the
// exact order the predicates are added, so predicate count always equals
// parameter count and no placeholder is skipped or reused.
type queryBuilder struct {
	clauses []string
	args    []interface{}
}

func (q *queryBuilder) where(expr string, value interface{}) {
	q.args = append(q.args, value)
	q.clauses = append(q.clauses, fmt.Sprintf(expr, len(q.args)))
}

func (q *queryBuilder) whereClause() string {
	if len(q.clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(q.clauses, " AND ") + " "
}

// pagination appends limit and offset as the two final parameters and
// returns the matching LIMIT/OFFSET fragment.
func (q *queryBuilder) pagination(limit, offset int) string {
	q.args = append(q.args, limit, offset)
	return fmt.Sprintf("LIMIT $%d OFFSET $%d", len(q.args)-1, len(q.args))
}

// institutionFilters translates the supported institution list filters into
// predicates. The evaluation order is fixed: category, subtype, region,
// district, commune, street, name, status, min_capacity, max_capacity.
// Reference codes are resolved with correlated sub-selects, the name filter
// is a case-insensitive substring match, capacity bounds are inclusive.
func institutionFilters(query url.Values) (*queryBuilder, error) {
	q := &queryBuilder{}
	if v := query.Get("category"); v != "" {
		q.where("i.category_id = (SELECT category_id FROM category WHERE code = $%d)", v)
	}
	if v := query.Get("subtype"); v != "" {
		q.where("i.subtype_id = (SELECT subtype_id FROM subtype WHERE code = $%d)", v)
	}
	if v := query.Get("region"); v != "" {
		q.where("i.region_id = (SELECT region_id FROM region WHERE name = $%d)", v)
	}
	if v := query.Get("district"); v != "" {
		q.where("i.district_id = (SELECT district_id FROM district WHERE code = $%d)", v)
	}
	if v := query.Get("commune"); v != "" {
		q.where("i.commune_id = (SELECT commune_id FROM commune WHERE code = $%d)", v)
	}
	if v := query.Get("street"); v != "" {
		q.where("i.street_id = (SELECT street_id FROM street WHERE name = $%d)", v)
	}
	if v := query.Get("name"); v != "" {
		q.where("i.name ILIKE $%d", "%"+v+"%")
	}
	if v := query.Get("status"); v != "" {
		q.where("i.status = $%d", v)
	}
	if v := query.Get("min_capacity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parameter 'min_capacity': not an integer")
		}
		q.where("i.capacity >= $%d", n)
	}
	if v := query.Get("max_capacity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parameter 'max_capacity': not an integer")
		}
		q.where("i.capacity <= $%d", n)
	}
	return q, nil
}

// institutionSortColumns is the allow-list for the sort query parameter.
// The sort key is never interpolated into the statement directly.
var institutionSortColumns = map[string]string{
	"name":             "i.name",
	"capacity":         "i.capacity",
	"established_year": "i.established_year",
	"status":           "i.status",
	"created_at":       "i.created_at",
	"updated_at":       "i.updated_at",
}

func institutionOrderBy(sort string) (string, error) {
	if sort == "" {
		return "i.name", nil
	}
	column, ok := institutionSortColumns[sort]
	if !ok {
		return "", fmt.Errorf("parameter 'sort': unknown sort column '%s'", sort)
	}
	return column, nil
}
