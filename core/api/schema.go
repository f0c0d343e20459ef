package api

// Schema bootstrap. Statements run in dependency order so foreign keys can
// be created on first start. Children carry no ON DELETE CASCADE; the
// institution delete removes them explicitly inside its transaction.

var referenceTypeTables = []string{"contact_type", "staff_type", "utility_type"}

func createStatements() []string {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS category (
			category_id uuid NOT NULL PRIMARY KEY,
			code varchar NOT NULL UNIQUE,
			label varchar NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS subtype (
			subtype_id uuid NOT NULL PRIMARY KEY,
			category_id uuid NOT NULL REFERENCES category (category_id),
			code varchar NOT NULL UNIQUE,
			label varchar NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		);`,
	}
	for _, table := range referenceTypeTables {
		statements = append(statements, `CREATE TABLE IF NOT EXISTS `+table+` (
			`+table+`_id uuid NOT NULL PRIMARY KEY,
			code varchar NOT NULL UNIQUE,
			label varchar NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		);`)
	}
	statements = append(statements,
		`CREATE TABLE IF NOT EXISTS region (
			region_id uuid NOT NULL PRIMARY KEY,
			name varchar NOT NULL UNIQUE,
			label varchar NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS district (
			district_id uuid NOT NULL PRIMARY KEY,
			region_id uuid NOT NULL REFERENCES region (region_id),
			code varchar NOT NULL UNIQUE,
			label varchar NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS commune (
			commune_id uuid NOT NULL PRIMARY KEY,
			district_id uuid NOT NULL REFERENCES district (district_id),
			code varchar NOT NULL UNIQUE,
			label varchar NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS street (
			street_id uuid NOT NULL PRIMARY KEY,
			commune_id uuid NOT NULL REFERENCES commune (commune_id),
			name varchar NOT NULL UNIQUE,
			label varchar NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS institution (
			institution_id uuid NOT NULL PRIMARY KEY,
			name varchar NOT NULL UNIQUE,
			label varchar,
			description varchar,
			category_id uuid NOT NULL REFERENCES category (category_id),
			subtype_id uuid NOT NULL REFERENCES subtype (subtype_id),
			latitude double precision,
			longitude double precision,
			region_id uuid REFERENCES region (region_id),
			district_id uuid REFERENCES district (district_id),
			commune_id uuid REFERENCES commune (commune_id),
			street_id uuid REFERENCES street (street_id),
			established_year integer,
			capacity integer,
			last_renovation integer,
			accreditation varchar,
			principal_phone varchar,
			principal_email varchar,
			website varchar,
			status varchar,
			building_condition varchar,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS contact (
			contact_id uuid NOT NULL PRIMARY KEY,
			institution_id uuid NOT NULL REFERENCES institution (institution_id),
			contact_type_id uuid NOT NULL REFERENCES contact_type (contact_type_id),
			name varchar,
			phone varchar,
			email varchar,
			created_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS institution_staff (
			staff_id uuid NOT NULL PRIMARY KEY,
			institution_id uuid NOT NULL REFERENCES institution (institution_id),
			staff_type_id uuid NOT NULL REFERENCES staff_type (staff_type_id),
			quantity integer NOT NULL,
			description varchar,
			created_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS institution_utility (
			utility_id uuid NOT NULL PRIMARY KEY,
			institution_id uuid NOT NULL REFERENCES institution (institution_id),
			utility_type_id uuid NOT NULL REFERENCES utility_type (utility_type_id),
			available boolean,
			notes varchar,
			created_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS service (
			service_id uuid NOT NULL PRIMARY KEY,
			institution_id uuid NOT NULL REFERENCES institution (institution_id),
			name varchar NOT NULL,
			description varchar,
			created_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS photo (
			photo_id uuid NOT NULL PRIMARY KEY,
			institution_id uuid NOT NULL REFERENCES institution (institution_id),
			url varchar NOT NULL,
			caption varchar,
			taken_at timestamptz,
			created_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS opening_hour (
			opening_hour_id uuid NOT NULL PRIMARY KEY,
			institution_id uuid NOT NULL REFERENCES institution (institution_id),
			day_of_week integer NOT NULL,
			open_time varchar,
			close_time varchar,
			created_at timestamptz NOT NULL DEFAULT now(),
			UNIQUE (institution_id, day_of_week)
		);`,
		`CREATE TABLE IF NOT EXISTS education_fee (
			education_fee_id uuid NOT NULL PRIMARY KEY,
			institution_id uuid NOT NULL REFERENCES institution (institution_id),
			level varchar NOT NULL,
			amount numeric NOT NULL,
			currency varchar,
			description varchar,
			created_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS institution_ratio (
			ratio_id uuid NOT NULL PRIMARY KEY,
			institution_id uuid NOT NULL REFERENCES institution (institution_id),
			ratio_type varchar NOT NULL,
			value double precision NOT NULL,
			year integer NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS institution_name_index ON institution (name);`,
		`CREATE INDEX IF NOT EXISTS institution_category_index ON institution (category_id);`,
		`CREATE INDEX IF NOT EXISTS institution_region_index ON institution (region_id);`,
	)
	return statements
}

func (a *API) updateSchema() error {
	for _, statement := range createStatements() {
		if _, err := a.db.Exec(statement); err != nil {
			return err
		}
	}
	return nil
}
