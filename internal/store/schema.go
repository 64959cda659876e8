package store

import (
	"fmt"
	"regexp"
	"strings"
)

// ManagedPrefix marks indexes owned by the index controller.
const ManagedPrefix = "idx_"

// Schema describes the encrypted table: an integer primary key plus BLOB
// columns holding encoded ciphertexts.
type Schema struct {
	Table   string
	Columns []string
}

// HousingSchema is the encrypted California-housing table.
var HousingSchema = Schema{
	Table: "housing_encrypted",
	Columns: []string{
		"MedInc_enc",
		"HouseAge_enc",
		"Population_enc",
		"AveRooms_enc",
		"AveOccup_enc",
		"Longitude_enc",
		"Latitude_enc",
		"MedHouseVal_enc",
		"AveBedrms_enc",
	},
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s can be used as a table, column or index
// name.
func ValidIdentifier(s string) bool {
	return identRe.MatchString(s)
}

// Validate checks every identifier in the schema.
func (s Schema) Validate() error {
	if !ValidIdentifier(s.Table) {
		return fmt.Errorf("invalid table name %q", s.Table)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", s.Table)
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if !ValidIdentifier(c) {
			return fmt.Errorf("invalid column name %q", c)
		}
		if strings.EqualFold(c, "id") {
			return fmt.Errorf("column name %q is reserved", c)
		}
		if seen[c] {
			return fmt.Errorf("duplicate column %q", c)
		}
		seen[c] = true
	}
	return nil
}

// HasColumn reports whether name is one of the encrypted columns.
func (s Schema) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c == name {
			return true
		}
	}
	return false
}

func (s Schema) createTableSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n    id INTEGER PRIMARY KEY", quote(s.Table))
	for _, c := range s.Columns {
		fmt.Fprintf(&b, ",\n    %s BLOB", quote(c))
	}
	b.WriteString("\n)")
	return b.String()
}

// quote assumes name already passed ValidIdentifier.
func quote(name string) string {
	return `"` + name + `"`
}

func quoteAll(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = quote(n)
	}
	return strings.Join(q, ", ")
}
