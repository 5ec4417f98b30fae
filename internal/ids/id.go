// Package ids defines the opaque 128-bit identifier type shared by every
// entity in the store (spec.md §3: "all ids are opaque 128-bit values").
package ids

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// ID is an opaque 128-bit identifier. The zero value is the nil id and is
// never a valid entity reference.
type ID uuid.UUID

// Nil is the zero ID.
var Nil = ID{}

// New generates a fresh random ID.
func New() ID {
	return ID(uuid.New())
}

// Parse parses the canonical string form of an ID.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("ids: parse %q: %w", s, err)
	}
	return ID(u), nil
}

// String returns the canonical hyphenated representation.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// Bytes returns the 16 underlying bytes, most significant first.
func (id ID) Bytes() [16]byte {
	return id
}

// Value implements driver.Valuer for database/sql.
func (id ID) Value() (driver.Value, error) {
	if id.IsNil() {
		return nil, nil
	}
	return id.String(), nil
}

// Scan implements sql.Scanner for database/sql.
func (id *ID) Scan(src any) error {
	if src == nil {
		*id = Nil
		return nil
	}
	switch v := src.(type) {
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	default:
		return fmt.Errorf("ids: cannot scan %T into ID", src)
	}
}
