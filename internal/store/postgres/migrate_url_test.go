package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToMigrateURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"postgres://u:p@host:5432/db?sslmode=disable", "pgx5://u:p@host:5432/db?sslmode=disable"},
		{"postgresql://u:p@host/db", "pgx5://u:p@host/db"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, toMigrateURL(c.in))
	}
}
