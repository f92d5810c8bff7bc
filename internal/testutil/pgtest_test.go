package testutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpSection(t *testing.T) {
	src := "-- +goose Up\nCREATE TABLE a (id INT);\n\n-- +goose Down\nDROP TABLE a;\n"
	got := UpSection(src)
	assert.Contains(t, got, "CREATE TABLE a")
	assert.NotContains(t, got, "DROP TABLE")
}

func TestUpSection_NoAnnotations(t *testing.T) {
	src := "CREATE TABLE b (id INT);"
	assert.Equal(t, src, UpSection(src))
}

func TestUpSection_UpOnly(t *testing.T) {
	got := UpSection("-- +goose Up\nSELECT 1;")
	assert.Equal(t, "SELECT 1;", strings.TrimSpace(got))
}
