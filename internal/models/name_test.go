package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("Alice"))
	assert.NoError(t, ValidateName(strings.Repeat("é", MaxNameLength)))

	for _, name := range []string{"", "System", "SYSTEM", strings.Repeat("é", MaxNameLength+1)} {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, "name %q", name)
	}
}
