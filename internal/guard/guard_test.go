package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbontrace/internal/domain"
)

func TestProtectFields_AllAllowed(t *testing.T) {
	err := ProtectFields(
		NewFieldSet("username", "email"),
		NewFieldSet("username", "email", "password"),
	)
	assert.NoError(t, err)
}

func TestProtectFields_ListsExactlyTheOffenders(t *testing.T) {
	err := ProtectFields(
		NewFieldSet("username", "joined", "savior_id"),
		NewFieldSet("username"),
	)
	require.Error(t, err)
	var invalid *domain.InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "can't modify fields: joined, savior_id", invalid.Message)
}

func TestProtectFields_EmptyRequest(t *testing.T) {
	assert.NoError(t, ProtectFields(NewFieldSet(), NewFieldSet("a")))
}

func TestRequireFields_ListsExactlyTheMissing(t *testing.T) {
	err := RequireFields(
		NewFieldSet("unit"),
		NewFieldSet("unit", "unit_type", "value"),
	)
	require.Error(t, err)
	var missing *domain.MissingDataError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "missing required fields: unit_type, value", missing.Message)
}

func TestRequireFields_AllPresent(t *testing.T) {
	assert.NoError(t, RequireFields(
		NewFieldSet("unit", "value", "extra"),
		NewFieldSet("unit", "value"),
	))
}

func TestProtectAndRequire_FieldsShorthandIsExactMatch(t *testing.T) {
	fields := NewFieldSet("name", "unit", "unit_type", "value", "recurring")

	assert.NoError(t, ProtectAndRequire(
		NewFieldSet("name", "unit", "unit_type", "value", "recurring"),
		Rules{Fields: fields},
	))

	err := ProtectAndRequire(NewFieldSet("name", "unit", "bogus"), Rules{Fields: fields})
	var invalid *domain.InvalidRequestError
	require.ErrorAs(t, err, &invalid)

	err = ProtectAndRequire(NewFieldSet("name", "unit"), Rules{Fields: fields})
	var missing *domain.MissingDataError
	require.ErrorAs(t, err, &missing)
}

func TestProtectAndRequire_NoRulesIsProgrammerError(t *testing.T) {
	err := ProtectAndRequire(NewFieldSet("a"), Rules{})
	var state *domain.StateError
	require.ErrorAs(t, err, &state)
}

func TestProtectAndRequire_CustomPrefixes(t *testing.T) {
	err := ProtectAndRequire(
		NewFieldSet("sourcing", "assembly"),
		Rules{
			Fields:        NewFieldSet("sourcing", "assembly", "processing", "transport"),
			InvalidPrefix: "invalid product stages",
			MissingPrefix: "missing required stages",
		},
	)
	var missing *domain.MissingDataError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "missing required stages: processing, transport", missing.Message)
}

func TestKeysOf(t *testing.T) {
	set := KeysOf(domain.Document{"a": 1, "b": 2})
	assert.NoError(t, ProtectFields(set, NewFieldSet("a", "b")))
	assert.Error(t, ProtectFields(set, NewFieldSet("a")))
}
