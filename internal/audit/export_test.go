package audit

import (
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phc-his/his/internal/rbac"
)

func TestExporterWriteCSV(t *testing.T) {
	rec := mockRecord(7, rbac.ActionEdit, OutcomeAllowed)
	rec.PrincipalID = 2
	rec.Role = "physician"
	rec.Before = json.RawMessage(`{"body":"a, b"}`)
	rec.After = json.RawMessage(`{"body":"c"}`)
	denied := mockRecord(8, rbac.ActionDelete, OutcomeDenied)
	denied.Reason = "no_rule"

	data, err := NewExporter(nil).WriteCSV([]Record{rec, denied})
	require.NoError(t, err)

	lines, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, csvHeader, lines[0])
	assert.Equal(t, "7", lines[1][0])
	assert.Equal(t, "2", lines[1][3])
	assert.Equal(t, "clinical", lines[1][5])
	assert.Equal(t, "edit", lines[1][6])
	assert.Equal(t, `{"body":"a, b"}`, lines[1][15])
	assert.Equal(t, "", lines[2][3])
	assert.Equal(t, "denied", lines[2][9])
	assert.Equal(t, "no_rule", lines[2][10])
}

func TestExporterWriteCSVEmpty(t *testing.T) {
	data, err := NewExporter(nil).WriteCSV(nil)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(csvHeader, ",")+"\n", string(data))
}
