package sqlstore

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProperties(t *testing.T) {
	t.Parallel()
	ps, err := parseProperties(map[string]string{
		"max_open_conns":     "10",
		"MAX_IDLE_CONNS":     "2",
		"conn_max_lifetime":  "30m",
		"conn_max_idle_time": "1m",
		"application_name":   "crawler",
	})
	require.NoError(t, err)
	assert.Equal(t, 10, ps.maxOpen)
	assert.Equal(t, 2, ps.maxIdle)
	assert.Equal(t, 30*time.Minute, ps.maxLifetime)
	assert.Equal(t, time.Minute, ps.maxIdleTime)
	assert.Equal(t, map[string]string{"application_name": "crawler"}, ps.passThrough)
}

func TestParsePropertiesDefaultsLeavePoolAlone(t *testing.T) {
	t.Parallel()
	ps, err := parseProperties(nil)
	require.NoError(t, err)
	assert.Equal(t, -1, ps.maxOpen)
	assert.Equal(t, -1, ps.maxIdle)
	assert.Empty(t, ps.passThrough)
}

func TestWithQueryParams(t *testing.T) {
	t.Parallel()
	got, err := withQueryParams("postgres://db/grid?sslmode=disable", map[string]string{"application_name": "crawler"})
	require.NoError(t, err)
	base, query, ok := cutQuery(got)
	require.True(t, ok)
	assert.Equal(t, "postgres://db/grid", base)
	values, err := url.ParseQuery(query)
	require.NoError(t, err)
	assert.Equal(t, "disable", values.Get("sslmode"))
	assert.Equal(t, "crawler", values.Get("application_name"))

	got, err = withQueryParams("file:grid.db", nil)
	require.NoError(t, err)
	assert.Equal(t, "file:grid.db", got)
}

func cutQuery(dsn string) (string, string, bool) {
	for i := 0; i < len(dsn); i++ {
		if dsn[i] == '?' {
			return dsn[:i], dsn[i+1:], true
		}
	}
	return dsn, "", false
}
