package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weighsplit/internal/domain"
)

func TestDB_GetPut(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	_, err = db.Get(ctx, "multi_person_weight_sensor.bathroom")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)

	require.NoError(t, db.Put(ctx, "multi_person_weight_sensor.bathroom", []byte(`{"version":1}`)))
	require.NoError(t, db.Put(ctx, "multi_person_weight_sensor.bathroom", []byte(`{"version":2}`)))

	got, err := db.Get(ctx, "multi_person_weight_sensor.bathroom")
	require.NoError(t, err)
	assert.Equal(t, `{"version":2}`, string(got))
}

func TestDB_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weighsplit.db")
	ctx := context.Background()

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, "k", []byte(`{"persons":[]}`)))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"persons":[]}`, string(got))
}
