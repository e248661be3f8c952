package unitcache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	units []Unit
	err   error
	calls int
}

func (f *fakeFetcher) FetchUnits(context.Context) ([]Unit, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Unit, len(f.units))
	copy(out, f.units)
	return out, nil
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestRefreshPersistsAndAnswers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "ai-units.json")
	f := &fakeFetcher{units: []Unit{
		{HouseNumber: "1204", HasAI: true, FamilyID: "fam-1"},
		{HouseNumber: "301", HasAI: false},
	}}
	c := New(path, f, testLog())
	require.NoError(t, c.Initialize(context.Background()))

	assert.True(t, c.ShouldUseAI("1204"))
	assert.True(t, c.ShouldUseAI(" 1204 "))
	assert.False(t, c.ShouldUseAI("301"))
	assert.False(t, c.ShouldUseAI("999"), "unknown units go to the exchange")
	assert.False(t, c.LastSync().IsZero())

	// A fresh cache reads the persisted file without the backend.
	offline := New(path, &fakeFetcher{err: errors.New("offline")}, testLog())
	require.NoError(t, offline.Initialize(context.Background()))
	assert.True(t, offline.ShouldUseAI("1204"))
	u, ok := offline.Lookup("1204")
	require.True(t, ok)
	assert.Equal(t, "fam-1", u.FamilyID)
	assert.NotEmpty(t, u.LastSync)
}

func TestFailedRefreshKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "units.json")
	f := &fakeFetcher{units: []Unit{{HouseNumber: "12", HasAI: true}}}
	c := New(path, f, testLog())
	require.NoError(t, c.Refresh(context.Background()))

	f.err = errors.New("timeout")
	require.Error(t, c.Refresh(context.Background()))
	assert.True(t, c.ShouldUseAI("12"))
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "units.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	c := New(path, nil, testLog())
	require.Error(t, c.Load())

	// Initialize still succeeds with an empty cache.
	require.NoError(t, c.Initialize(context.Background()))
	assert.Zero(t, c.Len())
}

func TestUnitsSorted(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "u.json"), nil, testLog())
	c.Set([]Unit{{HouseNumber: "b2"}, {HouseNumber: "A1"}, {HouseNumber: ""}})
	units := c.Units()
	require.Len(t, units, 2)
	assert.Equal(t, "A1", units[0].HouseNumber)
	assert.Equal(t, "B2", units[1].HouseNumber)
}

func TestOnChangeReportsCount(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "u.json"), nil, testLog())
	var got []int
	c.OnChange = func(n int) { got = append(got, n) }
	c.Set([]Unit{{HouseNumber: "1"}, {HouseNumber: "2"}, {HouseNumber: " "}})
	c.Set(nil)
	assert.Equal(t, []int{2, 0}, got)
}
