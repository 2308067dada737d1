package apps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/beacon/pkg/errors"
)

func testApps() []App {
	return []App{
		{ID: "1234", Key: "TestKey", Secret: "TestSecret", EnableClientMessages: true},
		{ID: "5678", Key: "OtherKey", Secret: "OtherSecret", AllowedOrigins: []string{"https://laravel.com", "*.example.com"}},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		list    []App
		wantErr bool
	}{
		{name: "ok", list: testApps()},
		{name: "empty list", list: nil},
		{name: "missing secret", list: []App{{ID: "1", Key: "k"}}, wantErr: true},
		{name: "negative capacity", list: []App{{ID: "1", Key: "k", Secret: "s", Capacity: -1}}, wantErr: true},
		{name: "duplicate id", list: []App{{ID: "1", Key: "a", Secret: "s"}, {ID: "1", Key: "b", Secret: "s"}}, wantErr: true},
		{name: "duplicate key", list: []App{{ID: "1", Key: "a", Secret: "s"}, {ID: "2", Key: "a", Secret: "s"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.list)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistryLookup(t *testing.T) {
	r, err := NewRegistry(testApps())
	require.NoError(t, err)

	a, err := r.FindByKey("TestKey")
	require.NoError(t, err)
	assert.Equal(t, "1234", a.ID)

	a, err = r.FindByID("5678")
	require.NoError(t, err)
	assert.Equal(t, "OtherKey", a.Key)

	_, err = r.FindByKey("missing")
	assert.True(t, errors.Is(err, ErrAppNotFound))
	assert.Equal(t, 4001, errors.CodeOf(err, 0))

	assert.Len(t, r.All(), 2)
}

func TestRegistryReplace(t *testing.T) {
	r, err := NewRegistry(testApps())
	require.NoError(t, err)

	before, _ := r.FindByID("1234")

	list := testApps()
	list[0].Secret = "Rotated"
	require.NoError(t, r.Replace(list[:1]))

	a, err := r.FindByID("1234")
	require.NoError(t, err)
	assert.Equal(t, "Rotated", a.Secret)
	assert.Equal(t, "TestSecret", before.Secret, "已取得的快照不受替换影响")

	_, err = r.FindByID("5678")
	assert.Error(t, err)

	assert.Error(t, r.Replace([]App{{ID: "x"}}))
	_, err = r.FindByID("1234")
	assert.NoError(t, err, "校验失败时保留旧列表")
}

func TestOriginAllowed(t *testing.T) {
	list := testApps()
	open, restricted := list[0], list[1]

	assert.True(t, open.OriginAllowed("https://anything.test"))
	assert.True(t, restricted.OriginAllowed("https://laravel.com"))
	assert.True(t, restricted.OriginAllowed("https://ws.example.com"))
	assert.False(t, restricted.OriginAllowed("https://evil.test"))
	assert.False(t, restricted.OriginAllowed(""))
}
