package entity

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_LowercasesName(t *testing.T) {
	id := NewID("Counter", "Key-A")
	assert.Equal(t, "counter", id.Name)
	assert.Equal(t, "Key-A", id.Key, "keys are case-sensitive")

	// Unicode-aware folding.
	assert.Equal(t, "zähler", NewID("ZÄHLER", "x").Name)
}

func TestID_SchedulerIDRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		id   ID
		want string
	}{
		{"simple", NewID("counter", "c1"), "@counter@c1"},
		{"empty key", NewID("counter", ""), "@counter@"},
		{"key with at", NewID("mail", "a@b.c"), "@mail@a@b.c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.SchedulerID())
			assert.True(t, IsSchedulerID(tt.want))

			parsed, err := ParseSchedulerID(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.id, parsed)
		})
	}
}

func TestParseSchedulerID_Invalid(t *testing.T) {
	for _, s := range []string{"", "counter", "@counter", "@@key", "@Counter@k"} {
		t.Run(s, func(t *testing.T) {
			_, err := ParseSchedulerID(s)
			assert.Error(t, err)
		})
	}
	assert.False(t, IsSchedulerID("orchestration-1"))
}

func TestID_Validate(t *testing.T) {
	assert.NoError(t, NewID("counter", "k").Validate())
	assert.Error(t, NewID("", "k").Validate())
	assert.Error(t, NewID("a@b", "k").Validate())
	assert.Error(t, ID{Name: "Upper", Key: "k"}.Validate())
}

func TestID_CompareOrdersByKeyThenName(t *testing.T) {
	ids := []ID{
		NewID("b", "2"),
		NewID("a", "2"),
		NewID("z", "1"),
		NewID("a", "1"),
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })

	assert.Equal(t, []ID{
		NewID("a", "1"),
		NewID("z", "1"),
		NewID("a", "2"),
		NewID("b", "2"),
	}, ids)
	assert.Equal(t, 0, NewID("a", "1").Compare(NewID("A", "1")))
}

func TestID_JSON(t *testing.T) {
	data, err := json.Marshal(NewID("counter", "c1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"counter","key":"c1"}`, string(data))

	var id ID
	require.NoError(t, json.Unmarshal(data, &id))
	assert.Equal(t, NewID("counter", "c1"), id)
}
