package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Golden files are regenerated with:
//
//	go test ./internal/harness -run TestGolden -update
func TestGolden_Scenarios(t *testing.T) {
	for _, name := range []string{
		"counter_signals.yaml",
		"scheduled_signal.yaml",
		"faulty_rollback.yaml",
		"transfer.cue",
	} {
		t.Run(strings.TrimSuffix(name, filepath.Ext(name)), func(t *testing.T) {
			s, err := LoadScenario(filepath.Join("testdata", "scenarios", name))
			require.NoError(t, err)

			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestGolden_Deterministic(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "transfer.cue"))
	require.NoError(t, err)

	first := run(t, s)
	second := run(t, s)

	a, err := MarshalSnapshot(s.Name, first)
	require.NoError(t, err)
	b, err := MarshalSnapshot(s.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestMarshalSnapshot(t *testing.T) {
	result := NewResult()
	result.addEvent(TraceEvent{Type: EventAdvance, Delay: "1s"})

	data, err := MarshalSnapshot("tiny", result)
	require.NoError(t, err)
	assert.Equal(t, `{
  "scenario_name": "tiny",
  "trace": [
    {
      "seq": 1,
      "type": "advance",
      "delay": "1s"
    }
  ]
}
`, string(data))
}

func TestAssertGolden_ExistingResult(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "counter_signals.yaml"))
	require.NoError(t, err)
	result := run(t, s)
	require.NoError(t, AssertGolden(t, "counter_signals", result))
}
