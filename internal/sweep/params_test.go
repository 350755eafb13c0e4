package sweep

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams_Validate(t *testing.T) {
	valid := []Params{
		{StartMA: 0, StopMA: 10, StepMA: 5},
		{StartMA: 3, StopMA: 3, StepMA: 1},
		{StartMA: 0, StopMA: 9999, StepMA: 1, Module: 2, StabilizationDelayMS: 100},
	}
	for _, p := range valid {
		assert.NoError(t, p.Validate(), "%+v", p)
	}

	invalid := []Params{
		{StartMA: 0, StopMA: 10, StepMA: 0},
		{StartMA: 0, StopMA: 10, StepMA: -0.5},
		{StartMA: 10.001, StopMA: 10, StepMA: 1},
		{StartMA: math.NaN(), StopMA: 10, StepMA: 1},
		{StartMA: 0, StopMA: math.Inf(1), StepMA: 1},
		{StartMA: 0, StopMA: 10, StepMA: 1, Module: -1},
		{StartMA: 0, StopMA: 10, StepMA: 1, StabilizationDelayMS: -5},
		{StartMA: 0, StopMA: 10000, StepMA: 1},
	}
	for _, p := range invalid {
		err := p.Validate()
		assert.ErrorIs(t, err, ErrInvalidParameters, "%+v", p)
	}
}

func TestParams_Setpoints(t *testing.T) {
	assert.Equal(t, []float64{0, 5, 10}, Params{StartMA: 0, StopMA: 10, StepMA: 5}.Setpoints())
	assert.Equal(t, []float64{0, 4, 8}, Params{StartMA: 0, StopMA: 10, StepMA: 4}.Setpoints())
	assert.Equal(t, []float64{7}, Params{StartMA: 7, StopMA: 7, StepMA: 1}.Setpoints())

	got := Params{StartMA: 0, StopMA: 0.3, StepMA: 0.1}.Setpoints()
	require.Len(t, got, 4)
	assert.Equal(t, 0.3, got[3], "last setpoint is clamped to stop")
}

func TestParams_StepCountMatchesFloorFormula(t *testing.T) {
	for _, p := range []Params{
		{StartMA: 0, StopMA: 10, StepMA: 5},
		{StartMA: 0, StopMA: 10, StepMA: 3},
		{StartMA: 2.5, StopMA: 97.25, StepMA: 0.5},
		{StartMA: 0, StopMA: 1, StepMA: 0.001},
	} {
		want := int(math.Floor((p.StopMA-p.StartMA)/p.StepMA+1e-9)) + 1
		assert.Equal(t, want, p.StepCount(), "%+v", p)
		assert.Len(t, p.Setpoints(), want)
	}
}

func TestParams_ParseRange(t *testing.T) {
	var p Params
	require.NoError(t, p.ParseRange("0:50: 2.5"))
	assert.Equal(t, Params{StartMA: 0, StopMA: 50, StepMA: 2.5}, p)

	assert.Error(t, p.ParseRange("0:50"))
	assert.Error(t, p.ParseRange("0:x:1"))
}

func TestParams_JSON(t *testing.T) {
	var p Params
	require.NoError(t, json.Unmarshal([]byte(`{"start_ma":1,"stop_ma":9,"step_ma":2,"module":3,"stabilization_delay_ms":750}`), &p))
	assert.Equal(t, Params{StartMA: 1, StopMA: 9, StepMA: 2, Module: 3, StabilizationDelayMS: 750}, p)
	assert.Equal(t, 750*time.Millisecond, p.StabilizationDelay())
}

func TestRun_Clone(t *testing.T) {
	now := time.Now()
	r := &Run{ID: "a", Records: []Record{{CurrentMA: 1}}, FinishedAt: &now}
	c := r.Clone()
	c.Records[0].CurrentMA = 2
	*c.FinishedAt = now.Add(time.Hour)
	assert.Equal(t, 1.0, r.Records[0].CurrentMA)
	assert.Equal(t, now, *r.FinishedAt)
	assert.Nil(t, (*Run)(nil).Clone())
	assert.True(t, StateAborted.Terminal())
	assert.False(t, StateStepping.Terminal())
}
