package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLDConnectAndStatus(t *testing.T) {
	b := newTestBench(t)

	w := b.do(t, http.MethodGet, "/api/cld/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st cldStatus
	decode(t, w, &st)
	assert.False(t, st.Connected)
	assert.Nil(t, st.TEC)

	w = b.do(t, http.MethodGet, "/api/cld/current", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = b.do(t, http.MethodPost, "/api/cld/connect", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var conn connectionStatus
	decode(t, w, &conn)
	assert.True(t, conn.Connected)
	assert.Contains(t, conn.Identity, "CLD1015")

	w = b.do(t, http.MethodGet, "/api/cld/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	st = cldStatus{}
	decode(t, w, &st)
	assert.True(t, st.Connected)
	require.NotNil(t, st.TEC)
	assert.True(t, *st.TEC)
	require.NotNil(t, st.Laser)
	assert.False(t, *st.Laser)
	require.NotNil(t, st.CurrentMA)
	assert.Zero(t, *st.CurrentMA)
}

func TestCLDCurrent(t *testing.T) {
	b := newTestBench(t)
	b.connect(t)

	w := b.do(t, http.MethodPut, "/api/cld/current", `{"current_mA": 42.5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.InDelta(t, 42.5, b.cld.CurrentMA(), 1e-9)

	w = b.do(t, http.MethodGet, "/api/cld/current", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		CurrentMA float64 `json:"current_mA"`
	}
	decode(t, w, &got)
	assert.InDelta(t, 42.5, got.CurrentMA, 1e-9)

	assert.Equal(t, http.StatusBadRequest, b.do(t, http.MethodPut, "/api/cld/current", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, b.do(t, http.MethodPut, "/api/cld/current", `{"current": 1}`).Code)
	assert.Equal(t, http.StatusBadRequest, b.do(t, http.MethodPut, "/api/cld/current", ``).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, b.do(t, http.MethodPost, "/api/cld/current", `{"current_mA": 1}`).Code)
}

func TestCLDLaserRequiresTEC(t *testing.T) {
	b := newTestBench(t)
	b.connect(t)
	b.cld.SetTEC(false)

	w := b.do(t, http.MethodPut, "/api/cld/laser", `{"enabled": true}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, b.cld.LaserOn())

	w = b.do(t, http.MethodPost, "/api/cld/tec", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tec enabledBody
	decode(t, w, &tec)
	require.NotNil(t, tec.Enabled)
	assert.True(t, *tec.Enabled)

	w = b.do(t, http.MethodPut, "/api/cld/laser", `{"enabled": true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, b.cld.LaserOn())

	w = b.do(t, http.MethodGet, "/api/cld/laser", "")
	require.Equal(t, http.StatusOK, w.Code)
	var laser enabledBody
	decode(t, w, &laser)
	require.NotNil(t, laser.Enabled)
	assert.True(t, *laser.Enabled)

	assert.Equal(t, http.StatusBadRequest, b.do(t, http.MethodPut, "/api/cld/laser", `{}`).Code)
}

func TestCLDErrors(t *testing.T) {
	b := newTestBench(t)
	b.connect(t)
	b.cld.PushError(`-222,"Data out of range"`)
	b.cld.PushError(`-113,"Undefined header"`)

	w := b.do(t, http.MethodGet, "/api/cld/errors", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entry errorQueueEntry
	decode(t, w, &entry)
	assert.Equal(t, `-222,"Data out of range"`, entry.Entry)
	assert.False(t, entry.NoError)

	w = b.do(t, http.MethodDelete, "/api/cld/errors", "")
	require.Equal(t, http.StatusOK, w.Code)
	var q errorQueue
	decode(t, w, &q)
	assert.Equal(t, []string{`-113,"Undefined header"`}, q.Errors)

	w = b.do(t, http.MethodDelete, "/api/cld/errors", "")
	require.Equal(t, http.StatusOK, w.Code)
	q = errorQueue{}
	decode(t, w, &q)
	assert.NotNil(t, q.Errors)
	assert.Empty(t, q.Errors)

	w = b.do(t, http.MethodGet, "/api/cld/errors", "")
	entry = errorQueueEntry{}
	decode(t, w, &entry)
	assert.True(t, entry.NoError)
}

func TestMPMOperations(t *testing.T) {
	b := newTestBench(t)

	w := b.do(t, http.MethodPost, "/api/mpm/connect", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var conn connectionStatus
	decode(t, w, &conn)
	assert.Contains(t, conn.Identity, "MPM-210H")

	w = b.do(t, http.MethodPut, "/api/mpm/wavelength", `{"wavelength_nm": 1310}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1310.0, b.mpm.Wavelength())

	assert.Equal(t, http.StatusBadRequest, b.do(t, http.MethodPut, "/api/mpm/wavelength", `{"wavelength_nm": -1}`).Code)

	w = b.do(t, http.MethodGet, "/api/mpm/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st mpmStatus
	decode(t, w, &st)
	assert.True(t, st.Connected)
	require.NotNil(t, st.WavelengthNM)
	assert.Equal(t, 1310.0, *st.WavelengthNM)
	assert.Equal(t, []int{0, 1}, st.Modules)

	w = b.do(t, http.MethodGet, "/api/mpm/modules", "")
	require.Equal(t, http.StatusOK, w.Code)
	var mods struct {
		Raw     string `json:"raw"`
		Modules []int  `json:"modules"`
	}
	decode(t, w, &mods)
	assert.Equal(t, "0,1", mods.Raw)
	assert.Equal(t, []int{0, 1}, mods.Modules)

	w = b.do(t, http.MethodGet, "/api/mpm/power?module=1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var power struct {
		Module int    `json:"module"`
		Power  string `json:"power"`
	}
	decode(t, w, &power)
	assert.Equal(t, 1, power.Module)
	assert.NotEmpty(t, power.Power)

	assert.Equal(t, http.StatusBadRequest, b.do(t, http.MethodGet, "/api/mpm/power", "").Code)
	assert.Equal(t, http.StatusBadRequest, b.do(t, http.MethodGet, "/api/mpm/power?module=-1", "").Code)
}

func TestMPMErrors(t *testing.T) {
	b := newTestBench(t)
	b.connect(t)

	w := b.do(t, http.MethodGet, "/api/mpm/power?module=7", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = b.do(t, http.MethodDelete, "/api/mpm/errors", "")
	require.Equal(t, http.StatusOK, w.Code)
	var q errorQueue
	decode(t, w, &q)
	require.Len(t, q.Errors, 1)
	assert.Contains(t, q.Errors[0], "not installed")

	w = b.do(t, http.MethodGet, "/api/mpm/errors", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entry errorQueueEntry
	decode(t, w, &entry)
	assert.True(t, entry.NoError)
}
