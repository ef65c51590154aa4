package dmm_test

import (
	"testing"

	"codeberg.org/mutker/dmmctl/internal/dmm"
	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe(t *testing.T) {
	foreign := newMeter()
	foreign.idn = "RIGOL TECHNOLOGIES,DM3058,DM3A1234,01.01"
	silent := newMeter()
	silent.idn = ""
	owon := newMeter()

	meters := map[string]*fakeMeter{
		"/dev/ttyS0":   foreign,
		"/dev/ttyS1":   silent,
		"/dev/ttyUSB0": owon,
	}
	var opened []string

	opts := options()
	opts.Opener = func(port string) (transport.Conn, error) {
		opened = append(opened, port)
		m, ok := meters[port]
		if !ok {
			return nil, errors.New().WithData(errors.ErrConnection, port)
		}
		return m, nil
	}

	port, id, err := dmm.Probe([]string{"/dev/ttyAMA0", "/dev/ttyS0", "/dev/ttyS1", "/dev/ttyUSB0"}, opts)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", port)
	assert.Equal(t, "OWON", id.Manufacturer)
	assert.Equal(t, []string{"/dev/ttyAMA0", "/dev/ttyS0", "/dev/ttyS1", "/dev/ttyUSB0"}, opened)

	for name, m := range meters {
		assert.True(t, m.isClosed(), name)
	}
}

func TestProbeNoMeter(t *testing.T) {
	foreign := newMeter()
	foreign.idn = "Keysight,34465A,MY123,A.03"

	opts := options()
	opts.Opener = func(string) (transport.Conn, error) { return foreign, nil }

	_, _, err := dmm.Probe([]string{"/dev/ttyS0"}, opts)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrResourceNotFound))

	_, _, err = dmm.Probe(nil, opts)
	assert.True(t, errors.HasCode(err, errors.ErrResourceNotFound))
}

func TestProbeSkip(t *testing.T) {
	owon := newMeter()
	var opened []string

	opts := options()
	opts.Opener = func(port string) (transport.Conn, error) {
		opened = append(opened, port)
		return owon, nil
	}
	opts.Skip = func(port string) bool { return port == "/dev/ttyUSB0" }

	_, _, err := dmm.Probe([]string{"/dev/ttyUSB0"}, opts)
	assert.True(t, errors.HasCode(err, errors.ErrResourceNotFound))
	assert.Empty(t, opened)
}
