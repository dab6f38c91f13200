package dpcd_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dpcdImage writes a register image the device can be pointed at; pread on a
// regular file behaves like the AUX character device.
func dpcdImage(t *testing.T) string {
	t.Helper()
	img := make([]byte, 0x300)
	img[dpcd.Rev] = 0x12
	img[dpcd.MaxLinkRate] = byte(link.LinkRateHigh2)
	img[dpcd.MaxLaneCount] = 4
	path := filepath.Join(t.TempDir(), "drm_dp_aux3")
	require.NoError(t, os.WriteFile(path, img, 0o644))
	return path
}

func TestAuxDevReadOnly(t *testing.T) {
	path := dpcdImage(t)
	aux, err := dpcd.OpenAuxDevReadOnly(path)
	require.NoError(t, err)
	defer aux.Close()
	assert.Equal(t, "drm_dp_aux3", aux.Name())

	caps, err := dpcd.ReadReceiverCaps(aux)
	require.NoError(t, err)
	assert.Equal(t, "1.2", caps.Revision)
	assert.Equal(t, link.LaneCountFour, caps.Max.LaneCount)
	assert.Equal(t, link.LinkRateHigh2, caps.Max.LinkRate)

	err = aux.Write(dpcd.MaxLinkRate, []byte{0x06})
	assert.True(t, errors.Is(err, dpcd.ErrReadOnly))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte(link.LinkRateHigh2), b[dpcd.MaxLinkRate], "image untouched")
}

func TestAuxDevReadWrite(t *testing.T) {
	path := dpcdImage(t)
	aux, err := dpcd.OpenAuxDev(path)
	require.NoError(t, err)
	require.NoError(t, aux.Write(dpcd.MaxLinkRate, []byte{0x06}))
	b, err := aux.Read(dpcd.MaxLinkRate, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x06}, b)
	require.NoError(t, aux.Close())
	require.NoError(t, aux.Close(), "second close is a no-op")

	_, err = aux.Read(dpcd.Rev, 17)
	assert.True(t, errors.Is(err, dpcd.ErrTransport))
	assert.True(t, dpcd.Exists(path))
	assert.False(t, dpcd.Exists(path+"-missing"))
}

func TestOpenAuxDevMissing(t *testing.T) {
	_, err := dpcd.OpenAuxDevReadOnly(filepath.Join(t.TempDir(), "drm_dp_aux9"))
	assert.Error(t, err)
}
