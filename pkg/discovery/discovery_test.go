package discovery_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSysfs lays out sysfs the way the kernel does for two AUX channels,
// one behind a PCI bridge.
func fakeSysfs(t *testing.T) string {
	root := t.TempDir()
	connectors := map[string]string{
		"drm_dp_aux0": "devices/pci0000:00/0000:00:02.0/drm/card0/card0-DP-1",
		"drm_dp_aux1": "devices/pci0000:00/0000:00:01.0/0000:03:00.0/drm/card1/card1-DP-2",
	}
	names := map[string]string{"drm_dp_aux0": "DPDDC-B", "drm_dp_aux1": "AMDGPU DM aux hw bus 1"}
	for aux, conn := range connectors {
		require.NoError(t, os.MkdirAll(filepath.Join(root, conn), 0o755))
		dir := filepath.Join(root, "class/drm_dp_aux_dev", aux)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "name"), []byte(names[aux]+"\n"), 0o644))
		require.NoError(t, os.Symlink(filepath.Join(root, conn), filepath.Join(dir, "device")))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "class/drm_dp_aux_dev/power"), 0o755))
	return root
}

func TestAuxDevices(t *testing.T) {
	devRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(devRoot, "drm_dp_aux1"), nil, 0o600))
	d := &discovery.Discoverer{
		SysfsRoot: fakeSysfs(t),
		DevRoot:   devRoot,
		Cards: func() ([]discovery.Card, error) {
			return []discovery.Card{
				{Address: "0000:03:00.0", Vendor: "Advanced Micro Devices, Inc. [AMD/ATI]", Product: "Navi 21", Driver: "amdgpu"},
			}, nil
		},
	}
	devs, err := d.AuxDevices()
	require.NoError(t, err)
	require.Len(t, devs, 2)

	assert.Equal(t, filepath.Join(devRoot, "drm_dp_aux0"), devs[0].Path)
	assert.Equal(t, "DPDDC-B", devs[0].Name)
	assert.Equal(t, "0000:00:02.0", devs[0].PCIAddress)
	assert.Nil(t, devs[0].Card)
	assert.False(t, devs[0].Present)
	assert.Contains(t, devs[0].String(), "no device node")

	assert.Equal(t, "0000:03:00.0", devs[1].PCIAddress)
	require.NotNil(t, devs[1].Card)
	assert.Equal(t, "amdgpu", devs[1].Card.Driver)
	assert.True(t, devs[1].Present)
	assert.Contains(t, devs[1].String(), "Navi 21")
	assert.NotContains(t, devs[1].String(), "no device node")
}

func TestAuxDevicesWithoutGPUInfo(t *testing.T) {
	d := &discovery.Discoverer{
		SysfsRoot: fakeSysfs(t),
		DevRoot:   "/dev",
		Cards:     func() ([]discovery.Card, error) { return nil, errors.New("no pci db") },
	}
	devs, err := d.AuxDevices()
	require.NoError(t, err)
	assert.Len(t, devs, 2)
}

func TestNoAuxClass(t *testing.T) {
	d := &discovery.Discoverer{SysfsRoot: t.TempDir(), DevRoot: "/dev"}
	devs, err := d.AuxDevices()
	require.NoError(t, err)
	assert.Empty(t, devs)
}
