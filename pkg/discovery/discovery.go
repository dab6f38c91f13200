// Package discovery enumerates DP AUX character devices and the GPUs
// that own them.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/jaypipes/ghw"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
)

const auxClass = "class/drm_dp_aux_dev"

var pciAddressRe = regexp.MustCompile(`[0-9a-f]{4}:[0-9a-f]{2}:[0-9a-f]{2}\.[0-7]`)

// Card ... a graphics card as reported by the PCI database
type Card struct {
	Address string
	Vendor  string
	Product string
	Driver  string
}

// AuxDevice ... one /dev/drm_dp_auxN node
type AuxDevice struct {
	Path string
	// Name is the kernel's name for the AUX channel, e.g. "DPDDC-B".
	Name       string
	PCIAddress string
	Card       *Card
	// Present is false when sysfs lists the channel but the node is
	// missing, e.g. inside a container without /dev bind mounted.
	Present bool
}

func (a AuxDevice) String() string {
	s := fmt.Sprintf("%s (%s)", a.Path, a.Name)
	if a.Card != nil {
		s += fmt.Sprintf(" on %s %s %s [%s]", a.PCIAddress, a.Card.Vendor, a.Card.Product, a.Card.Driver)
	}
	if !a.Present {
		s += " no device node"
	}
	return s
}

// Discoverer ...
type Discoverer struct {
	SysfsRoot string
	DevRoot   string
	Cards     func() ([]Card, error)
}

// New returns a Discoverer for the running system.
func New() *Discoverer {
	return &Discoverer{SysfsRoot: "/sys", DevRoot: "/dev", Cards: GraphicsCards}
}

// GraphicsCards lists the graphics cards ghw finds on the PCI bus.
func GraphicsCards() ([]Card, error) {
	info, err := ghw.GPU()
	if err != nil {
		return nil, fmt.Errorf("error getting gpu info: %w", err)
	}
	var cards []Card
	for _, gc := range info.GraphicsCards {
		c := Card{Address: gc.Address}
		if di := gc.DeviceInfo; di != nil {
			c.Driver = di.Driver
			if di.Vendor != nil {
				c.Vendor = di.Vendor.Name
			}
			if di.Product != nil {
				c.Product = di.Product.Name
			}
		}
		cards = append(cards, c)
	}
	return cards, nil
}

// AuxDevices lists the AUX channels in sysfs, matched to their cards.
// A failed card lookup is logged and leaves Card unset.
func (d *Discoverer) AuxDevices() ([]AuxDevice, error) {
	classDir := filepath.Join(d.SysfsRoot, auxClass)
	entries, err := os.ReadDir(classDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", classDir, err)
	}

	cards := map[string]Card{}
	if d.Cards != nil {
		list, err := d.Cards()
		if err != nil {
			glog.Warningf("aux discovery without gpu info: %v", err)
		}
		for _, c := range list {
			cards[c.Address] = c
		}
	}

	var devs []AuxDevice
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "drm_dp_aux") {
			continue
		}
		dir := filepath.Join(classDir, e.Name())
		a := AuxDevice{Path: filepath.Join(d.DevRoot, e.Name())}
		a.Present = dpcd.Exists(a.Path)
		if b, err := os.ReadFile(filepath.Join(dir, "name")); err == nil {
			a.Name = strings.TrimSpace(string(b))
		}
		if target, err := filepath.EvalSymlinks(filepath.Join(dir, "device")); err == nil {
			if m := pciAddressRe.FindAllString(target, -1); len(m) > 0 {
				// the innermost PCI function owns the connector
				a.PCIAddress = m[len(m)-1]
			}
		}
		if c, ok := cards[a.PCIAddress]; ok && a.PCIAddress != "" {
			a.Card = &c
		}
		glog.V(2).Infof("found aux device %s", a)
		devs = append(devs, a)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].Path < devs[j].Path })
	return devs, nil
}
