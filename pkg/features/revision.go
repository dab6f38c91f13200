package features

import (
	"fmt"

	semver "github.com/Masterminds/semver/v3"
	"github.com/golang/glog"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
)

// DPCD revisions we compare to
const (
	dpcdRevision11 = "1.1"
	dpcdRevision12 = "1.2"
	dpcdRevision13 = "1.3"
	dpcdRevision14 = "1.4"
)

// Comparable versions
var (
	VersionDPCD11 = mustGetSemver(dpcdRevision11)
	VersionDPCD12 = mustGetSemver(dpcdRevision12)
	VersionDPCD13 = mustGetSemver(dpcdRevision13)
	VersionDPCD14 = mustGetSemver(dpcdRevision14)
)

func getSemver(versionStr string) (*semver.Version, error) {
	// DPCD_REV is "major.minor"; semver.NewVersion accepts the short form
	return semver.NewVersion(versionStr)
}

func mustGetSemver(versionStr string) *semver.Version {
	v, err := getSemver(versionStr)
	if err != nil {
		panic(fmt.Sprintf("Invalid Version %s", err))
	}
	return v
}

// getRevisionFeatures returns what the DPCD revision allows a sink to advertise.
// An unparsable revision is treated as 1.0.
func getRevisionFeatures(revision string) Features {
	res := Features{}
	version, err := getSemver(revision)
	if err != nil {
		glog.Warningf("failed to parse DPCD revision '%s', assuming 1.0", revision)
		return res
	}

	// Check if revision >= 1.1
	if version.Compare(VersionDPCD11) >= 0 {
		res.Framing.Enhanced = true
		res.Framing.Downspread = true
	}

	// Check if revision >= 1.2
	if version.Compare(VersionDPCD12) >= 0 {
		res.Training.TPS3 = true
		res.Training.PostCursor2 = true
		res.PSR = true
	}

	// Check if revision >= 1.3
	if version.Compare(VersionDPCD13) >= 0 {
		res.Training.PostLTAdjust = true
	}

	// Check if revision >= 1.4
	if version.Compare(VersionDPCD14) >= 0 {
		res.Training.ExtendedAuxRdInterval = true
	}
	return res
}

// getCapabilityFeatures returns what the sink actually advertised.
func getCapabilityFeatures(caps dpcd.ReceiverCaps) Features {
	return Features{
		Training: TrainingFeatures{
			TPS3:                  caps.TPS3,
			PostCursor2:           true,
			PostLTAdjust:          caps.PostLTAdjust,
			ExtendedAuxRdInterval: caps.AuxRdInterval&0x80 != 0,
		},
		Framing: FramingFeatures{
			Enhanced:   caps.EnhancedFraming,
			Downspread: caps.Max.Spread != 0,
		},
		PSR: caps.PSR,
	}
}

// FromReceiverCaps gates the advertised capability bits on the DPCD revision
// and the source-side mask.
func FromReceiverCaps(caps dpcd.ReceiverCaps, source Features) Features {
	return getRevisionFeatures(caps.Revision).And(getCapabilityFeatures(caps)).And(source)
}
