package features

import (
	"strings"

	"github.com/golang/glog"
)

// Features ... link training features a sink can take part in
type Features struct {
	Training TrainingFeatures
	Framing  FramingFeatures
	PSR      bool
}

// Print prints
// out the internal values of the feature set
func (f Features) Print(name string) {
	f.Training.Print(name)
	f.Framing.Print(name)
	glog.Infof("%s PSR: %t", name, f.PSR)
}

// String lists the enabled flags, "none" when nothing is enabled.
func (f Features) String() string {
	var on []string
	for _, flag := range []struct {
		name string
		set  bool
	}{
		{"tps3", f.Training.TPS3},
		{"post_cursor2", f.Training.PostCursor2},
		{"post_lt_adjust", f.Training.PostLTAdjust},
		{"ext_aux_rd", f.Training.ExtendedAuxRdInterval},
		{"enhanced_framing", f.Framing.Enhanced},
		{"downspread", f.Framing.Downspread},
		{"psr", f.PSR},
	} {
		if flag.set {
			on = append(on, flag.name)
		}
	}
	if len(on) == 0 {
		return "none"
	}
	return strings.Join(on, ",")
}

// And applies a logical and on the feature sets
func (f Features) And(other Features) Features {
	return Features{
		Training: f.Training.And(other.Training),
		Framing:  f.Framing.And(other.Framing),
		PSR:      f.PSR && other.PSR,
	}
}

// TrainingFeatures ...
type TrainingFeatures struct {
	TPS3                  bool
	PostCursor2           bool
	PostLTAdjust          bool
	ExtendedAuxRdInterval bool
}

// Print ...
func (f TrainingFeatures) Print(name string) {
	glog.Infof("%s TPS3: %t", name, f.TPS3)
	glog.Infof("%s PostCursor2: %t", name, f.PostCursor2)
	glog.Infof("%s PostLTAdjust: %t", name, f.PostLTAdjust)
	glog.Infof("%s ExtendedAuxRdInterval: %t", name, f.ExtendedAuxRdInterval)
}

// And applies a logical and on the feature sets
func (f TrainingFeatures) And(other TrainingFeatures) TrainingFeatures {
	return TrainingFeatures{
		TPS3:                  f.TPS3 && other.TPS3,
		PostCursor2:           f.PostCursor2 && other.PostCursor2,
		PostLTAdjust:          f.PostLTAdjust && other.PostLTAdjust,
		ExtendedAuxRdInterval: f.ExtendedAuxRdInterval && other.ExtendedAuxRdInterval,
	}
}

// FramingFeatures ...
type FramingFeatures struct {
	Enhanced   bool
	Downspread bool
}

// Print ...
func (f FramingFeatures) Print(name string) {
	glog.Infof("%s EnhancedFraming: %t", name, f.Enhanced)
	glog.Infof("%s Downspread: %t", name, f.Downspread)
}

// And applies a logical and on the feature sets
func (f FramingFeatures) And(other FramingFeatures) FramingFeatures {
	return FramingFeatures{
		Enhanced:   f.Enhanced && other.Enhanced,
		Downspread: f.Downspread && other.Downspread,
	}
}

// All is the feature set with every flag on, used as the source-side mask
// when the source supports everything.
func All() Features {
	return Features{
		Training: TrainingFeatures{TPS3: true, PostCursor2: true, PostLTAdjust: true, ExtendedAuxRdInterval: true},
		Framing:  FramingFeatures{Enhanced: true, Downspread: true},
		PSR:      true,
	}
}
