// Package quality classifies link measurements into display ratings.
// Everything here is a pure function of its arguments; the modem preset
// travels inside the sample so callers never depend on process state.
package quality

// ModemPreset mirrors the device firmware's modem preset enum.
type ModemPreset uint32

const (
	PresetLongFast     ModemPreset = 0
	PresetLongSlow     ModemPreset = 1
	PresetVeryLongSlow ModemPreset = 2
	PresetMediumSlow   ModemPreset = 3
	PresetMediumFast   ModemPreset = 4
	PresetShortSlow    ModemPreset = 5
	PresetShortFast    ModemPreset = 6
	PresetLongModerate ModemPreset = 7
	PresetShortTurbo   ModemPreset = 8
)

func (p ModemPreset) String() string {
	switch p {
	case PresetLongFast:
		return "long_fast"
	case PresetLongSlow:
		return "long_slow"
	case PresetVeryLongSlow:
		return "very_long_slow"
	case PresetMediumSlow:
		return "medium_slow"
	case PresetMediumFast:
		return "medium_fast"
	case PresetShortSlow:
		return "short_slow"
	case PresetShortFast:
		return "short_fast"
	case PresetLongModerate:
		return "long_moderate"
	case PresetShortTurbo:
		return "short_turbo"
	default:
		return "unknown"
	}
}

// ParsePreset maps a config string to a preset, defaulting to LongFast.
func ParsePreset(s string) ModemPreset {
	switch s {
	case "long_slow":
		return PresetLongSlow
	case "very_long_slow":
		return PresetVeryLongSlow
	case "medium_slow":
		return PresetMediumSlow
	case "medium_fast":
		return PresetMediumFast
	case "short_slow":
		return PresetShortSlow
	case "short_fast":
		return PresetShortFast
	case "long_moderate":
		return PresetLongModerate
	case "short_turbo":
		return PresetShortTurbo
	default:
		return PresetLongFast
	}
}

// SignalRating orders link quality from unusable to excellent. RatingNone
// means "not classifiable", never "zero quality".
type SignalRating uint8

const (
	RatingNone SignalRating = iota
	RatingBad
	RatingPoor
	RatingFair
	RatingGood
	RatingGreat
)

func (r SignalRating) String() string {
	switch r {
	case RatingBad:
		return "bad"
	case RatingPoor:
		return "poor"
	case RatingFair:
		return "fair"
	case RatingGood:
		return "good"
	case RatingGreat:
		return "great"
	default:
		return "none"
	}
}

// SignalSample is one received-signal measurement with the context needed
// to judge it. SNR and RSSI describe the last RF hop only.
type SignalSample struct {
	SNR      float32 // dB
	RSSI     int32   // dBm
	HopCount uint8
	ViaRelay bool
	Preset   ModemPreset
}

// snrThresholds are the lower bounds of each rating band in dB. Bands are
// lower-inclusive and the top band is unbounded; below Bad still rates Bad.
type snrThresholds struct {
	Bad   float32
	Poor  float32
	Fair  float32
	Good  float32
	Great float32
}

// Per-preset SNR bands. Slow long-range presets are judged strictly: they
// are the fallback when nothing faster works, so a link near their floor
// has no margin left. Each step up in data rate relaxes the bands 2.5 dB.
var snrBands = map[ModemPreset]snrThresholds{
	PresetVeryLongSlow: {Bad: -10, Poor: -5, Fair: 0, Good: 5, Great: 10},
	PresetLongSlow:     {Bad: -12.5, Poor: -7.5, Fair: -2.5, Good: 2.5, Great: 7.5},
	PresetLongModerate: {Bad: -15, Poor: -10, Fair: -5, Good: 0, Great: 5},
	PresetLongFast:     {Bad: -17.5, Poor: -12.5, Fair: -7.5, Good: -2.5, Great: 2.5},
	PresetMediumSlow:   {Bad: -20, Poor: -15, Fair: -10, Good: -5, Great: 0},
	PresetMediumFast:   {Bad: -22.5, Poor: -17.5, Fair: -12.5, Good: -7.5, Great: -2.5},
	PresetShortSlow:    {Bad: -25, Poor: -20, Fair: -15, Good: -10, Great: -5},
	PresetShortFast:    {Bad: -27.5, Poor: -22.5, Fair: -17.5, Good: -12.5, Great: -7.5},
	PresetShortTurbo:   {Bad: -30, Poor: -25, Fair: -20, Good: -15, Great: -10},
}

// RSSI bands in dBm, shared across presets: front-end sensitivity does not
// swing with the modem preset the way the SNR floor does.
const (
	rssiGreat int32 = -85
	rssiGood  int32 = -100
	rssiFair  int32 = -115
	rssiPoor  int32 = -126
)

func bandsFor(p ModemPreset) snrThresholds {
	if th, ok := snrBands[p]; ok {
		return th
	}
	return snrBands[PresetLongFast]
}

// Classify rates the sample's SNR against its preset's bands. Relayed and
// multi-hop samples rate None: their radio stats describe the last hop
// only and must not be shown as end-to-end quality.
func Classify(s SignalSample) SignalRating {
	if s.HopCount > 0 || s.ViaRelay {
		return RatingNone
	}
	th := bandsFor(s.Preset)
	switch {
	case s.SNR >= th.Great:
		return RatingGreat
	case s.SNR >= th.Good:
		return RatingGood
	case s.SNR >= th.Fair:
		return RatingFair
	case s.SNR >= th.Poor:
		return RatingPoor
	default:
		return RatingBad
	}
}

// ClassifyRSSI rates the sample's RSSI. Same hop rules as Classify; RSSI
// is the secondary indicator of the pair.
func ClassifyRSSI(s SignalSample) SignalRating {
	if s.HopCount > 0 || s.ViaRelay {
		return RatingNone
	}
	switch {
	case s.RSSI >= rssiGreat:
		return RatingGreat
	case s.RSSI >= rssiGood:
		return RatingGood
	case s.RSSI >= rssiFair:
		return RatingFair
	case s.RSSI >= rssiPoor:
		return RatingPoor
	default:
		return RatingBad
	}
}

// Color is a coarse advisory bucket for UI display.
type Color string

const (
	ColorGreen  Color = "green"
	ColorYellow Color = "yellow"
	ColorRed    Color = "red"
)

// SNRColor buckets an SNR reading for the given preset: green from the
// Good band up, yellow down to the Poor band, red below.
func SNRColor(snr float32, preset ModemPreset) Color {
	th := bandsFor(preset)
	switch {
	case snr >= th.Good:
		return ColorGreen
	case snr >= th.Poor:
		return ColorYellow
	default:
		return ColorRed
	}
}

// RSSIColor buckets an RSSI reading. Cutoffs match the fair/poor band
// edges so the two indicators never disagree by more than one level.
func RSSIColor(rssi int32) Color {
	switch {
	case rssi >= rssiFair:
		return ColorGreen
	case rssi >= rssiPoor:
		return ColorYellow
	default:
		return ColorRed
	}
}
