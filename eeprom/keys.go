package eeprom

// Key identifies an EEPROM entry.
type Key uint16

// SectionThreshold separates section markers from value keys.
const SectionThreshold Key = 0x0100

// Section markers.
const (
	KeySectionConfig Key = 0x0001
	KeySectionEnd    Key = 0x00FF
)

// Log keys. These live in the rewritable log section and are covered by the
// log checksum.
const (
	KeyLogMeasCount   Key = 0x0101
	KeyLogDarkCount   Key = 0x0102
	KeyLogWhiteCount  Key = 0x0103
	KeyLogWhiteTime   Key = 0x0104 // unix seconds of the last white calibration
	KeyLogLampSeconds Key = 0x0105
	KeyLogChecksum    Key = 0x0106
)

// Configuration keys, written at manufacture.
const (
	KeySerial         Key = 0x0201
	KeyIntClockPeriod Key = 0x0202 // seconds per integration clock
	KeyMinIntTime     Key = 0x0203
	KeyMaxIntTime     Key = 0x0204
	KeySatThreshold   Key = 0x0205 // raw counts, normal then high gain
	KeySensorTarget   Key = 0x0206 // optimal raw peak
	KeyHighGainRatio  Key = 0x0207
	KeyLinNormal      Key = 0x0208 // 4 polynomial coefficients
	KeyLinHigh        Key = 0x0209
	KeyFilterStart    Key = 0x020A // first raw index per output wavelength
	KeyFilterCount    Key = 0x020B // coefficient count per output wavelength
	KeyFilterCoefs    Key = 0x020C
	KeyWhiteRef       Key = 0x020D // white tile reflectance per output wavelength
	KeyEmisCoef       Key = 0x020E
	KeyAmbCoef        Key = 0x020F
	KeyCapabilities   Key = 0x0210
	KeyLampClocks     Key = 0x0211
	KeyRefIntTime     Key = 0x0212
	KeyEmisIntTime    Key = 0x0213
	KeyScanIntTime    Key = 0x0214
)

// Capability bits of KeyCapabilities.
const (
	CapAmbient  = 0x01
	CapHighGain = 0x02
)

// Kind is the value type of an entry.
type Kind int

const (
	KindInt Kind = iota
	KindDouble
	KindSection
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	case KindSection:
		return "section"
	default:
		return "unknown"
	}
}

var kinds = map[Key]Kind{
	KeyLogMeasCount:   KindInt,
	KeyLogDarkCount:   KindInt,
	KeyLogWhiteCount:  KindInt,
	KeyLogWhiteTime:   KindInt,
	KeyLogLampSeconds: KindDouble,
	KeyLogChecksum:    KindInt,

	KeySerial:         KindInt,
	KeyIntClockPeriod: KindDouble,
	KeyMinIntTime:     KindDouble,
	KeyMaxIntTime:     KindDouble,
	KeySatThreshold:   KindInt,
	KeySensorTarget:   KindInt,
	KeyHighGainRatio:  KindDouble,
	KeyLinNormal:      KindDouble,
	KeyLinHigh:        KindDouble,
	KeyFilterStart:    KindInt,
	KeyFilterCount:    KindInt,
	KeyFilterCoefs:    KindDouble,
	KeyWhiteRef:       KindDouble,
	KeyEmisCoef:       KindDouble,
	KeyAmbCoef:        KindDouble,
	KeyCapabilities:   KindInt,
	KeyLampClocks:     KindInt,
	KeyRefIntTime:     KindDouble,
	KeyEmisIntTime:    KindDouble,
	KeyScanIntTime:    KindDouble,
}

// KindOf returns the value type of key. Unknown value keys are integers.
func KindOf(key Key) Kind {
	if key < SectionThreshold {
		return KindSection
	}
	if k, ok := kinds[key]; ok {
		return k
	}
	return KindInt
}

// LogKeys is the fixed set of keys summed by the log checksum.
var LogKeys = []Key{KeyLogMeasCount, KeyLogDarkCount, KeyLogWhiteCount, KeyLogWhiteTime, KeyLogLampSeconds}
