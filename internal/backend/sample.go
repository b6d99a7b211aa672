package backend

// ReadState describes the outcome of a single field read.
type ReadState int

const (
	// ReadFailed is a transient failure; the next poll may succeed.
	ReadFailed ReadState = iota
	// ReadOK carries a value.
	ReadOK
	// ReadUnsupported is permanent for this device and backend variant.
	ReadUnsupported
)

func (s ReadState) String() string {
	switch s {
	case ReadOK:
		return "ok"
	case ReadUnsupported:
		return "unsupported"
	default:
		return "failed"
	}
}

// Reading is one optional telemetry value in raw units.
type Reading struct {
	Value float64
	State ReadState
}

// OK reports whether the reading carries a value.
func (r Reading) OK() bool {
	return r.State == ReadOK
}

// Value builds a successful reading.
func Value(v float64) Reading {
	return Reading{Value: v, State: ReadOK}
}

// Failed builds a transient failure reading.
func Failed() Reading {
	return Reading{State: ReadFailed}
}

// Unsupported builds a permanently missing reading.
func Unsupported() Reading {
	return Reading{State: ReadUnsupported}
}

// PartialSample is a raw telemetry snapshot. Units are the backend contract
// units, not display units: temperature in millidegrees Celsius, power in
// milliwatts, memory in bytes, clocks in MHz, utilisation and fan in percent.
type PartialSample struct {
	TemperatureMilliC Reading
	GPUUtilPct        Reading
	MemUtilPct        Reading
	PowerMilliW       Reading
	PowerLimitMilliW  Reading
	CoreClockMHz      Reading
	MemClockMHz       Reading
	FanPct            Reading
	MemUsedBytes      Reading
	MemTotalBytes     Reading
}

// AllFailed returns a sample where every field is a transient failure.
func AllFailed() PartialSample {
	f := Failed()
	return PartialSample{
		TemperatureMilliC: f,
		GPUUtilPct:        f,
		MemUtilPct:        f,
		PowerMilliW:       f,
		PowerLimitMilliW:  f,
		CoreClockMHz:      f,
		MemClockMHz:       f,
		FanPct:            f,
		MemUsedBytes:      f,
		MemTotalBytes:     f,
	}
}

// AllUnsupported returns a sample where every field is permanently missing.
func AllUnsupported() PartialSample {
	u := Unsupported()
	return PartialSample{
		TemperatureMilliC: u,
		GPUUtilPct:        u,
		MemUtilPct:        u,
		PowerMilliW:       u,
		PowerLimitMilliW:  u,
		CoreClockMHz:      u,
		MemClockMHz:       u,
		FanPct:            u,
		MemUsedBytes:      u,
		MemTotalBytes:     u,
	}
}
