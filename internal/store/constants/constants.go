package constants

import "time"

const (
	ClassStandard        = "STANDARD"
	ClassGlacierIR       = "GLACIER_IR"
	ClassGlacierFlexible = "GLACIER_FLEXIBLE"
	ClassDeepArchive     = "DEEP_ARCHIVE"
)

// StorageClasses in order of decreasing retrieval speed.
var StorageClasses = []string{
	ClassStandard,
	ClassGlacierIR,
	ClassGlacierFlexible,
	ClassDeepArchive,
}

// MonthlyRatePerGB is the at-rest price in USD per GB-month.
var MonthlyRatePerGB = map[string]float64{
	ClassStandard:        0.023,
	ClassGlacierIR:       0.004,
	ClassGlacierFlexible: 0.0036,
	ClassDeepArchive:     0.00099,
}

// RetrievalFeePerGB is the per-GB fee charged when pulling data back
// out of a cold class.
var RetrievalFeePerGB = map[string]float64{
	ClassStandard:        0,
	ClassGlacierIR:       0.03,
	ClassGlacierFlexible: 0.01,
	ClassDeepArchive:     0.02,
}

// TransferFeePerGB applies to every restored byte regardless of class.
const TransferFeePerGB = 0.09

// RetrievalSLA is the worst-case wait before objects of a class become
// readable after a restore request.
var RetrievalSLA = map[string]time.Duration{
	ClassStandard:        0,
	ClassGlacierIR:       0,
	ClassGlacierFlexible: 5 * time.Hour,
	ClassDeepArchive:     12 * time.Hour,
}

func ValidStorageClass(c string) bool {
	_, ok := MonthlyRatePerGB[c]
	return ok
}

const (
	DefaultDBPath     = "/var/lib/coldvault/coldvault.db"
	DefaultRunLogDir  = "/var/log/coldvault/runs"
	DefaultLockPath   = "/run/lock/coldvault.lock"
	DefaultListenAddr = "127.0.0.1:8440"

	// SchedulerTick is how often due jobs are checked for dispatch.
	SchedulerTick = 30 * time.Second

	// MetricsInterval is the default cadence for storage sampling.
	MetricsInterval = 6 * time.Hour
)

const GiB = 1 << 30
