// Package conf holds the engine configuration enumerated in spec.md
// §6, loaded from an INI file in the teacher's style
// (server/conf/config.go).
package conf

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"

	"github.com/coredb/coredb/internal/dberr"
)

// LogMode selects the durability policy the LOG config key encodes.
type LogMode int

const (
	LogOff LogMode = iota
	LogBuffered
	LogSyncPerCommit
)

// LockMode selects the table-locking discipline.
type LockMode int

const (
	LockModeOff LockMode = iota
	LockModeTable
	LockModeReadCommitted
	LockModeTableGC
)

// Cfg is the set of options the storage core consumes.
type Cfg struct {
	Raw *ini.File

	// CacheSizeKB is capped at half of the estimated total memory by
	// Validate (the cap itself is computed by the caller and passed
	// in as totalMemKB).
	CacheSizeKB int

	PageSize            int // default 16 KiB
	MVCC                bool
	Log                 LogMode
	LockMode            LockMode
	MultiThreaded       bool
	MaxLengthInplaceLOB int
	CompressData        bool
	Cipher              string
	FileEncryptionKey   string
	CloseDelay          time.Duration // -1 disables delayed close

	CheckpointInterval time.Duration
	SyncInterval       time.Duration
}

// Default returns the configuration baseline, matching the teacher's
// NewCfg defaults extended with the spec.md §6 keys.
func Default() *Cfg {
	return &Cfg{
		Raw:                 ini.Empty(),
		CacheSizeKB:         16 * 1024,
		PageSize:            16 * 1024,
		MVCC:                true,
		Log:                 LogSyncPerCommit,
		LockMode:            LockModeReadCommitted,
		MultiThreaded:       true,
		MaxLengthInplaceLOB: 128,
		CompressData:        false,
		CloseDelay:          0,
		CheckpointInterval:  30 * time.Second,
		SyncInterval:        time.Second,
	}
}

// Load reads an INI file in the teacher's style and overlays it onto
// Default().
func Load(path string) (*Cfg, error) {
	cfg := Default()
	raw, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("conf: load %s: %w", path, err)
	}
	cfg.Raw = raw
	sec := raw.Section("")

	if k := sec.Key("CACHE_SIZE"); k.String() != "" {
		cfg.CacheSizeKB, _ = k.Int()
	}
	if k := sec.Key("PAGE_SIZE"); k.String() != "" {
		cfg.PageSize, _ = k.Int()
	}
	if k := sec.Key("MVCC"); k.String() != "" {
		cfg.MVCC, _ = k.Bool()
	}
	if k := sec.Key("LOG"); k.String() != "" {
		v, _ := k.Int()
		cfg.Log = LogMode(v)
	}
	if k := sec.Key("LOCK_MODE"); k.String() != "" {
		v, _ := k.Int()
		cfg.LockMode = LockMode(v)
	}
	if k := sec.Key("MULTI_THREADED"); k.String() != "" {
		cfg.MultiThreaded, _ = k.Bool()
	}
	if k := sec.Key("MAX_LENGTH_INPLACE_LOB"); k.String() != "" {
		cfg.MaxLengthInplaceLOB, _ = k.Int()
	}
	if k := sec.Key("COMPRESS_DATA"); k.String() != "" {
		cfg.CompressData, _ = k.Bool()
	}
	cfg.Cipher = sec.Key("CIPHER").String()
	cfg.FileEncryptionKey = sec.Key("FILE_ENCRYPTION_KEY").String()
	if k := sec.Key("CLOSE_DELAY"); k.String() != "" {
		secs, _ := k.Int()
		if secs < 0 {
			cfg.CloseDelay = -1
		} else {
			cfg.CloseDelay = time.Duration(secs) * time.Second
		}
	}

	return cfg, cfg.Validate(0)
}

// Validate rejects combinations spec.md §6/§9 call out as incompatible.
// totalMemKB, when nonzero, caps CacheSizeKB at half of it.
func (c *Cfg) Validate(totalMemKB int) error {
	if totalMemKB > 0 && c.CacheSizeKB > totalMemKB/2 {
		c.CacheSizeKB = totalMemKB / 2
	}
	if c.PageSize <= 0 {
		return dberr.New(dberr.KindInvalidValue, "conf: PAGE_SIZE must be positive")
	}
	if c.MVCC && c.LockMode == LockModeOff {
		return dberr.New(dberr.KindInvalidValue, "conf: MVCC requires a non-zero LOCK_MODE")
	}
	// Already covered by the MVCC/LockModeOff check above (it doesn't
	// test MultiThreaded), so this never fires on its own; kept because
	// it names the MULTI_THREADED=false combination spec.md §9 calls out
	// explicitly, even though LOCK_MODE=0 alone already rejects it.
	if c.MVCC && !c.MultiThreaded && c.LockMode == LockModeOff {
		return dberr.New(dberr.KindInvalidValue, "conf: MULTI_THREADED=false is incompatible with MVCC and LOCK_MODE=0 together")
	}
	return nil
}
