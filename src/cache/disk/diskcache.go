// Package disk implements the secondary (disk-backed) cache: a single
// directory holding a SQLite index (index.db) plus payload files named by
// value digest for entries too large to store inline (spec §4.6).
//
// Grounded on the teacher's src/cache/dir_cache.go for the
// directory-as-cache, atime-ordered LRU eviction idiom, generalized from
// "one directory entry per build target output" to the CAS/actions SQLite
// schema the spec requires (the teacher has no SQLite dependency of its
// own; see DESIGN.md for why modernc.org/sqlite was adopted instead).
package disk

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/djherbis/atime"
	"github.com/dustin/go-humanize"
	"gopkg.in/op/go-logging.v1"
	_ "modernc.org/sqlite"

	"github.com/open-cradle/cradle/src/core"
	"github.com/open-cradle/cradle/src/hashes"
)

var log = logging.MustGetLogger("disk")

// schemaVersion is stored in the index's user_version pragma; a mismatch
// at startup means the index is from an incompatible build and is wiped
// (spec §6 "Disk-cache on-disk layout").
const schemaVersion = 1

// inlineThreshold is the largest encoded value size stored directly in
// the cas.value column; anything bigger is written to a sibling payload
// file instead (spec §4.6 write path step 3).
const inlineThreshold = 64 * 1024

// accessFlushBatch is the number of buffered access-time updates that
// triggers an eager flush, matching the spec's "~10 entries" guidance
// (spec §4.6 "Access tracking").
const accessFlushBatch = 10

// Cache is the disk-backed secondary cache (spec §4.6).
type Cache struct {
	dir       string
	db        *sql.DB
	sizeLimit uint64

	mu             sync.Mutex
	pendingAccess  map[int64]int64 // ac_id -> unix millis
	bytesSinceSweep uint64
}

// Config controls Cache construction, mirroring config keys DISK_CACHE.*
// (spec §6).
type Config struct {
	Directory  string
	SizeLimit  uint64
	StartEmpty bool
}

// New opens (or creates) the disk cache at cfg.Directory. An unopenable or
// version-mismatched index is wiped and recreated rather than surfaced as
// a fatal error, since the disk cache is a pure accelerator (spec §4.6
// "Durability").
func New(cfg Config) (*Cache, error) {
	if cfg.StartEmpty {
		os.RemoveAll(cfg.Directory)
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, core.WrapError(core.ErrInvalidArgument, err, "creating disk cache directory %s", cfg.Directory)
	}
	c := &Cache{
		dir:           cfg.Directory,
		sizeLimit:     cfg.SizeLimit,
		pendingAccess: map[int64]int64{},
	}
	if err := c.openOrRecreate(); err != nil {
		return nil, err
	}
	if err := c.purgeIncompleteWrites(); err != nil {
		log.Warning("failed to purge incomplete disk cache writes: %s", err)
	}
	return c, nil
}

func (c *Cache) indexPath() string {
	return filepath.Join(c.dir, "index.db")
}

func (c *Cache) openOrRecreate() error {
	db, err := c.tryOpen()
	if err != nil {
		log.Warning("disk cache index unopenable (%s); recreating", err)
		os.Remove(c.indexPath())
		db, err = c.tryOpen()
		if err != nil {
			return core.WrapError(core.ErrLogic, err, "recreating disk cache index")
		}
	}
	c.db = db
	return nil
}

func (c *Cache) tryOpen() (*sql.DB, error) {
	db, err := sql.Open("sqlite", c.indexPath())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // spec §5: "single index.db connection per process"
	pragmas := []string{
		"PRAGMA synchronous=OFF",
		"PRAGMA journal_mode=MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, err
		}
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		db.Close()
		return nil, err
	}
	if version != 0 && version != schemaVersion {
		db.Close()
		return nil, fmt.Errorf("schema version mismatch: have %d, want %d", version, schemaVersion)
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cas (
			cas_id INTEGER PRIMARY KEY,
			digest TEXT UNIQUE NOT NULL,
			valid INTEGER NOT NULL DEFAULT 0,
			in_db INTEGER NOT NULL DEFAULT 0,
			value BLOB,
			size INTEGER NOT NULL DEFAULT 0,
			original_size INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS actions (
			ac_id INTEGER PRIMARY KEY,
			key TEXT UNIQUE NOT NULL,
			cas_id INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS actions_cas_id ON actions(cas_id)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// purgeIncompleteWrites removes cas rows left behind valid=0 by a prior
// crash, together with any actions rows that reference them (spec §4.6
// read path note on partially-written rows).
func (c *Cache) purgeIncompleteWrites() error {
	rows, err := c.db.Query(`SELECT cas_id, digest FROM cas WHERE valid = 0`)
	if err != nil {
		return err
	}
	var incomplete []struct {
		id     int64
		digest string
	}
	for rows.Next() {
		var id int64
		var digest string
		if err := rows.Scan(&id, &digest); err != nil {
			rows.Close()
			return err
		}
		incomplete = append(incomplete, struct {
			id     int64
			digest string
		}{id, digest})
	}
	rows.Close()
	for _, row := range incomplete {
		if _, err := c.db.Exec(`DELETE FROM actions WHERE cas_id = ?`, row.id); err != nil {
			return err
		}
		if _, err := c.db.Exec(`DELETE FROM cas WHERE cas_id = ?`, row.id); err != nil {
			return err
		}
		path := filepath.Join(c.dir, row.digest)
		if fi, err := os.Stat(path); err == nil {
			log.Debug("purging incomplete payload %s (last touched %s)", path, atime.Get(fi))
		}
		os.Remove(path)
	}
	return nil
}

// Write implements the write path of spec §4.6 for a value v of digest d
// under action key k.
func (c *Cache) Write(key hashes.Digest, digest hashes.Digest, v core.Value) error {
	k := key.String()

	var exists int
	if err := c.db.QueryRow(`SELECT 1 FROM actions WHERE key = ?`, k).Scan(&exists); err == nil {
		return nil // another writer won (spec step 1)
	} else if err != sql.ErrNoRows {
		return err
	}

	casID, err := c.internValue(digest, v)
	if err != nil {
		return err
	}

	_, err = c.db.Exec(`INSERT OR IGNORE INTO actions(key, cas_id, last_accessed) VALUES (?, ?, ?)`,
		k, casID, time.Now().UnixMilli())
	return err
}

// internValue returns the cas_id for digest, writing a fresh row (and
// payload file, for large values) if one doesn't already exist and is
// valid (spec §4.6 write path steps 2-3).
func (c *Cache) internValue(digest hashes.Digest, v core.Value) (int64, error) {
	d := digest.String()

	var casID int64
	var valid int
	err := c.db.QueryRow(`SELECT cas_id, valid FROM cas WHERE digest = ?`, d).Scan(&casID, &valid)
	if err == nil && valid == 1 {
		return casID, nil
	}

	enc, err := v.Encode()
	if err != nil {
		return 0, err
	}

	if len(enc) <= inlineThreshold {
		res, err := c.db.Exec(
			`INSERT OR REPLACE INTO cas(digest, valid, in_db, value, size, original_size) VALUES (?, 1, 1, ?, ?, ?)`,
			d, enc, len(enc), len(enc))
		if err != nil {
			return 0, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		c.trackInsert(uint64(len(enc)))
		return id, nil
	}

	// initiate_insert: row exists but invalid until the payload file is
	// fully written (spec §4.6 step 3, crash-safety via valid=0).
	res, err := c.db.Exec(
		`INSERT OR REPLACE INTO cas(digest, valid, in_db, size, original_size) VALUES (?, 0, 0, 0, ?)`,
		d, len(enc))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	path := filepath.Join(c.dir, d)
	if err := os.WriteFile(path, enc, 0o644); err != nil {
		return 0, core.WrapError(core.ErrLogic, err, "writing payload file %s", path)
	}
	// finish_insert
	if _, err := c.db.Exec(`UPDATE cas SET valid = 1, size = ? WHERE cas_id = ?`, len(enc), id); err != nil {
		return 0, err
	}
	c.trackInsert(uint64(len(enc)))
	return id, nil
}

func (c *Cache) trackInsert(size uint64) {
	c.mu.Lock()
	c.bytesSinceSweep += size
	shouldSweep := c.sizeLimit > 0 && c.bytesSinceSweep > c.sizeLimit/128
	c.mu.Unlock()
	if shouldSweep {
		if err := c.Evict(); err != nil {
			log.Warning("disk cache eviction failed: %s", err)
		}
	}
}

// Read implements the read path of spec §4.6 for action key k.
func (c *Cache) Read(key hashes.Digest) (core.Value, bool, error) {
	k := key.String()
	var acID, casID int64
	err := c.db.QueryRow(`SELECT ac_id, cas_id FROM actions WHERE key = ?`, k).Scan(&acID, &casID)
	if err == sql.ErrNoRows {
		return core.Value{}, false, nil
	} else if err != nil {
		return core.Value{}, false, err
	}

	var inDB int
	var value []byte
	var digest string
	if err := c.db.QueryRow(`SELECT in_db, value, digest FROM cas WHERE cas_id = ? AND valid = 1`, casID).
		Scan(&inDB, &value, &digest); err != nil {
		if err == sql.ErrNoRows {
			return core.Value{}, false, nil
		}
		return core.Value{}, false, err
	}

	c.recordAccess(acID)

	var enc []byte
	if inDB == 1 {
		enc = value
	} else {
		path := filepath.Join(c.dir, digest)
		enc, err = os.ReadFile(path)
		if err != nil {
			return core.Value{}, false, core.WrapError(core.ErrLogic, err, "reading payload file %s", path)
		}
	}
	v, err := decodeValue(enc)
	if err != nil {
		return core.Value{}, false, err
	}
	return v, true, nil
}

// recordAccess buffers an access-time update, flushing eagerly once the
// buffer grows past accessFlushBatch (spec §4.6 "Access tracking").
func (c *Cache) recordAccess(acID int64) {
	c.mu.Lock()
	c.pendingAccess[acID] = time.Now().UnixMilli()
	shouldFlush := len(c.pendingAccess) >= accessFlushBatch
	c.mu.Unlock()
	if shouldFlush {
		c.FlushAccessTimes()
	}
}

// FlushAccessTimes writes out any buffered access-time updates. Safe to
// call when idle (e.g. from a periodic ticker) or on Shutdown.
func (c *Cache) FlushAccessTimes() {
	c.mu.Lock()
	pending := c.pendingAccess
	c.pendingAccess = map[int64]int64{}
	c.mu.Unlock()
	for acID, ts := range pending {
		if _, err := c.db.Exec(`UPDATE actions SET last_accessed = ? WHERE ac_id = ?`, ts, acID); err != nil {
			log.Warning("failed to flush access time for ac_id %d: %s", acID, err)
		}
	}
}

// Evict deletes up to 256 of the least recently accessed actions rows in
// one pass, plus any cas row (and payload file) left with no referrers,
// then lowers bytesSinceSweep by the bytes reclaimed (spec §4.6
// "Eviction"). It does not stop early once the cache is under its limit.
func (c *Cache) Evict() error {
	c.FlushAccessTimes()
	rows, err := c.db.Query(`SELECT ac_id, cas_id FROM actions ORDER BY last_accessed ASC LIMIT 256`)
	if err != nil {
		return err
	}
	type row struct{ acID, casID int64 }
	var victims []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.acID, &r.casID); err != nil {
			rows.Close()
			return err
		}
		victims = append(victims, r)
	}
	rows.Close()

	var reclaimed uint64
	for _, v := range victims {
		if _, err := c.db.Exec(`DELETE FROM actions WHERE ac_id = ?`, v.acID); err != nil {
			return err
		}
		var refs int
		if err := c.db.QueryRow(`SELECT COUNT(*) FROM actions WHERE cas_id = ?`, v.casID).Scan(&refs); err != nil {
			return err
		}
		if refs > 0 {
			continue
		}
		var size int64
		var digest string
		var inDB int
		if err := c.db.QueryRow(`SELECT size, digest, in_db FROM cas WHERE cas_id = ?`, v.casID).
			Scan(&size, &digest, &inDB); err == nil {
			if inDB == 0 {
				os.Remove(filepath.Join(c.dir, digest))
			}
			reclaimed += uint64(size)
		}
		if _, err := c.db.Exec(`DELETE FROM cas WHERE cas_id = ?`, v.casID); err != nil {
			return err
		}
	}
	c.mu.Lock()
	if reclaimed >= c.bytesSinceSweep {
		c.bytesSinceSweep = 0
	} else {
		c.bytesSinceSweep -= reclaimed
	}
	c.mu.Unlock()
	log.Info("disk cache eviction reclaimed %s", humanize.Bytes(reclaimed))
	return nil
}

func decodeValue(enc []byte) (core.Value, error) {
	return core.DecodeValue(enc)
}

// Lookup/Store/Clean/CleanAll/Shutdown implement core.Cache, so Resources
// can treat the disk cache as a flat fingerprint->value store. Store keys
// the actions row by the fingerprint and the cas row by the value's own
// digest, so internValue gives equal values one shared CAS row regardless
// of which fingerprint requested them.
func (c *Cache) Lookup(key hashes.Digest) (core.Value, bool, error) {
	return c.Read(key)
}

func (c *Cache) Store(key hashes.Digest, value core.Value) error {
	digest, err := value.Digest()
	if err != nil {
		return err
	}
	return c.Write(key, digest, value)
}

func (c *Cache) Clean(key hashes.Digest) error {
	_, err := c.db.Exec(`DELETE FROM actions WHERE key = ?`, key.String())
	return err
}

func (c *Cache) CleanAll() error {
	if _, err := c.db.Exec(`DELETE FROM actions`); err != nil {
		return err
	}
	if _, err := c.db.Exec(`DELETE FROM cas`); err != nil {
		return err
	}
	entries, _ := os.ReadDir(c.dir)
	for _, e := range entries {
		if e.Name() != "index.db" {
			os.Remove(filepath.Join(c.dir, e.Name()))
		}
	}
	return nil
}

func (c *Cache) Shutdown() error {
	c.FlushAccessTimes()
	return c.db.Close()
}

var _ core.Cache = (*Cache)(nil)
